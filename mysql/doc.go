// Package mysql provides a MySQL 8.0+ outbox source and lease locker for the relay.
//
// The source claims records per partition:
//   - READ COMMITTED isolation (to avoid gap locks)
//   - SELECT ... FOR UPDATE over PENDING and CLAIMED rows of one partition
//   - ORDER BY sequence ASC (AUTO_INCREMENT staging order)
//   - the claimable prefix is marked CLAIMED in the same transaction
//
// Rows are never skipped with SKIP LOCKED: a locked row ends the claim so the
// partition order is kept. Time columns are scanned as time.Time, so the DSN
// must set parseTime=true.
//
// See Schema/SchemaJSON for the outbox table, LeaseSchema for the lease table
// used by LeaseLocker, and CleanupMaintainer for periodic row cleanup.
package mysql
