// Package postgres provides a PostgreSQL outbox source for the relay built on gorm.
//
// Claims run in a READ COMMITTED transaction that locks the leading PENDING
// and CLAIMED rows of one partition with SELECT ... FOR UPDATE, ordered by the
// BIGSERIAL sequence column, and marks the claimable prefix as CLAIMED.
package postgres
