package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/velmie/relay"
)

const errDuplicateEntry = 1062

// LeaseLocker implements relay.Locker on a MySQL lease table. Expiry is
// evaluated with the database clock, so instances with skewed clocks agree on
// lease validity.
type LeaseLocker struct {
	db      *sql.DB
	clock   relay.Clock
	table   string
	takeSQL string
	insSQL  string
	renSQL  string
	relSQL  string
	heldSQL string
}

var _ relay.Locker = (*LeaseLocker)(nil)

// NewLeaseLocker constructs a locker on table. An empty table uses outbox_leases.
func NewLeaseLocker(db *sql.DB, table string) (*LeaseLocker, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if table == "" {
		table = defaultLeaseTable
	}
	name, err := sanitizeTableName(table)
	if err != nil {
		return nil, err
	}

	return &LeaseLocker{
		db:    db,
		clock: relay.SystemClock{},
		table: name,
		takeSQL: fmt.Sprintf(
			"UPDATE %s SET owner = ?, token = ?, expires_at = TIMESTAMPADD(MICROSECOND, ?, NOW(6)) "+
				"WHERE lease_key = ? AND expires_at <= NOW(6)",
			name,
		),
		insSQL: fmt.Sprintf(
			"INSERT INTO %s (lease_key, owner, token, expires_at) VALUES (?, ?, ?, TIMESTAMPADD(MICROSECOND, ?, NOW(6)))",
			name,
		),
		renSQL: fmt.Sprintf(
			"UPDATE %s SET expires_at = TIMESTAMPADD(MICROSECOND, ?, NOW(6)) "+
				"WHERE lease_key = ? AND token = ? AND expires_at > NOW(6)",
			name,
		),
		relSQL:  fmt.Sprintf("DELETE FROM %s WHERE lease_key = ? AND token = ?", name),
		heldSQL: fmt.Sprintf("SELECT owner FROM %s WHERE lease_key = ? AND expires_at > NOW(6)", name),
	}, nil
}

// TryAcquire takes over an expired lease row or inserts a new one. A
// duplicate key on insert means another owner holds the lease.
func (l *LeaseLocker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (relay.Lease, bool, error) {
	lease := relay.Lease{
		Key:       key,
		Owner:     owner,
		Token:     uuid.NewString(),
		ExpiresAt: l.clock.Now().Add(ttl),
	}

	res, err := l.db.ExecContext(ctx, l.takeSQL, owner, lease.Token, ttl.Microseconds(), key)
	if err != nil {
		return relay.Lease{}, false, fmt.Errorf("outbox mysql: take over lease failed: %w", err)
	}
	if took, err := res.RowsAffected(); err != nil {
		return relay.Lease{}, false, fmt.Errorf("outbox mysql: lease rows failed: %w", err)
	} else if took == 1 {
		return lease, true, nil
	}

	if _, err := l.db.ExecContext(ctx, l.insSQL, key, owner, lease.Token, ttl.Microseconds()); err != nil {
		if isDuplicateEntry(err) {
			return relay.Lease{}, false, nil
		}

		return relay.Lease{}, false, fmt.Errorf("outbox mysql: insert lease failed: %w", err)
	}

	return lease, true, nil
}

// Renew extends the lease only while the row still carries the lease token
// and has not expired.
func (l *LeaseLocker) Renew(ctx context.Context, lease relay.Lease, ttl time.Duration) (relay.Lease, bool, error) {
	res, err := l.db.ExecContext(ctx, l.renSQL, ttl.Microseconds(), lease.Key, lease.Token)
	if err != nil {
		return relay.Lease{}, false, fmt.Errorf("outbox mysql: renew lease failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return relay.Lease{}, false, fmt.Errorf("outbox mysql: lease rows failed: %w", err)
	}
	if affected == 0 {
		return relay.Lease{}, false, nil
	}
	lease.ExpiresAt = l.clock.Now().Add(ttl)

	return lease, true, nil
}

// Release deletes the lease row if it still carries the lease token.
func (l *LeaseLocker) Release(ctx context.Context, lease relay.Lease) error {
	if lease.Token == "" {
		return nil
	}
	if _, err := l.db.ExecContext(ctx, l.relSQL, lease.Key, lease.Token); err != nil {
		return fmt.Errorf("outbox mysql: release lease failed: %w", err)
	}

	return nil
}

// Holder returns the owner of the unexpired lease for key.
func (l *LeaseLocker) Holder(ctx context.Context, key string) (string, bool, error) {
	var owner string
	err := l.db.QueryRowContext(ctx, l.heldSQL, key).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("outbox mysql: lease holder query failed: %w", err)
	}

	return owner, true, nil
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysqldriver.MySQLError

	return errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry
}
