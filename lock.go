package relay

import (
	"context"
	"time"
)

// Lease is a time-bounded ownership grant over a partition key.
type Lease struct {
	Key   string
	Owner string
	// Token distinguishes this grant from earlier grants to the same owner.
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the lease is no longer valid at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Locker grants mutually exclusive, leased ownership of partition keys across
// relay instances.
type Locker interface {
	// TryAcquire returns ok=false without error when another owner holds an
	// unexpired lease for key. It never waits.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error)
	// Renew extends the lease if it is still held by the same grant. ok=false
	// means ownership was lost.
	Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, bool, error)
	// Release removes the lease. It is idempotent and safe on expired leases.
	Release(ctx context.Context, lease Lease) error
}
