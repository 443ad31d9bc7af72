package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/relay"
)

// Locker is an in-memory relay.Locker. Expiry is evaluated against the clock,
// so leases of crashed owners lapse without a background sweeper.
type Locker struct {
	mu     sync.Mutex
	clock  relay.Clock
	leases map[string]relay.Lease
}

var _ relay.Locker = (*Locker)(nil)

// NewLocker creates a locker. A nil clock uses relay.SystemClock.
func NewLocker(clock relay.Clock) *Locker {
	if clock == nil {
		clock = relay.SystemClock{}
	}

	return &Locker{clock: clock, leases: make(map[string]relay.Lease)}
}

// TryAcquire implements relay.Locker.
func (l *Locker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (relay.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return relay.Lease{}, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if cur, ok := l.leases[key]; ok && !cur.Expired(now) {
		return relay.Lease{}, false, nil
	}

	lease := relay.Lease{
		Key:       key,
		Owner:     owner,
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(ttl),
	}
	l.leases[key] = lease

	return lease, true, nil
}

// Renew implements relay.Locker.
func (l *Locker) Renew(ctx context.Context, lease relay.Lease, ttl time.Duration) (relay.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return relay.Lease{}, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cur, ok := l.leases[lease.Key]
	if !ok || cur.Token != lease.Token || cur.Expired(now) {
		return relay.Lease{}, false, nil
	}
	cur.ExpiresAt = now.Add(ttl)
	l.leases[lease.Key] = cur

	return cur, true, nil
}

// Release implements relay.Locker.
func (l *Locker) Release(_ context.Context, lease relay.Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[lease.Key]; ok && cur.Token == lease.Token {
		delete(l.leases, lease.Key)
	}

	return nil
}

// Steal replaces the lease for key with one owned by owner, regardless of the
// current holder. It simulates a lease taken over after an expiry race.
func (l *Locker) Steal(key, owner string, ttl time.Duration) relay.Lease {
	l.mu.Lock()
	defer l.mu.Unlock()

	lease := relay.Lease{
		Key:       key,
		Owner:     owner,
		Token:     uuid.NewString(),
		ExpiresAt: l.clock.Now().Add(ttl),
	}
	l.leases[key] = lease

	return lease
}

// Holder returns the unexpired lease for key, if any.
func (l *Locker) Holder(key string) (relay.Lease, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[key]
	if !ok || cur.Expired(l.clock.Now()) {
		return relay.Lease{}, false
	}

	return cur, true
}
