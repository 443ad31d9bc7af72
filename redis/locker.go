package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"

	"github.com/velmie/relay"
)

const defaultKeyPrefix = "outbox:lease:"

// Locker implements relay.Locker with redislock. Obtained locks are tracked
// by token so renewals and releases reuse the original lock handle.
type Locker struct {
	client *redislock.Client
	prefix string
	clock  relay.Clock

	mu    sync.Mutex
	locks map[string]*redislock.Lock
}

var _ relay.Locker = (*Locker)(nil)

// LockerOption configures the Locker.
type LockerOption func(*Locker)

// WithKeyPrefix sets the Redis key prefix for lease keys.
func WithKeyPrefix(prefix string) LockerOption {
	return func(l *Locker) {
		l.prefix = prefix
	}
}

// WithLockerClock sets the clock used to compute lease expiry.
func WithLockerClock(clock relay.Clock) LockerOption {
	return func(l *Locker) {
		l.clock = clock
	}
}

// NewLocker constructs a Locker on a go-redis client.
func NewLocker(client goredis.UniversalClient, opts ...LockerOption) *Locker {
	if client == nil {
		panic("outbox redis: nil client")
	}

	l := &Locker{
		client: redislock.New(client),
		prefix: defaultKeyPrefix,
		clock:  relay.SystemClock{},
		locks:  make(map[string]*redislock.Lock),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

// TryAcquire obtains the lease without retrying.
func (l *Locker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (relay.Lease, bool, error) {
	lock, err := l.client.Obtain(ctx, l.prefix+key, ttl, &redislock.Options{Metadata: owner})
	if errors.Is(err, redislock.ErrNotObtained) {
		return relay.Lease{}, false, nil
	}
	if err != nil {
		return relay.Lease{}, false, fmt.Errorf("outbox redis: obtain lease failed: %w", err)
	}

	l.mu.Lock()
	l.locks[lock.Token()] = lock
	l.mu.Unlock()

	return relay.Lease{
		Key:       key,
		Owner:     owner,
		Token:     lock.Token(),
		ExpiresAt: l.clock.Now().Add(ttl),
	}, true, nil
}

// Renew refreshes the lock TTL. A lock that is no longer held reports ok=false.
func (l *Locker) Renew(ctx context.Context, lease relay.Lease, ttl time.Duration) (relay.Lease, bool, error) {
	lock, ok := l.lookup(lease.Token)
	if !ok {
		return relay.Lease{}, false, nil
	}

	err := lock.Refresh(ctx, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		l.forget(lease.Token)

		return relay.Lease{}, false, nil
	}
	if err != nil {
		return relay.Lease{}, false, fmt.Errorf("outbox redis: refresh lease failed: %w", err)
	}
	lease.ExpiresAt = l.clock.Now().Add(ttl)

	return lease, true, nil
}

// Release removes the lock if this process still holds it.
func (l *Locker) Release(ctx context.Context, lease relay.Lease) error {
	lock, ok := l.lookup(lease.Token)
	if !ok {
		return nil
	}
	l.forget(lease.Token)

	if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return fmt.Errorf("outbox redis: release lease failed: %w", err)
	}

	return nil
}

func (l *Locker) lookup(token string) (*redislock.Lock, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[token]

	return lock, ok
}

func (l *Locker) forget(token string) {
	l.mu.Lock()
	delete(l.locks, token)
	l.mu.Unlock()
}
