// Package etcd provides a relay.Locker backed by etcd leases.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/velmie/relay"
)

const defaultPrefix = "/outbox/leases/"

// Locker implements relay.Locker with one etcd lease per partition lease.
// The key is created only if absent and is bound to the etcd lease, so it
// disappears when the owner stops renewing. The lease TTL is fixed when the
// lease is granted; Renew keeps it alive for that TTL.
type Locker struct {
	client *clientv3.Client
	prefix string
	clock  relay.Clock
}

var _ relay.Locker = (*Locker)(nil)

// NewLocker constructs a Locker. An empty prefix uses /outbox/leases/.
func NewLocker(client *clientv3.Client, prefix string) *Locker {
	if client == nil {
		panic("outbox etcd: nil client")
	}
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &Locker{client: client, prefix: prefix, clock: relay.SystemClock{}}
}

// TryAcquire grants an etcd lease and creates the key only if it does not exist.
func (l *Locker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (relay.Lease, bool, error) {
	granted, err := l.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return relay.Lease{}, false, fmt.Errorf("outbox etcd: grant lease failed: %w", err)
	}

	token := formatToken(granted.ID)
	path := l.prefix + key
	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, token+"|"+owner, clientv3.WithLease(granted.ID))).
		Commit()
	if err != nil {
		l.revoke(granted.ID)

		return relay.Lease{}, false, fmt.Errorf("outbox etcd: acquire txn failed: %w", err)
	}
	if !resp.Succeeded {
		l.revoke(granted.ID)

		return relay.Lease{}, false, nil
	}

	return relay.Lease{
		Key:       key,
		Owner:     owner,
		Token:     token,
		ExpiresAt: l.clock.Now().Add(time.Duration(granted.TTL) * time.Second),
	}, true, nil
}

// Renew verifies the key still carries the lease token and refreshes the etcd lease.
func (l *Locker) Renew(ctx context.Context, lease relay.Lease, _ time.Duration) (relay.Lease, bool, error) {
	id, err := parseToken(lease.Token)
	if err != nil {
		return relay.Lease{}, false, nil
	}

	held, err := l.holds(ctx, lease)
	if err != nil {
		return relay.Lease{}, false, err
	}
	if !held {
		return relay.Lease{}, false, nil
	}

	resp, err := l.client.KeepAliveOnce(ctx, id)
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return relay.Lease{}, false, nil
	}
	if err != nil {
		return relay.Lease{}, false, fmt.Errorf("outbox etcd: keep alive failed: %w", err)
	}
	lease.ExpiresAt = l.clock.Now().Add(time.Duration(resp.TTL) * time.Second)

	return lease, true, nil
}

// Release deletes the key if it still carries the lease token and revokes the etcd lease.
func (l *Locker) Release(ctx context.Context, lease relay.Lease) error {
	id, err := parseToken(lease.Token)
	if err != nil {
		return nil
	}

	path := l.prefix + lease.Key
	if _, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(path), "=", lease.Token+"|"+lease.Owner)).
		Then(clientv3.OpDelete(path)).
		Commit(); err != nil {
		return fmt.Errorf("outbox etcd: release txn failed: %w", err)
	}
	if _, err := l.client.Revoke(ctx, id); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return fmt.Errorf("outbox etcd: revoke lease failed: %w", err)
	}

	return nil
}

func (l *Locker) holds(ctx context.Context, lease relay.Lease) (bool, error) {
	resp, err := l.client.Get(ctx, l.prefix+lease.Key)
	if err != nil {
		return false, fmt.Errorf("outbox etcd: get lease key failed: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}

	return string(resp.Kvs[0].Value) == lease.Token+"|"+lease.Owner, nil
}

func (l *Locker) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _ = l.client.Revoke(ctx, id)
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := int64(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		return 1
	}

	return seconds
}

func formatToken(id clientv3.LeaseID) string {
	return strconv.FormatInt(int64(id), 16)
}

func parseToken(token string) (clientv3.LeaseID, error) {
	id, err := strconv.ParseInt(token, 16, 64)
	if err != nil {
		return 0, err
	}

	return clientv3.LeaseID(id), nil
}
