package memory_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velmie/relay/memory"
)

func TestLockerContentionAndRelease(t *testing.T) {
	ctx := context.Background()
	locker := memory.NewLocker(memory.NewClock(start))

	leaseA, ok, err := locker.TryAcquire(ctx, "P1", "A", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryAcquire(ctx, "P1", "B", 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, locker.Release(ctx, leaseA))
	require.NoError(t, locker.Release(ctx, leaseA))

	leaseB, ok, err := locker.TryAcquire(ctx, "P1", "B", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "B", leaseB.Owner)
}

func TestLockerExpiryAndRenew(t *testing.T) {
	ctx := context.Background()
	clock := memory.NewClock(start)
	locker := memory.NewLocker(clock)

	lease, ok, err := locker.TryAcquire(ctx, "P1", "A", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(4 * time.Second)
	renewed, ok, err := locker.Renew(ctx, lease, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, start.Add(9*time.Second), renewed.ExpiresAt)

	clock.Advance(9 * time.Second)
	_, ok, err = locker.Renew(ctx, renewed, 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = locker.TryAcquire(ctx, "P1", "B", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Releasing the stale lease must not drop B's lease.
	require.NoError(t, locker.Release(ctx, renewed))
	holder, ok := locker.Holder("P1")
	require.True(t, ok)
	require.Equal(t, "B", holder.Owner)
}

func TestLockerRenewAfterSteal(t *testing.T) {
	ctx := context.Background()
	locker := memory.NewLocker(memory.NewClock(start))

	lease, ok, err := locker.TryAcquire(ctx, "P1", "A", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	locker.Steal("P1", "B", 5*time.Second)
	_, ok, err = locker.Renew(ctx, lease, 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLockerMutualExclusionUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	locker := memory.NewLocker(nil)

	const instances = 32
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		startCh = make(chan struct{})
	)
	for i := 0; i < instances; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-startCh
			_, ok, err := locker.TryAcquire(ctx, "P1", "instance", time.Minute)
			if err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	close(startCh)
	wg.Wait()

	require.Equal(t, int32(1), winners.Load())
}
