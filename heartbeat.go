package relay

import (
	"context"
	"sync"
	"time"
)

// heartbeat renews a lease while a cycle runs and closes lost when renewal
// fails or reports the lease as stolen.
type heartbeat struct {
	lost     chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once
	lostOnce sync.Once

	mu    sync.Mutex
	lease Lease
}

func (s *Scheduler) startHeartbeat(lease Lease, partition PartitionConfig) *heartbeat {
	hb := &heartbeat{
		lost:    make(chan struct{}),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		lease:   lease,
	}

	go func() {
		defer close(hb.stopped)
		defer func() {
			if rec := recover(); rec != nil {
				s.cfg.Logger.Error("outbox lease renewal panicked", "partition", partition.Key, "owner", s.cfg.Owner, "panic", rec)
				hb.markLost()
			}
		}()

		ticker := time.NewTicker(partition.RenewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hb.done:
				return
			case <-ticker.C:
			}

			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
			renewed, ok, err := s.locker.Renew(ctx, hb.current(), partition.LeaseTTL)
			cancel()
			if err != nil || !ok {
				s.cfg.Logger.Warn("outbox lease renewal failed", "partition", partition.Key, "owner", s.cfg.Owner, "err", err)
				hb.markLost()

				return
			}
			hb.set(renewed)
			s.track(renewed)
		}
	}()

	return hb
}

func (hb *heartbeat) current() Lease {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	return hb.lease
}

func (hb *heartbeat) set(lease Lease) {
	hb.mu.Lock()
	hb.lease = lease
	hb.mu.Unlock()
}

func (hb *heartbeat) markLost() {
	hb.lostOnce.Do(func() {
		close(hb.lost)
	})
}

func (hb *heartbeat) stop() {
	hb.once.Do(func() {
		close(hb.done)
	})
	<-hb.stopped
}
