package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// CycleResult describes what a single partition cycle did.
type CycleResult struct {
	Partition string
	// Acquired is false when another instance held the partition lease.
	Acquired bool
	Claimed  int
	Outcomes []Outcome
	Halted   bool
}

// Scheduler runs one independent polling cycle per configured partition.
type Scheduler struct {
	source     Source
	locker     Locker
	dispatcher *Dispatcher
	cfg        Config
	slots      *semaphore.Weighted

	heldMu sync.Mutex
	held   map[string]Lease

	pendingMu sync.Mutex
	pendingAt time.Time
}

// NewScheduler constructs a Scheduler with defaults and optional settings.
func NewScheduler(source Source, locker Locker, sink Sink, opts ...Option) *Scheduler {
	if source == nil {
		panic("outbox: nil Source")
	}
	if locker == nil {
		panic("outbox: nil Locker")
	}
	if sink == nil {
		panic("outbox: nil Sink")
	}

	cfg := buildConfig(opts)

	return &Scheduler{
		source:     source,
		locker:     locker,
		dispatcher: newDispatcher(source, sink, cfg),
		cfg:        cfg,
		slots:      semaphore.NewWeighted(int64(cfg.CycleConcurrency)),
		held:       make(map[string]Lease),
	}
}

// Owner returns the instance identity used for leases and claims.
func (s *Scheduler) Owner() string {
	return s.cfg.Owner
}

// Run polls every partition until ctx is canceled. On cancellation it stops
// scheduling new cycles and waits up to the shutdown grace for in-flight
// cycles, then forcibly releases any leases still held and returns
// ErrShutdownTimeout.
func (s *Scheduler) Run(ctx context.Context, partitions []PartitionConfig) error {
	resolved, err := s.resolvePartitions(partitions)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, partition := range resolved {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runPartition(ctx, partition)
		}()
	}
	s.cfg.Logger.Info("outbox relay started", "owner", s.cfg.Owner, "partitions", len(resolved))

	<-ctx.Done()
	s.cfg.Logger.Info("outbox relay shutting down", "owner", s.cfg.Owner)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		released := s.releaseHeld()
		s.cfg.Logger.Error("outbox relay shutdown grace exceeded", "released", released)

		return ErrShutdownTimeout
	}
}

// RunCycle runs a single cycle for partition: acquire, claim, dispatch, release.
// Contention and empty batches are not errors.
func (s *Scheduler) RunCycle(ctx context.Context, partition PartitionConfig) (result CycleResult, err error) {
	if partition.Key == "" {
		return result, ErrInvalidPartition
	}
	partition = partition.withDefaults(s.cfg)
	result.Partition = partition.Key

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
		}
		s.cfg.Metrics.ObserveCycleDuration(partition.Key, time.Since(start))
	}()

	lease, ok, err := s.acquire(ctx, partition)
	if err != nil {
		return result, err
	}
	if !ok {
		s.cfg.Metrics.AddContention(partition.Key)
		s.cfg.Logger.Debug("outbox partition lease held elsewhere", "partition", partition.Key)

		return result, nil
	}
	result.Acquired = true

	hb := s.startHeartbeat(lease, partition)
	defer func() {
		hb.stop()
		s.release(hb.current())
	}()

	records, err := s.claim(ctx, partition, hb.lost)
	if err != nil {
		return result, err
	}
	result.Claimed = len(records)
	if len(records) == 0 {
		s.cfg.Logger.Debug("outbox partition has no eligible records", "partition", partition.Key)
		s.maybeRecordPending(ctx)

		return result, nil
	}

	report, err := s.dispatcher.Dispatch(ctx, records, DispatchOptions{
		PartitionKey: partition.Key,
		MaxAttempts:  partition.MaxAttempts,
		Lost:         hb.lost,
	})
	result.Outcomes = report.Outcomes
	result.Halted = report.Halted
	s.recordReport(partition.Key, report)

	if errors.Is(err, ErrOwnershipLost) {
		s.cfg.Metrics.AddOwnershipLost(partition.Key)
	}

	return result, err
}

func (s *Scheduler) resolvePartitions(partitions []PartitionConfig) ([]PartitionConfig, error) {
	if len(partitions) == 0 {
		return nil, ErrNoPartitions
	}

	seen := make(map[string]struct{}, len(partitions))
	resolved := make([]PartitionConfig, 0, len(partitions))
	for _, partition := range partitions {
		if partition.Key == "" {
			return nil, ErrInvalidPartition
		}
		if _, dup := seen[partition.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidPartition, partition.Key)
		}
		seen[partition.Key] = struct{}{}
		resolved = append(resolved, partition.withDefaults(s.cfg))
	}

	return resolved, nil
}

func (s *Scheduler) runPartition(ctx context.Context, partition PartitionConfig) {
	ticker := time.NewTicker(partition.TickInterval)
	defer ticker.Stop()

	for {
		s.tick(ctx, partition)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, partition PartitionConfig) {
	if ctx.Err() != nil {
		return
	}
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.slots.Release(1)

	_, err := s.RunCycle(ctx, partition)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	s.cfg.Metrics.AddCycleFailures(partition.Key)
	if errors.Is(err, ErrOwnershipLost) {
		s.cfg.Logger.Warn("outbox cycle aborted", "partition", partition.Key, "err", err)

		return
	}
	s.cfg.Logger.Error("outbox cycle failed", "partition", partition.Key, "err", err)
}

func (s *Scheduler) acquire(ctx context.Context, partition PartitionConfig) (Lease, bool, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	lease, ok, err := s.locker.TryAcquire(lockCtx, partition.Key, s.cfg.Owner, partition.LeaseTTL)
	if err != nil {
		return Lease{}, false, fmt.Errorf("outbox acquire lease for %q failed: %w", partition.Key, err)
	}
	if ok {
		s.track(lease)
	}

	return lease, ok, nil
}

func (s *Scheduler) claim(ctx context.Context, partition PartitionConfig, lost <-chan struct{}) ([]Record, error) {
	if err := proceed(ctx, lost); err != nil {
		return nil, err
	}

	claimCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	records, err := s.source.ClaimBatch(claimCtx, ClaimRequest{
		PartitionKey:      partition.Key,
		MaxSize:           partition.MaxBatchSize,
		Owner:             s.cfg.Owner,
		VisibilityTimeout: partition.VisibilityTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("%w: claim %q: %w", ErrStoreUnavailable, partition.Key, err)
	}

	return records, nil
}

func (s *Scheduler) release(lease Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()

	if err := s.locker.Release(ctx, lease); err != nil {
		s.cfg.Logger.Warn("outbox lease release failed", "partition", lease.Key, "err", err)
	}
	s.untrack(lease)
}

func (s *Scheduler) track(lease Lease) {
	s.heldMu.Lock()
	s.held[lease.Key] = lease
	s.heldMu.Unlock()
}

func (s *Scheduler) untrack(lease Lease) {
	s.heldMu.Lock()
	if cur, ok := s.held[lease.Key]; ok && cur.Token == lease.Token {
		delete(s.held, lease.Key)
	}
	s.heldMu.Unlock()
}

func (s *Scheduler) releaseHeld() int {
	s.heldMu.Lock()
	leases := make([]Lease, 0, len(s.held))
	for _, lease := range s.held {
		leases = append(leases, lease)
	}
	s.heldMu.Unlock()

	for _, lease := range leases {
		s.release(lease)
	}

	return len(leases)
}

func (s *Scheduler) recordReport(partition string, report DispatchReport) {
	var published, failed int
	for _, outcome := range report.Outcomes {
		switch outcome.Result {
		case ResultSuccess:
			published++
		case ResultPermanent:
			failed++
		}
	}
	s.cfg.Metrics.AddPublished(partition, published)
	s.cfg.Metrics.AddFailed(partition, failed)
	s.cfg.Metrics.AddRetries(partition, report.Retries)
}

func (s *Scheduler) maybeRecordPending(ctx context.Context) {
	counter, ok := s.source.(PendingCounter)
	if !ok {
		return
	}
	if s.cfg.PendingInterval <= 0 {
		return
	}
	if ctx.Err() != nil {
		return
	}

	now := s.cfg.Clock.Now()
	s.pendingMu.Lock()
	nextAllowed := s.pendingAt.Add(s.cfg.PendingInterval)
	if !s.pendingAt.IsZero() && now.Before(nextAllowed) {
		s.pendingMu.Unlock()

		return
	}
	s.pendingAt = now
	s.pendingMu.Unlock()

	count, err := counter.PendingCount(ctx)
	if err != nil {
		s.cfg.Logger.Warn("outbox pending count failed", "err", err)

		return
	}

	s.cfg.Metrics.SetPending(count)
}
