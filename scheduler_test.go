package relay_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/velmie/relay"
	"github.com/velmie/relay/memory"
)

type countingMetrics struct {
	mu            sync.Mutex
	published     map[string]int
	retries       map[string]int
	failed        map[string]int
	contention    map[string]int
	ownershipLost map[string]int
	cycleFailures map[string]int
	pendingCalls  int
	pending       int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		published:     make(map[string]int),
		retries:       make(map[string]int),
		failed:        make(map[string]int),
		contention:    make(map[string]int),
		ownershipLost: make(map[string]int),
		cycleFailures: make(map[string]int),
	}
}

func (m *countingMetrics) ObserveCycleDuration(string, time.Duration) {}

func (m *countingMetrics) AddPublished(partition string, n int) {
	m.mu.Lock()
	m.published[partition] += n
	m.mu.Unlock()
}

func (m *countingMetrics) AddRetries(partition string, n int) {
	m.mu.Lock()
	m.retries[partition] += n
	m.mu.Unlock()
}

func (m *countingMetrics) AddFailed(partition string, n int) {
	m.mu.Lock()
	m.failed[partition] += n
	m.mu.Unlock()
}

func (m *countingMetrics) AddContention(partition string) {
	m.mu.Lock()
	m.contention[partition]++
	m.mu.Unlock()
}

func (m *countingMetrics) AddOwnershipLost(partition string) {
	m.mu.Lock()
	m.ownershipLost[partition]++
	m.mu.Unlock()
}

func (m *countingMetrics) AddCycleFailures(partition string) {
	m.mu.Lock()
	m.cycleFailures[partition]++
	m.mu.Unlock()
}

func (m *countingMetrics) SetPending(n int) {
	m.mu.Lock()
	m.pendingCalls++
	m.pending = n
	m.mu.Unlock()
}

func (m *countingMetrics) get(counter map[string]int, partition string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return counter[partition]
}

type fixture struct {
	clock  *memory.Clock
	store  *memory.Store
	locker *memory.Locker
	sink   *memory.Sink
}

func newFixture() *fixture {
	clock := memory.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	return &fixture{
		clock:  clock,
		store:  memory.NewStore(clock),
		locker: memory.NewLocker(clock),
		sink:   memory.NewSink(),
	}
}

func (f *fixture) enqueue(t *testing.T, partition string, n int) []relay.Record {
	t.Helper()

	records := make([]relay.Record, 0, n)
	for i := 0; i < n; i++ {
		record, err := f.store.Enqueue(context.Background(), relay.Entry{
			PartitionKey: partition,
			Payload:      []byte(fmt.Sprintf("%s-%d", partition, i)),
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		records = append(records, record)
	}

	return records
}

func (f *fixture) scheduler(owner string, opts ...relay.Option) *relay.Scheduler {
	base := []relay.Option{
		relay.WithOwner(owner),
		relay.WithClock(f.clock),
		relay.WithBackoff(relay.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}),
	}

	return relay.NewScheduler(f.store, f.locker, f.sink, append(base, opts...)...)
}

func (f *fixture) status(t *testing.T, id relay.ID) relay.Status {
	t.Helper()

	record, ok := f.store.Get(id)
	if !ok {
		t.Fatalf("record %s not found", id)
	}

	return record.Status
}

func TestRunCyclePublishesBatchWithInCycleRetry(t *testing.T) {
	f := newFixture()
	records := f.enqueue(t, "P1", 3)
	f.sink.FailNext(records[1].ID, relay.Transient(errors.New("broker busy")))
	metrics := newCountingMetrics()

	s := f.scheduler("relay-a", relay.WithMaxBatchSize(2), relay.WithMaxAttempts(3), relay.WithMetrics(metrics))
	result, err := s.RunCycle(context.Background(), relay.PartitionConfig{Key: "P1"})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if !result.Acquired || result.Claimed != 2 || result.Halted {
		t.Fatalf("unexpected cycle result: %+v", result)
	}

	if got := f.status(t, records[0].ID); got != relay.StatusPublished {
		t.Fatalf("expected record 1 published, got %s", got)
	}
	second, _ := f.store.Get(records[1].ID)
	if second.Status != relay.StatusPublished || second.Attempts != 2 {
		t.Fatalf("expected record 2 published after 2 attempts, got %s/%d", second.Status, second.Attempts)
	}
	if got := f.status(t, records[2].ID); got != relay.StatusPending {
		t.Fatalf("expected record 3 pending, got %s", got)
	}

	published := f.sink.Published()
	if len(published) != 2 || published[0].ID != records[0].ID || published[1].ID != records[1].ID {
		t.Fatalf("unexpected publish order: %+v", published)
	}
	if metrics.get(metrics.published, "P1") != 2 || metrics.get(metrics.retries, "P1") != 1 {
		t.Fatalf("unexpected metrics: published=%d retries=%d",
			metrics.get(metrics.published, "P1"), metrics.get(metrics.retries, "P1"))
	}
	if _, held := f.locker.Holder("P1"); held {
		t.Fatalf("expected lease to be released after the cycle")
	}
}

func TestRunCycleSkipsContendedPartition(t *testing.T) {
	f := newFixture()
	records := f.enqueue(t, "P1", 1)
	f.locker.Steal("P1", "relay-b", time.Minute)
	metrics := newCountingMetrics()

	s := f.scheduler("relay-a", relay.WithMetrics(metrics))
	result, err := s.RunCycle(context.Background(), relay.PartitionConfig{Key: "P1"})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if result.Acquired || result.Claimed != 0 {
		t.Fatalf("expected contended cycle to do nothing, got %+v", result)
	}
	if got := f.status(t, records[0].ID); got != relay.StatusPending {
		t.Fatalf("expected record to stay pending, got %s", got)
	}
	if metrics.get(metrics.contention, "P1") != 1 {
		t.Fatalf("expected one contention event")
	}
}

func TestRunCyclePermanentFailureHaltsUntilReclaim(t *testing.T) {
	f := newFixture()
	records := f.enqueue(t, "P1", 3)
	f.sink.FailNext(records[1].ID, relay.Permanent(errors.New("schema rejected")))
	metrics := newCountingMetrics()

	s := f.scheduler("relay-a", relay.WithVisibilityTimeout(time.Minute), relay.WithMetrics(metrics))
	result, err := s.RunCycle(context.Background(), relay.PartitionConfig{Key: "P1"})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if !result.Halted {
		t.Fatalf("expected halted batch")
	}

	failed, _ := f.store.Get(records[1].ID)
	if failed.Status != relay.StatusFailed || failed.LastError == "" {
		t.Fatalf("expected record 2 failed with last error, got %+v", failed)
	}
	if got := f.status(t, records[2].ID); got != relay.StatusClaimed {
		t.Fatalf("expected record 3 to stay claimed, got %s", got)
	}

	// Claimed successors wait for the visibility timeout.
	result, err = s.RunCycle(context.Background(), relay.PartitionConfig{Key: "P1"})
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if result.Claimed != 0 {
		t.Fatalf("expected no claim before visibility timeout, got %d", result.Claimed)
	}

	f.clock.Advance(2 * time.Minute)
	if _, err := s.RunCycle(context.Background(), relay.PartitionConfig{Key: "P1"}); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if got := f.status(t, records[2].ID); got != relay.StatusPublished {
		t.Fatalf("expected record 3 published after reclaim, got %s", got)
	}
	if metrics.get(metrics.failed, "P1") != 1 {
		t.Fatalf("expected one failed record in metrics")
	}
}

func TestRunCycleReclaimsStaleClaimOfCrashedInstance(t *testing.T) {
	f := newFixture()
	records := f.enqueue(t, "P1", 2)

	// A crashed instance claimed both records and never reported.
	claimed, err := f.store.ClaimBatch(context.Background(), relay.ClaimRequest{
		PartitionKey: "P1", MaxSize: 10, Owner: "relay-crashed",
	})
	if err != nil || len(claimed) != 2 {
		t.Fatalf("claim: %v (%d records)", err, len(claimed))
	}

	s := f.scheduler("relay-a", relay.WithVisibilityTimeout(30*time.Second))
	f.clock.Advance(31 * time.Second)

	result, err := s.RunCycle(context.Background(), relay.PartitionConfig{Key: "P1"})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if result.Claimed != 2 {
		t.Fatalf("expected both stale records to be reclaimed, got %d", result.Claimed)
	}
	for _, record := range records {
		if got := f.status(t, record.ID); got != relay.StatusPublished {
			t.Fatalf("expected %s published, got %s", record.ID, got)
		}
	}
}

func TestRunCycleStopsWhenLeaseIsStolen(t *testing.T) {
	f := newFixture()
	records := f.enqueue(t, "P1", 3)
	metrics := newCountingMetrics()

	var once sync.Once
	f.sink.OnPublish(func(relay.Record) {
		once.Do(func() {
			f.locker.Steal("P1", "relay-b", 30*time.Second)
			// Give the heartbeat time to observe the theft.
			time.Sleep(100 * time.Millisecond)
		})
	})

	a := f.scheduler("relay-a",
		relay.WithLeaseTTL(30*time.Second),
		relay.WithRenewInterval(5*time.Millisecond),
		relay.WithVisibilityTimeout(time.Minute),
		relay.WithMetrics(metrics),
	)
	_, err := a.RunCycle(context.Background(), relay.PartitionConfig{Key: "P1"})
	if !errors.Is(err, relay.ErrOwnershipLost) {
		t.Fatalf("expected ownership lost, got %v", err)
	}
	if metrics.get(metrics.ownershipLost, "P1") != 1 {
		t.Fatalf("expected ownership lost to be counted")
	}
	if got := f.status(t, records[0].ID); got != relay.StatusPublished {
		t.Fatalf("expected record 1 published, got %s", got)
	}
	if got := f.status(t, records[1].ID); got != relay.StatusClaimed {
		t.Fatalf("expected record 2 to stay claimed, got %s", got)
	}

	// The stolen lease and the stale claims expire; the new owner continues.
	f.sink.OnPublish(nil)
	f.clock.Advance(2 * time.Minute)

	b := f.scheduler("relay-b", relay.WithVisibilityTimeout(time.Minute))
	if _, err := b.RunCycle(context.Background(), relay.PartitionConfig{Key: "P1"}); err != nil {
		t.Fatalf("run cycle on new owner: %v", err)
	}

	published := f.sink.Published()
	if len(published) != 3 {
		t.Fatalf("expected 3 publishes, got %d", len(published))
	}
	for i, record := range records {
		if published[i].ID != record.ID {
			t.Fatalf("publish %d out of order", i)
		}
		if attempts := f.sink.Attempts(record.ID); attempts != 1 {
			t.Fatalf("expected record %d to be published once, got %d", i, attempts)
		}
	}
}

func TestRunCycleRecoversPanic(t *testing.T) {
	f := newFixture()
	records := f.enqueue(t, "P1", 1)
	sink := relay.SinkFunc(func(context.Context, relay.Record) error {
		panic("boom")
	})

	s := relay.NewScheduler(f.store, f.locker, sink, relay.WithOwner("relay-a"), relay.WithClock(f.clock))
	_, err := s.RunCycle(context.Background(), relay.PartitionConfig{Key: "P1"})
	if !errors.Is(err, relay.ErrWorkerPanic) {
		t.Fatalf("expected worker panic, got %v", err)
	}
	if _, held := f.locker.Holder("P1"); held {
		t.Fatalf("expected lease released after panic")
	}
	if got := f.status(t, records[0].ID); got != relay.StatusClaimed {
		t.Fatalf("expected record to stay claimed, got %s", got)
	}
}

type panickingLocker struct {
	*memory.Locker
}

func (panickingLocker) Renew(context.Context, relay.Lease, time.Duration) (relay.Lease, bool, error) {
	panic("renew exploded")
}

func TestRunCycleSurvivesRenewalPanic(t *testing.T) {
	f := newFixture()
	records := f.enqueue(t, "P1", 2)
	metrics := newCountingMetrics()

	var once sync.Once
	f.sink.OnPublish(func(relay.Record) {
		once.Do(func() {
			// Give the heartbeat time to tick and panic.
			time.Sleep(100 * time.Millisecond)
		})
	})

	s := relay.NewScheduler(f.store, panickingLocker{Locker: f.locker}, f.sink,
		relay.WithOwner("relay-a"),
		relay.WithClock(f.clock),
		relay.WithRenewInterval(5*time.Millisecond),
		relay.WithMetrics(metrics),
	)
	_, err := s.RunCycle(context.Background(), relay.PartitionConfig{Key: "P1"})
	if !errors.Is(err, relay.ErrOwnershipLost) {
		t.Fatalf("expected ownership lost, got %v", err)
	}
	if metrics.get(metrics.ownershipLost, "P1") != 1 {
		t.Fatalf("expected ownership lost to be counted")
	}
	if _, held := f.locker.Holder("P1"); held {
		t.Fatalf("expected lease released after renewal panic")
	}
	if got := f.status(t, records[0].ID); got != relay.StatusPublished {
		t.Fatalf("expected record 1 published, got %s", got)
	}
	if got := f.status(t, records[1].ID); got != relay.StatusClaimed {
		t.Fatalf("expected record 2 to stay claimed, got %s", got)
	}
}

type unavailableSource struct {
	relay.Source
}

func (unavailableSource) ClaimBatch(context.Context, relay.ClaimRequest) ([]relay.Record, error) {
	return nil, errors.New("connection refused")
}

func TestRunCycleStoreUnavailable(t *testing.T) {
	f := newFixture()
	s := relay.NewScheduler(unavailableSource{}, f.locker, f.sink, relay.WithOwner("relay-a"), relay.WithClock(f.clock))

	result, err := s.RunCycle(context.Background(), relay.PartitionConfig{Key: "P1"})
	if !errors.Is(err, relay.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if !result.Acquired {
		t.Fatalf("expected lease to be acquired before the claim")
	}
	if _, held := f.locker.Holder("P1"); held {
		t.Fatalf("expected lease released after store failure")
	}
}

func TestRunCycleRejectsEmptyPartition(t *testing.T) {
	f := newFixture()
	s := f.scheduler("relay-a")

	if _, err := s.RunCycle(context.Background(), relay.PartitionConfig{}); !errors.Is(err, relay.ErrInvalidPartition) {
		t.Fatalf("expected invalid partition, got %v", err)
	}
}

func TestRunCycleSamplesPendingCount(t *testing.T) {
	f := newFixture()
	f.enqueue(t, "P1", 2)
	metrics := newCountingMetrics()

	s := f.scheduler("relay-a", relay.WithMetrics(metrics), relay.WithPendingInterval(time.Minute))
	for i := 0; i < 3; i++ {
		if _, err := s.RunCycle(context.Background(), relay.PartitionConfig{Key: "P2"}); err != nil {
			t.Fatalf("run cycle: %v", err)
		}
	}
	metrics.mu.Lock()
	calls, pending := metrics.pendingCalls, metrics.pending
	metrics.mu.Unlock()
	if calls != 1 || pending != 2 {
		t.Fatalf("expected one pending sample of 2, got %d samples of %d", calls, pending)
	}

	f.clock.Advance(time.Minute)
	if _, err := s.RunCycle(context.Background(), relay.PartitionConfig{Key: "P2"}); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	metrics.mu.Lock()
	calls = metrics.pendingCalls
	metrics.mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected a second sample after the interval, got %d", calls)
	}
}

func TestTwoInstancesNeverPublishConcurrentlyOrTwice(t *testing.T) {
	f := newFixture()
	records := f.enqueue(t, "P1", 20)

	var (
		mu       sync.Mutex
		inflight int
		overlap  bool
	)
	sink := relay.SinkFunc(func(ctx context.Context, record relay.Record) error {
		mu.Lock()
		inflight++
		if inflight > 1 {
			overlap = true
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)
		err := f.sink.Publish(ctx, record)

		mu.Lock()
		inflight--
		mu.Unlock()

		return err
	})

	instances := []*relay.Scheduler{
		relay.NewScheduler(f.store, f.locker, sink, relay.WithOwner("relay-a"), relay.WithClock(f.clock), relay.WithMaxBatchSize(3)),
		relay.NewScheduler(f.store, f.locker, sink, relay.WithOwner("relay-b"), relay.WithClock(f.clock), relay.WithMaxBatchSize(3)),
	}

	var wg sync.WaitGroup
	for _, s := range instances {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500 && len(f.sink.Published()) < len(records); i++ {
				if _, err := s.RunCycle(context.Background(), relay.PartitionConfig{Key: "P1"}); err != nil {
					t.Errorf("run cycle: %v", err)

					return
				}
			}
		}()
	}
	wg.Wait()

	if overlap {
		t.Fatalf("two instances published the same partition concurrently")
	}
	published := f.sink.Published()
	if len(published) != len(records) {
		t.Fatalf("expected %d publishes, got %d", len(records), len(published))
	}
	for i := 1; i < len(published); i++ {
		if published[i].Sequence <= published[i-1].Sequence {
			t.Fatalf("publish order violated at %d", i)
		}
	}
}

func TestRunPublishesAllPartitionsAndStops(t *testing.T) {
	f := newFixture()
	partitions := []string{"P1", "P2", "P3"}
	for _, key := range partitions {
		f.enqueue(t, key, 5)
	}

	s := f.scheduler("relay-a", relay.WithTickInterval(5*time.Millisecond), relay.WithMaxBatchSize(2), relay.WithCycleConcurrency(2))
	configs := make([]relay.PartitionConfig, 0, len(partitions))
	for _, key := range partitions {
		configs = append(configs, relay.PartitionConfig{Key: key})
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx, configs)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for len(f.sink.Published()) < 15 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}

	last := make(map[string]int64)
	published := f.sink.Published()
	if len(published) != 15 {
		t.Fatalf("expected 15 publishes, got %d", len(published))
	}
	for _, record := range published {
		if record.Sequence <= last[record.PartitionKey] {
			t.Fatalf("partition %s published out of order", record.PartitionKey)
		}
		last[record.PartitionKey] = record.Sequence
	}
}

func TestRunForcesLeaseReleaseAfterShutdownGrace(t *testing.T) {
	f := newFixture()
	f.enqueue(t, "P1", 1)

	started := make(chan struct{})
	unblock := make(chan struct{})
	defer close(unblock)
	var once sync.Once
	sink := relay.SinkFunc(func(context.Context, relay.Record) error {
		once.Do(func() { close(started) })
		<-unblock

		return nil
	})

	s := relay.NewScheduler(f.store, f.locker, sink,
		relay.WithOwner("relay-a"),
		relay.WithClock(f.clock),
		relay.WithTickInterval(time.Hour),
		relay.WithShutdownGrace(20*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx, []relay.PartitionConfig{{Key: "P1"}})
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("publish did not start")
	}
	if _, held := f.locker.Holder("P1"); !held {
		t.Fatalf("expected lease held during publish")
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, relay.ErrShutdownTimeout) {
			t.Fatalf("expected shutdown timeout, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after the grace period")
	}
	if _, held := f.locker.Holder("P1"); held {
		t.Fatalf("expected lease to be released after the grace period")
	}
}

func TestRunValidatesPartitions(t *testing.T) {
	f := newFixture()
	s := f.scheduler("relay-a")

	if err := s.Run(context.Background(), nil); !errors.Is(err, relay.ErrNoPartitions) {
		t.Fatalf("expected no partitions, got %v", err)
	}
	err := s.Run(context.Background(), []relay.PartitionConfig{{Key: "P1"}, {Key: "P1"}})
	if !errors.Is(err, relay.ErrInvalidPartition) {
		t.Fatalf("expected invalid partition, got %v", err)
	}
}
