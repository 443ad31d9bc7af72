package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/velmie/relay"
	"github.com/velmie/relay/cmd/internal/logging"
	"github.com/velmie/relay/internal/config"
	"github.com/velmie/relay/memory"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Parse([]byte(`
partitions:
  - key: orders
    max_batch_size: 2
  - key: payments
    lease_ttl: 10s
store:
  dsn: "root:secret@tcp(localhost:3306)/app?parseTime=true"
sink:
  kafka:
    brokers: ["localhost:9092"]
    topic: events
`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	return cfg
}

func testLogger(t *testing.T) logging.Logger {
	t.Helper()

	logger, err := logging.New(&bytes.Buffer{}, "debug", "text")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	return logger
}

func TestPartitions(t *testing.T) {
	got := partitions(testConfig(t))
	if len(got) != 2 {
		t.Fatalf("partitions = %d, want 2", len(got))
	}
	if got[0].Key != "orders" || got[0].MaxBatchSize != 2 {
		t.Fatalf("unexpected first partition %+v", got[0])
	}
	if got[1].Key != "payments" || got[1].LeaseTTL != 10*time.Second {
		t.Fatalf("unexpected second partition %+v", got[1])
	}
}

func TestDecorateSinkAppliesBreaker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Middleware.CircuitBreaker.Enabled = true
	cfg.Middleware.CircuitBreaker.FailureThreshold = 1
	cfg.Middleware.CircuitBreaker.ResetTimeout = time.Hour

	calls := 0
	sink := decorateSink(relay.SinkFunc(func(context.Context, relay.Record) error {
		calls++
		return relay.Transient(errors.New("down"))
	}), cfg, testLogger(t))

	ctx := context.Background()
	_ = sink.Publish(ctx, relay.Record{})
	err := sink.Publish(ctx, relay.Record{})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want open breaker", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestSchedulerOptionsDriveCycle(t *testing.T) {
	cfg := testConfig(t)
	opts, err := schedulerOptions(cfg, "relay-test", testLogger(t))
	if err != nil {
		t.Fatalf("options: %v", err)
	}

	clock := memory.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.NewStore(clock)
	sink := memory.NewSink()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.Enqueue(ctx, relay.Entry{PartitionKey: "orders", Payload: []byte("x")}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	opts = append(opts, relay.WithClock(clock))
	scheduler := relay.NewScheduler(store, memory.NewLocker(clock), sink, opts...)
	if scheduler.Owner() != "relay-test" {
		t.Fatalf("owner = %s", scheduler.Owner())
	}

	result, err := scheduler.RunCycle(ctx, partitions(cfg)[0])
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if result.Claimed != 2 || len(sink.Published()) != 2 {
		t.Fatalf("claimed %d published %d, want 2", result.Claimed, len(sink.Published()))
	}
}

func TestBuildRejectsUnknownDrivers(t *testing.T) {
	comps := &components{}
	if err := comps.buildSource(context.Background(), config.StoreConfig{Driver: "sqlite"}); err == nil {
		t.Fatal("expected store driver error")
	}

	cfg := testConfig(t)
	if err := comps.buildLocker(context.Background(), cfg); err == nil {
		t.Fatal("expected mysql lock without mysql store to fail")
	}

	cfg.Sink.Driver = "carrier-pigeon"
	if err := comps.buildSink(context.Background(), cfg); err == nil {
		t.Fatal("expected sink driver error")
	}
}

func TestRunOnceReportsPerPartition(t *testing.T) {
	clock := memory.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.NewStore(clock)
	locker := memory.NewLocker(clock)
	sink := memory.NewSink()
	ctx := context.Background()

	for _, key := range []string{"orders", "payments"} {
		if _, err := store.Enqueue(ctx, relay.Entry{PartitionKey: key, Payload: []byte("x")}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	locker.Steal("payments", "someone-else", time.Minute)

	scheduler := relay.NewScheduler(store, locker, sink, relay.WithClock(clock), relay.WithOwner("relay-test"))
	err := runOnce(ctx, scheduler, []relay.PartitionConfig{{Key: "orders"}, {Key: "payments"}}, testLogger(t))
	if err != nil {
		t.Fatalf("run once: %v", err)
	}

	published := sink.Published()
	if len(published) != 1 || published[0].PartitionKey != "orders" {
		t.Fatalf("published %+v, want only orders", published)
	}
}
