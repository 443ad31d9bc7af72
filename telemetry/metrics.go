// Package telemetry exports relay metrics and publish spans through OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/velmie/relay"
)

const instrumentationName = "github.com/velmie/relay"

const attrPartition = attribute.Key("outbox.partition")

// Metrics implements relay.Metrics with OpenTelemetry instruments.
type Metrics struct {
	cycleDuration metric.Float64Histogram
	published     metric.Int64Counter
	retries       metric.Int64Counter
	failed        metric.Int64Counter
	contention    metric.Int64Counter
	ownershipLost metric.Int64Counter
	cycleFailures metric.Int64Counter
	pending       metric.Int64Gauge
}

var _ relay.Metrics = (*Metrics)(nil)

// NewMetrics creates the relay instruments on provider. A nil provider uses
// the global meter provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	m := &Metrics{}
	var err error

	m.cycleDuration, err = meter.Float64Histogram(
		"outbox.cycle.duration",
		metric.WithDescription("Duration of partition cycles"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cycleDuration histogram: %w", err)
	}

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.published, "outbox.records.published", "Records confirmed by the sink"},
		{&m.retries, "outbox.publish.retries", "In-cycle publish retries"},
		{&m.failed, "outbox.records.failed", "Records marked FAILED"},
		{&m.contention, "outbox.lease.contention", "Ticks skipped because another instance held the lease"},
		{&m.ownershipLost, "outbox.lease.lost", "Cycles aborted because the lease could not be renewed"},
		{&m.cycleFailures, "outbox.cycle.failures", "Cycles that ended with an error"},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.pending, err = meter.Int64Gauge(
		"outbox.records.pending",
		metric.WithDescription("Records waiting to be relayed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending gauge: %w", err)
	}

	return m, nil
}

// ObserveCycleDuration implements relay.Metrics.
func (m *Metrics) ObserveCycleDuration(partition string, duration time.Duration) {
	m.cycleDuration.Record(context.Background(), duration.Seconds(), partitionAttr(partition))
}

// AddPublished implements relay.Metrics.
func (m *Metrics) AddPublished(partition string, count int) {
	m.published.Add(context.Background(), int64(count), partitionAttr(partition))
}

// AddRetries implements relay.Metrics.
func (m *Metrics) AddRetries(partition string, count int) {
	m.retries.Add(context.Background(), int64(count), partitionAttr(partition))
}

// AddFailed implements relay.Metrics.
func (m *Metrics) AddFailed(partition string, count int) {
	m.failed.Add(context.Background(), int64(count), partitionAttr(partition))
}

// AddContention implements relay.Metrics.
func (m *Metrics) AddContention(partition string) {
	m.contention.Add(context.Background(), 1, partitionAttr(partition))
}

// AddOwnershipLost implements relay.Metrics.
func (m *Metrics) AddOwnershipLost(partition string) {
	m.ownershipLost.Add(context.Background(), 1, partitionAttr(partition))
}

// AddCycleFailures implements relay.Metrics.
func (m *Metrics) AddCycleFailures(partition string) {
	m.cycleFailures.Add(context.Background(), 1, partitionAttr(partition))
}

// SetPending implements relay.Metrics.
func (m *Metrics) SetPending(count int) {
	m.pending.Record(context.Background(), int64(count))
}

func partitionAttr(partition string) metric.MeasurementOption {
	return metric.WithAttributes(attrPartition.String(partition))
}
