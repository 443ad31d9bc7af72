package relay

import "time"

// Metrics captures relay-level telemetry.
type Metrics interface {
	// ObserveCycleDuration records the time a partition cycle took.
	ObserveCycleDuration(partition string, duration time.Duration)
	// AddPublished increments the count of published records.
	AddPublished(partition string, count int)
	// AddRetries increments the count of in-cycle publish retries.
	AddRetries(partition string, count int)
	// AddFailed increments the count of records marked FAILED.
	AddFailed(partition string, count int)
	// AddContention increments the count of ticks skipped on a held lease.
	AddContention(partition string)
	// AddOwnershipLost increments the count of cycles aborted on renewal failure.
	AddOwnershipLost(partition string)
	// AddCycleFailures increments the count of failed cycles.
	AddCycleFailures(partition string)
	// SetPending updates the current pending record count.
	SetPending(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveCycleDuration implements Metrics.
func (NopMetrics) ObserveCycleDuration(string, time.Duration) {}

// AddPublished implements Metrics.
func (NopMetrics) AddPublished(string, int) {}

// AddRetries implements Metrics.
func (NopMetrics) AddRetries(string, int) {}

// AddFailed implements Metrics.
func (NopMetrics) AddFailed(string, int) {}

// AddContention implements Metrics.
func (NopMetrics) AddContention(string) {}

// AddOwnershipLost implements Metrics.
func (NopMetrics) AddOwnershipLost(string) {}

// AddCycleFailures implements Metrics.
func (NopMetrics) AddCycleFailures(string) {}

// SetPending implements Metrics.
func (NopMetrics) SetPending(int) {}
