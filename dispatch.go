package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DispatchOptions carries the per-partition policy for one Dispatch call.
type DispatchOptions struct {
	PartitionKey string
	MaxAttempts  int
	// Lost is closed when the partition lease can no longer be renewed.
	Lost <-chan struct{}
}

// DispatchReport summarizes a dispatched batch.
type DispatchReport struct {
	Outcomes []Outcome
	// Retries counts in-cycle publish retries.
	Retries int
	// Halted is true when records were left undispatched.
	Halted bool
}

// Dispatcher publishes claimed batches in order and reports every outcome to
// the Source. It never touches the store other than through ReportOutcome.
type Dispatcher struct {
	source Source
	sink   Sink
	cfg    Config
}

// NewDispatcher constructs a Dispatcher with defaults and optional settings.
func NewDispatcher(source Source, sink Sink, opts ...Option) *Dispatcher {
	if source == nil {
		panic("outbox: nil Source")
	}
	if sink == nil {
		panic("outbox: nil Sink")
	}

	return newDispatcher(source, sink, buildConfig(opts))
}

func newDispatcher(source Source, sink Sink, cfg Config) *Dispatcher {
	return &Dispatcher{source: source, sink: sink, cfg: cfg}
}

// Dispatch publishes records strictly in order. A record that does not end in
// SUCCESS halts the batch: its successors stay CLAIMED until they are
// reclaimed. Shutdown (ctx) and ownership loss (opts.Lost) are honored between
// publishes, never during one.
func (d *Dispatcher) Dispatch(ctx context.Context, records []Record, opts DispatchOptions) (DispatchReport, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = d.cfg.MaxAttempts
	}

	report := DispatchReport{Outcomes: make([]Outcome, 0, len(records))}
	for i := range records {
		if err := proceed(ctx, opts.Lost); err != nil {
			report.Halted = true

			return report, err
		}

		outcome, retries, err := d.dispatchRecord(ctx, records[i], opts)
		report.Retries += retries
		if errors.Is(err, ErrOwnershipLost) {
			report.Halted = true

			return report, err
		}

		if reportErr := d.report(ctx, outcome); reportErr != nil {
			report.Halted = true

			return report, reportErr
		}
		report.Outcomes = append(report.Outcomes, outcome)

		if err != nil {
			report.Halted = true

			return report, err
		}
		if outcome.Result != ResultSuccess {
			report.Halted = i < len(records)-1

			return report, nil
		}
	}

	return report, nil
}

func (d *Dispatcher) dispatchRecord(ctx context.Context, record Record, opts DispatchOptions) (Outcome, int, error) {
	bo := d.newBackOff()
	attempts := record.Attempts
	retries := 0

	for cycleAttempt := 1; ; cycleAttempt++ {
		attempts++
		record.Attempts = attempts
		err := d.publish(ctx, record)
		if err == nil {
			return Outcome{RecordID: record.ID, Result: ResultSuccess, Attempts: attempts}, retries, nil
		}
		if errors.Is(err, ErrSinkUnavailable) {
			d.cfg.Logger.Debug("outbox sink unavailable, deferring record",
				"partition", record.PartitionKey, "id", record.ID, "sequence", record.Sequence, "err", err)

			return Outcome{RecordID: record.ID, Result: ResultRetryable, Attempts: attempts - 1, Err: err}, retries, nil
		}
		if d.cfg.ErrorHandler != nil {
			d.cfg.ErrorHandler(ctx, record, err)
		}

		kind := d.cfg.Classifier(ctx, record, err)
		switch {
		case kind == KindPermanent:
			d.cfg.Logger.Warn("outbox record rejected permanently",
				"partition", record.PartitionKey, "id", record.ID, "sequence", record.Sequence, "err", err)

			return Outcome{RecordID: record.ID, Result: ResultPermanent, Attempts: attempts, Err: err}, retries, nil
		case attempts >= opts.MaxAttempts:
			err = fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempts, err)
			d.cfg.Logger.Warn("outbox record exhausted attempts",
				"partition", record.PartitionKey, "id", record.ID, "sequence", record.Sequence, "err", err)

			return Outcome{RecordID: record.ID, Result: ResultPermanent, Attempts: attempts, Err: err}, retries, nil
		case cycleAttempt >= d.cfg.MaxCycleAttempts:
			return Outcome{RecordID: record.ID, Result: ResultRetryable, Attempts: attempts, Err: err}, retries, nil
		}

		delay := bo.NextBackOff()
		d.cfg.Logger.Debug("outbox publish retry scheduled",
			"partition", record.PartitionKey, "id", record.ID, "attempt", attempts, "delay", delay, "err", err)
		if waitErr := wait(ctx, opts.Lost, delay); waitErr != nil {
			return Outcome{RecordID: record.ID, Result: ResultRetryable, Attempts: attempts, Err: err}, retries, waitErr
		}
		retries++
	}
}

// publish is detached from shutdown cancellation so an in-flight publish is
// never abandoned halfway; only the publish timeout bounds it.
func (d *Dispatcher) publish(ctx context.Context, record Record) error {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.PublishTimeout)
	defer cancel()

	err := d.sink.Publish(pubCtx, record)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}

	return err
}

func (d *Dispatcher) report(ctx context.Context, outcome Outcome) error {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StoreTimeout)
	defer cancel()

	if err := d.source.ReportOutcome(reportCtx, outcome); err != nil {
		return fmt.Errorf("%w: report %s for %s: %w", ErrStoreUnavailable, outcome.Result, outcome.RecordID, err)
	}

	return nil
}

func (d *Dispatcher) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.Backoff.InitialInterval
	bo.MaxInterval = d.cfg.Backoff.MaxInterval
	bo.Multiplier = d.cfg.Backoff.Multiplier
	bo.RandomizationFactor = d.cfg.Backoff.Jitter
	bo.Reset()

	return bo
}

func proceed(ctx context.Context, lost <-chan struct{}) error {
	select {
	case <-lost:
		return ErrOwnershipLost
	default:
	}

	return ctx.Err()
}

func wait(ctx context.Context, lost <-chan struct{}, d time.Duration) error {
	if err := proceed(ctx, lost); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-lost:
		return ErrOwnershipLost
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
