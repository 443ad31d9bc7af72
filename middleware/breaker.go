package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/velmie/relay"
)

// BreakerConfig configures CircuitBreaker.
type BreakerConfig struct {
	// Name identifies the breaker in logs.
	Name string
	// FailureThreshold is the number of consecutive transient failures that opens the breaker.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before probing again.
	ResetTimeout time.Duration
	// HalfOpenRequests is the number of probe publishes allowed while half-open.
	HalfOpenRequests uint32
	// Classifier decides which failures count against the breaker. It should
	// match the dispatcher's classifier. Defaults to relay.ClassifyError.
	Classifier relay.Classifier
	Logger     relay.Logger
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Name == "" {
		c.Name = "sink"
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = 1
	}
	if c.Classifier == nil {
		c.Classifier = relay.ClassifyError
	}
	if c.Logger == nil {
		c.Logger = relay.NopLogger{}
	}

	return c
}

// CircuitBreaker stops calling the sink after repeated transient failures.
// Permanent failures describe the record rather than the broker and do not
// count against the breaker. While the breaker is open, publishes fail fast
// with relay.ErrSinkUnavailable, which the dispatcher neither counts as an
// attempt nor retries in-cycle, so the records stay pending.
func CircuitBreaker(cfg BreakerConfig) Middleware {
	cfg = cfg.withDefaults()

	return func(next relay.Sink) relay.Sink {
		cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: cfg.HalfOpenRequests,
			Timeout:     cfg.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || cfg.Classifier(context.Background(), relay.Record{}, err) == relay.KindPermanent
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				cfg.Logger.Warn("outbox sink circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})

		return &breakerSink{next: next, cb: cb}
	}
}

type breakerSink struct {
	next relay.Sink
	cb   *gobreaker.CircuitBreaker
}

func (s *breakerSink) Publish(ctx context.Context, record relay.Record) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.next.Publish(ctx, record)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return relay.Transient(fmt.Errorf("%w: breaker %s: %w", relay.ErrSinkUnavailable, s.cb.Name(), err))
	}

	return err
}
