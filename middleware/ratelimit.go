package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/velmie/relay"
)

// RateLimit bounds the publish rate to perSecond with the given burst. A
// publish waits for a token; if the context ends first the wait error is
// returned as transient.
func RateLimit(perSecond float64, burst int) Middleware {
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)

	return func(next relay.Sink) relay.Sink {
		return relay.SinkFunc(func(ctx context.Context, record relay.Record) error {
			if err := limiter.Wait(ctx); err != nil {
				return relay.Transient(fmt.Errorf("outbox sink rate limit: %w", err))
			}

			return next.Publish(ctx, record)
		})
	}
}
