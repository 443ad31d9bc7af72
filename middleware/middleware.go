// Package middleware provides relay.Sink decorators that protect brokers.
package middleware

import "github.com/velmie/relay"

// Middleware decorates a sink.
type Middleware func(relay.Sink) relay.Sink

// Chain wraps sink with mws. The first middleware is the outermost.
func Chain(sink relay.Sink, mws ...Middleware) relay.Sink {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			sink = mws[i](sink)
		}
	}

	return sink
}
