package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/velmie/relay"
)

// Sink records published messages in order. Failures can be scripted per
// record id to exercise retry paths.
type Sink struct {
	mu        sync.Mutex
	published []relay.Record
	attempts  map[relay.ID]int
	failures  map[relay.ID][]error
	onPublish func(relay.Record)
}

var _ relay.Sink = (*Sink)(nil)

// NewSink creates an empty sink.
func NewSink() *Sink {
	return &Sink{
		attempts: make(map[relay.ID]int),
		failures: make(map[relay.ID][]error),
	}
}

// FailNext queues errors returned by the next publishes of id, in order.
func (s *Sink) FailNext(id relay.ID, errs ...error) {
	s.mu.Lock()
	s.failures[id] = append(s.failures[id], errs...)
	s.mu.Unlock()
}

// OnPublish registers a hook invoked after every successful publish.
func (s *Sink) OnPublish(fn func(relay.Record)) {
	s.mu.Lock()
	s.onPublish = fn
	s.mu.Unlock()
}

// Publish implements relay.Sink.
func (s *Sink) Publish(_ context.Context, record relay.Record) error {
	s.mu.Lock()
	s.attempts[record.ID]++
	if queued := s.failures[record.ID]; len(queued) > 0 {
		err := queued[0]
		s.failures[record.ID] = queued[1:]
		s.mu.Unlock()

		return err
	}
	record.Payload = slices.Clone(record.Payload)
	record.Headers = maps.Clone(record.Headers)
	s.published = append(s.published, record)
	hook := s.onPublish
	s.mu.Unlock()

	if hook != nil {
		hook(record)
	}

	return nil
}

// Published returns the published records in publish order.
func (s *Sink) Published() []relay.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.published)
}

// Attempts returns how many times id was handed to Publish.
func (s *Sink) Attempts(id relay.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.attempts[id]
}
