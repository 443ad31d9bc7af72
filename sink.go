package relay

import (
	"context"
	"errors"
	"fmt"
)

// Sink publishes a record to a broker. A nil error means the broker confirmed
// the record.
type Sink interface {
	// Publish sends a single record and waits for the broker confirmation.
	Publish(ctx context.Context, record Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, record Record) error

// Publish implements Sink.
func (fn SinkFunc) Publish(ctx context.Context, record Record) error {
	return fn(ctx, record)
}

// ErrorKind tells whether a publish failure may be retried.
type ErrorKind int

const (
	// KindTransient marks transport failures, timeouts and transient broker conditions.
	KindTransient ErrorKind = iota
	// KindPermanent marks broker rejections and malformed payloads.
	KindPermanent
)

// String returns the kind name.
func (k ErrorKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}

	return "transient"
}

// PublishError is returned by sinks to classify a failure.
type PublishError struct {
	Kind ErrorKind
	Err  error
}

// Error implements error.
func (e *PublishError) Error() string {
	return fmt.Sprintf("outbox publish %s failure: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *PublishError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable publish failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &PublishError{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable publish failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PublishError{Kind: KindPermanent, Err: err}
}

// Classifier decides whether a publish failure is retryable.
type Classifier func(ctx context.Context, record Record, err error) ErrorKind

// ClassifyError is the default Classifier. Malformed records and permanent
// PublishErrors are permanent; everything else, including timeouts and
// unknown transport errors, is transient.
func ClassifyError(_ context.Context, _ Record, err error) ErrorKind {
	if errors.Is(err, ErrMalformedRecord) {
		return KindPermanent
	}
	var pubErr *PublishError
	if errors.As(err, &pubErr) {
		return pubErr.Kind
	}

	return KindTransient
}
