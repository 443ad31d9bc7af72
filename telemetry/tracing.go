package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/velmie/relay"
)

// TracingSink wraps a sink and records one span per publish attempt.
type TracingSink struct {
	next   relay.Sink
	tracer trace.Tracer
}

var _ relay.Sink = (*TracingSink)(nil)

// NewTracingSink wraps next. A nil provider uses the global tracer provider.
func NewTracingSink(next relay.Sink, provider trace.TracerProvider) *TracingSink {
	if next == nil {
		panic("outbox telemetry: nil sink")
	}
	if provider == nil {
		provider = otel.GetTracerProvider()
	}

	return &TracingSink{next: next, tracer: provider.Tracer(instrumentationName)}
}

// Publish implements relay.Sink.
func (s *TracingSink) Publish(ctx context.Context, record relay.Record) error {
	ctx, span := s.tracer.Start(ctx, "outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attrPartition.String(record.PartitionKey),
			attribute.String("outbox.record_id", record.ID.String()),
			attribute.Int64("outbox.sequence", record.Sequence),
			attribute.Int("outbox.attempts", record.Attempts),
		),
	)
	defer span.End()

	err := s.next.Publish(ctx, record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("outbox.error_kind",
			relay.ClassifyError(ctx, record, err).String()))
	}

	return err
}
