package kafka

import (
	"context"
	"errors"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/velmie/relay"
)

// WriterSink publishes records through a synchronous kafka-go Writer.
type WriterSink struct {
	writer *kafkago.Writer
	cfg    Config
}

var _ relay.Sink = (*WriterSink)(nil)

// NewWriter returns a synchronous Writer that waits for all in-sync replicas
// and hashes message keys onto partitions.
func NewWriter(brokers []string, topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewWriterSink constructs a WriterSink. When the writer has a Topic it wins
// over cfg, because kafka-go rejects messages that name a topic in that case.
func NewWriterSink(writer *kafkago.Writer, cfg Config) *WriterSink {
	if writer == nil {
		panic("outbox kafka: nil writer")
	}

	return &WriterSink{writer: writer, cfg: cfg}
}

// Publish implements relay.Sink.
func (s *WriterSink) Publish(ctx context.Context, record relay.Record) error {
	if err := s.writer.WriteMessages(ctx, s.message(record)); err != nil {
		return classifyWriterError(err)
	}

	return nil
}

// Close closes the underlying writer.
func (s *WriterSink) Close() error {
	return s.writer.Close()
}

func (s *WriterSink) message(record relay.Record) kafkago.Message {
	msg := kafkago.Message{
		Key:   []byte(record.PartitionKey),
		Value: record.Payload,
	}
	if s.writer.Topic == "" {
		msg.Topic = s.cfg.topic(record)
	}
	for _, h := range recordHeaders(record) {
		msg.Headers = append(msg.Headers, kafkago.Header{Key: h.key, Value: h.value})
	}

	return msg
}

func classifyWriterError(err error) error {
	var writeErrs kafkago.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil {
				err = e
				break
			}
		}
	}

	var tooLarge kafkago.MessageTooLargeError
	if errors.As(err, &tooLarge) {
		return relay.Permanent(err)
	}

	var kerr kafkago.Error
	if errors.As(err, &kerr) && isPermanentCode(kerr) {
		return relay.Permanent(err)
	}

	return relay.Transient(err)
}

func isPermanentCode(code kafkago.Error) bool {
	switch code {
	case kafkago.MessageSizeTooLarge,
		kafkago.RecordListTooLarge,
		kafkago.InvalidTopic,
		kafkago.TopicAuthorizationFailed,
		kafkago.InvalidMessage:
		return true
	default:
		return false
	}
}
