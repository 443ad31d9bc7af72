package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"

	"github.com/velmie/relay"
)

// SaramaSink publishes records through a sarama SyncProducer.
type SaramaSink struct {
	producer sarama.SyncProducer
	cfg      Config
}

var _ relay.Sink = (*SaramaSink)(nil)

// NewSaramaConfig returns a producer config suitable for SaramaSink: the
// producer waits for all replicas, reports successes and speaks a protocol
// version that supports headers.
func NewSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	return cfg
}

// NewSaramaSink constructs a SaramaSink. cfg.Topic or cfg.TopicFor must name a topic.
func NewSaramaSink(producer sarama.SyncProducer, cfg Config) *SaramaSink {
	if producer == nil {
		panic("outbox kafka: nil producer")
	}

	return &SaramaSink{producer: producer, cfg: cfg}
}

// Publish implements relay.Sink.
func (s *SaramaSink) Publish(ctx context.Context, record relay.Record) error {
	if err := ctx.Err(); err != nil {
		return relay.Transient(err)
	}

	if _, _, err := s.producer.SendMessage(s.message(record)); err != nil {
		return classifySaramaError(err)
	}

	return nil
}

// Close closes the underlying producer.
func (s *SaramaSink) Close() error {
	return s.producer.Close()
}

func (s *SaramaSink) message(record relay.Record) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{
		Topic: s.cfg.topic(record),
		Key:   sarama.StringEncoder(record.PartitionKey),
		Value: sarama.ByteEncoder(record.Payload),
	}
	for _, h := range recordHeaders(record) {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(h.key), Value: h.value})
	}

	return msg
}

func classifySaramaError(err error) error {
	var pErr *sarama.ProducerError
	if errors.As(err, &pErr) {
		err = pErr.Err
	}

	var kerr sarama.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrMessageSizeTooLarge,
			sarama.ErrInvalidMessage,
			sarama.ErrInvalidTopic,
			sarama.ErrTopicAuthorizationFailed:
			return relay.Permanent(err)
		}
	}

	var cfgErr sarama.ConfigurationError
	if errors.As(err, &cfgErr) {
		return relay.Permanent(err)
	}

	return relay.Transient(err)
}
