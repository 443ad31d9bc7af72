// Package pubsub provides a relay sink for Google Cloud Pub/Sub.
//
// Messages are published with message ordering enabled and the record
// partition key as ordering key, so subscribers with ordered delivery see a
// partition in sequence order.
package pubsub

import (
	"context"
	"errors"
	"strconv"
	"sync"

	gpubsub "cloud.google.com/go/pubsub"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/velmie/relay"
)

const (
	// AttributeRecordID carries the outbox record id.
	AttributeRecordID = "outbox-id"
	// AttributeSequence carries the record sequence within its partition.
	AttributeSequence = "outbox-sequence"
)

// ErrTopicRequired is returned when no topic name can be resolved for a record.
var ErrTopicRequired = errors.New("outbox pubsub: topic is required")

// Config selects the destination topic.
type Config struct {
	// Topic is used when TopicFor is nil or returns an empty name.
	Topic string
	// TopicFor picks the topic per record.
	TopicFor func(relay.Record) string
}

// Sink publishes records to Pub/Sub topics and waits for the server id.
type Sink struct {
	client *gpubsub.Client
	cfg    Config

	mu     sync.Mutex
	topics map[string]*gpubsub.Topic
}

var _ relay.Sink = (*Sink)(nil)

// NewSink constructs a Sink.
func NewSink(client *gpubsub.Client, cfg Config) *Sink {
	if client == nil {
		panic("outbox pubsub: nil client")
	}

	return &Sink{client: client, cfg: cfg, topics: make(map[string]*gpubsub.Topic)}
}

// Publish implements relay.Sink. A failed publish pauses the ordering key in
// the client, so the key is resumed before the error is returned and the next
// attempt can go through.
func (s *Sink) Publish(ctx context.Context, record relay.Record) error {
	name := s.topicName(record)
	if name == "" {
		return relay.Permanent(ErrTopicRequired)
	}

	topic := s.topic(name)
	msg := message(record)
	if _, err := topic.Publish(ctx, msg).Get(ctx); err != nil {
		topic.ResumePublish(msg.OrderingKey)

		return classifyError(err)
	}

	return nil
}

// Close flushes and stops every topic the sink opened.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, topic := range s.topics {
		topic.Stop()
		delete(s.topics, name)
	}
}

func (s *Sink) topicName(record relay.Record) string {
	if s.cfg.TopicFor != nil {
		if name := s.cfg.TopicFor(record); name != "" {
			return name
		}
	}

	return s.cfg.Topic
}

func (s *Sink) topic(name string) *gpubsub.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()

	if topic, ok := s.topics[name]; ok {
		return topic
	}
	topic := s.client.Topic(name)
	topic.EnableMessageOrdering = true
	s.topics[name] = topic

	return topic
}

func message(record relay.Record) *gpubsub.Message {
	attrs := make(map[string]string, len(record.Headers)+2)
	for name, value := range record.Headers {
		attrs[name] = value
	}
	attrs[AttributeRecordID] = record.ID.String()
	attrs[AttributeSequence] = strconv.FormatInt(record.Sequence, 10)

	return &gpubsub.Message{
		Data:        record.Payload,
		Attributes:  attrs,
		OrderingKey: record.PartitionKey,
	}
}

func classifyError(err error) error {
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied,
			codes.FailedPrecondition, codes.Unimplemented:
			return relay.Permanent(err)
		}
	}

	return relay.Transient(err)
}
