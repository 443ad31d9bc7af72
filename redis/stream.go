package redis

import (
	"context"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/velmie/relay"
)

const (
	defaultStream = "outbox"
	headerPrefix  = "h:"
)

// StreamConfig controls how records are appended to Redis Streams.
type StreamConfig struct {
	// Stream is the stream key used when StreamFor is nil.
	Stream string
	// StreamFor picks the stream key per record, e.g. per partition.
	StreamFor func(relay.Record) string
	// MaxLen trims the stream approximately to this length when positive.
	MaxLen int64
}

// StreamSink publishes records with XADD. A record maps to one stream entry
// with id, partition, sequence and payload fields, plus one h:<name> field per
// header.
type StreamSink struct {
	client goredis.UniversalClient
	cfg    StreamConfig
}

var _ relay.Sink = (*StreamSink)(nil)

// NewStreamSink constructs a StreamSink.
func NewStreamSink(client goredis.UniversalClient, cfg StreamConfig) *StreamSink {
	if client == nil {
		panic("outbox redis: nil client")
	}
	if cfg.Stream == "" {
		cfg.Stream = defaultStream
	}

	return &StreamSink{client: client, cfg: cfg}
}

// Publish implements relay.Sink.
func (s *StreamSink) Publish(ctx context.Context, record relay.Record) error {
	args := &goredis.XAddArgs{
		Stream: s.stream(record),
		Values: streamValues(record),
	}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return classifyStreamError(err)
	}

	return nil
}

func (s *StreamSink) stream(record relay.Record) string {
	if s.cfg.StreamFor != nil {
		if name := s.cfg.StreamFor(record); name != "" {
			return name
		}
	}

	return s.cfg.Stream
}

func streamValues(record relay.Record) map[string]any {
	values := make(map[string]any, len(record.Headers)+4)
	values["id"] = record.ID.String()
	values["partition"] = record.PartitionKey
	values["sequence"] = strconv.FormatInt(record.Sequence, 10)
	values["payload"] = record.Payload
	for name, value := range record.Headers {
		values[headerPrefix+name] = value
	}

	return values
}

func classifyStreamError(err error) error {
	if goredis.HasErrorPrefix(err, "WRONGTYPE") {
		return relay.Permanent(err)
	}
	return relay.Transient(err)
}
