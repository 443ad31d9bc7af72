package kafka

import (
	"sort"
	"strconv"

	"github.com/velmie/relay"
)

const (
	// HeaderRecordID carries the outbox record id so consumers can deduplicate.
	HeaderRecordID = "outbox-id"
	// HeaderSequence carries the record sequence within its partition.
	HeaderSequence = "outbox-sequence"
)

// Config selects the destination topic.
type Config struct {
	// Topic is used when TopicFor is nil or returns an empty name.
	Topic string
	// TopicFor picks the topic per record.
	TopicFor func(relay.Record) string
}

func (c Config) topic(record relay.Record) string {
	if c.TopicFor != nil {
		if name := c.TopicFor(record); name != "" {
			return name
		}
	}

	return c.Topic
}

type header struct {
	key   string
	value []byte
}

// recordHeaders returns the record headers followed by the id and sequence
// headers. User headers are sorted by name.
func recordHeaders(record relay.Record) []header {
	names := make([]string, 0, len(record.Headers))
	for name := range record.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]header, 0, len(names)+2)
	for _, name := range names {
		out = append(out, header{key: name, value: []byte(record.Headers[name])})
	}
	out = append(out,
		header{key: HeaderRecordID, value: []byte(record.ID.String())},
		header{key: HeaderSequence, value: []byte(strconv.FormatInt(record.Sequence, 10))},
	)

	return out
}
