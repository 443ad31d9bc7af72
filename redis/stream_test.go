package redis

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/velmie/relay"
)

func TestStreamValues(t *testing.T) {
	record := relay.Record{
		ID:           relay.ID{0x01},
		PartitionKey: "order-1",
		Sequence:     7,
		Payload:      []byte("payload"),
		Headers:      map[string]string{"type": "order.created"},
	}

	values := streamValues(record)
	require.Equal(t, record.ID.String(), values["id"])
	require.Equal(t, "order-1", values["partition"])
	require.Equal(t, "7", values["sequence"])
	require.Equal(t, []byte("payload"), values["payload"])
	require.Equal(t, "order.created", values["h:type"])
	require.Len(t, values, 5)
}

func TestStreamSinkPicksStream(t *testing.T) {
	sink := &StreamSink{cfg: StreamConfig{Stream: "outbox"}}
	require.Equal(t, "outbox", sink.stream(relay.Record{PartitionKey: "P1"}))

	sink.cfg.StreamFor = func(record relay.Record) string { return "outbox:" + record.PartitionKey }
	require.Equal(t, "outbox:P1", sink.stream(relay.Record{PartitionKey: "P1"}))
}

func TestClassifyStreamError(t *testing.T) {
	ctx := t.Context()

	wrongType := classifyStreamError(errors.New("WRONGTYPE Operation against a key holding the wrong kind of value"))
	require.Equal(t, relay.KindPermanent, relay.ClassifyError(ctx, relay.Record{}, wrongType))

	io := classifyStreamError(errors.New("i/o timeout"))
	require.Equal(t, relay.KindTransient, relay.ClassifyError(ctx, relay.Record{}, io))
}
