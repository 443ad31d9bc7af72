package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/velmie/relay"
)

func testRecord(t *testing.T) relay.Record {
	t.Helper()

	id, err := relay.NewID()
	require.NoError(t, err)

	return relay.Record{
		ID:           id,
		PartitionKey: "orders-42",
		Sequence:     7,
		Payload:      []byte(`{"total":10}`),
		Headers:      map[string]string{"type": "order.created", "content-type": "application/json"},
	}
}

func TestRecordHeadersOrder(t *testing.T) {
	record := testRecord(t)

	headers := recordHeaders(record)
	require.Len(t, headers, 4)
	require.Equal(t, "content-type", headers[0].key)
	require.Equal(t, "type", headers[1].key)
	require.Equal(t, HeaderRecordID, headers[2].key)
	require.Equal(t, record.ID.String(), string(headers[2].value))
	require.Equal(t, HeaderSequence, headers[3].key)
	require.Equal(t, "7", string(headers[3].value))
}

func TestWriterSinkMessage(t *testing.T) {
	record := testRecord(t)

	sink := NewWriterSink(&kafkago.Writer{}, Config{
		Topic:    "fallback",
		TopicFor: func(r relay.Record) string { return "orders" },
	})
	msg := sink.message(record)
	require.Equal(t, "orders", msg.Topic)
	require.Equal(t, []byte("orders-42"), msg.Key)
	require.Equal(t, record.Payload, msg.Value)
	require.Len(t, msg.Headers, 4)

	pinned := NewWriterSink(NewWriter([]string{"localhost:9092"}, "pinned"), Config{Topic: "ignored"})
	require.Empty(t, pinned.message(record).Topic)
}

func TestClassifyWriterError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want relay.ErrorKind
	}{
		{name: "too large", err: kafkago.MessageTooLargeError{}, want: relay.KindPermanent},
		{name: "size code", err: kafkago.MessageSizeTooLarge, want: relay.KindPermanent},
		{name: "invalid topic in write errors", err: kafkago.WriteErrors{kafkago.InvalidTopic}, want: relay.KindPermanent},
		{name: "leader unavailable", err: kafkago.LeaderNotAvailable, want: relay.KindTransient},
		{name: "timeout", err: context.DeadlineExceeded, want: relay.KindTransient},
		{name: "unknown", err: errors.New("dial tcp: refused"), want: relay.KindTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyWriterError(tc.err)
			require.Equal(t, tc.want, relay.ClassifyError(context.Background(), relay.Record{}, err))
		})
	}
}

func TestSaramaSinkPublish(t *testing.T) {
	record := testRecord(t)
	producer := mocks.NewSyncProducer(t, NewSaramaConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "orders" {
			return fmt.Errorf("unexpected topic %q", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != record.PartitionKey {
			return fmt.Errorf("unexpected key %q", key)
		}
		if len(msg.Headers) != 4 {
			return fmt.Errorf("unexpected headers %d", len(msg.Headers))
		}

		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrMessageSizeTooLarge)
	producer.ExpectSendMessageAndFail(sarama.ErrNotEnoughReplicas)

	sink := NewSaramaSink(producer, Config{Topic: "orders"})
	ctx := context.Background()

	require.NoError(t, sink.Publish(ctx, record))

	err := sink.Publish(ctx, record)
	require.Error(t, err)
	require.Equal(t, relay.KindPermanent, relay.ClassifyError(ctx, record, err))

	err = sink.Publish(ctx, record)
	require.Error(t, err)
	require.Equal(t, relay.KindTransient, relay.ClassifyError(ctx, record, err))

	require.NoError(t, sink.Close())
}

func TestSaramaSinkCanceledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewSaramaConfig())
	sink := NewSaramaSink(producer, Config{Topic: "orders"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sink.Publish(ctx, testRecord(t))
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, sink.Close())
}

func TestClassifySaramaError(t *testing.T) {
	ctx := context.Background()

	err := classifySaramaError(&sarama.ProducerError{Err: sarama.ErrInvalidTopic})
	require.Equal(t, relay.KindPermanent, relay.ClassifyError(ctx, relay.Record{}, err))

	err = classifySaramaError(sarama.ConfigurationError("bad"))
	require.Equal(t, relay.KindPermanent, relay.ClassifyError(ctx, relay.Record{}, err))

	err = classifySaramaError(sarama.ErrOutOfBrokers)
	require.Equal(t, relay.KindTransient, relay.ClassifyError(ctx, relay.Record{}, err))
}
