package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	skafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []skafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...skafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaProducer_Publish(t *testing.T) {
	t.Run("writes JSON value under key", func(t *testing.T) {
		w := &fakeWriter{}
		p := NewKafkaProducerWithWriter(w)

		err := p.Publish(context.Background(), "payout:7", map[string]string{"type": "ledger.applied"})
		require.NoError(t, err)
		require.Len(t, w.msgs, 1)
		assert.Equal(t, "payout:7", string(w.msgs[0].Key))

		var body map[string]string
		require.NoError(t, json.Unmarshal(w.msgs[0].Value, &body))
		assert.Equal(t, "ledger.applied", body["type"])
	})

	t.Run("returns writer error", func(t *testing.T) {
		w := &fakeWriter{err: errors.New("broker down")}
		p := NewKafkaProducerWithWriter(w)

		err := p.Publish(context.Background(), "k", "v")
		assert.EqualError(t, err, "broker down")
	})

	t.Run("unmarshalable value", func(t *testing.T) {
		w := &fakeWriter{}
		p := NewKafkaProducerWithWriter(w)

		err := p.Publish(context.Background(), "k", make(chan int))
		assert.Error(t, err)
		assert.Empty(t, w.msgs)
	})

	t.Run("close closes writer", func(t *testing.T) {
		w := &fakeWriter{}
		require.NoError(t, NewKafkaProducerWithWriter(w).Close())
		assert.True(t, w.closed)
	})
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), "k", "v"))
	assert.NoError(t, p.Close())
}
