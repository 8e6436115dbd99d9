package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	sent   []published
	err    error
	closed bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func testPublisher(ch channel) *Publisher {
	return newPublisher(ch, PublisherConfig{
		Exchange:   "iot-receiver.events.exchange",
		RoutingKey: "reading.stored",
		DLQQueue:   "iot-receiver.readings.dlq",
		Logger:     zap.NewNop(),
	})
}

func TestPublishReading(t *testing.T) {
	ch := &fakeChannel{}
	p := testPublisher(ch)

	event := ReadingEvent{
		Topic:       "Colombia/Cundinamarca/Bogota/dev-01/alice",
		DeviceID:    "d1",
		ClientID:    "dev-01",
		Measurement: "temperature",
		Value:       23.5,
		UnixTime:    1767022245123,
		BaseTime:    "2025-12-29T10:30:45-05:00",
	}
	require.NoError(t, p.PublishReading(context.Background(), event))
	require.Len(t, ch.sent, 1)

	sent := ch.sent[0]
	assert.Equal(t, "iot-receiver.events.exchange", sent.exchange)
	assert.Equal(t, "reading.stored", sent.key)
	assert.Equal(t, "application/json", sent.msg.ContentType)
	assert.Equal(t, amqp.Persistent, sent.msg.DeliveryMode)

	var got ReadingEvent
	require.NoError(t, json.Unmarshal(sent.msg.Body, &got))
	assert.Equal(t, event, got)
}

func TestPublishDeadLetter_DefaultExchange(t *testing.T) {
	ch := &fakeChannel{}
	p := testPublisher(ch)

	letter := DeadLetter{
		Topic:    "Colombia/Cundinamarca/Bogota/dev-01/alice",
		Payload:  json.RawMessage(`{"humidity":60}`),
		Attempt:  1,
		Reason:   "store error: insert reading: timeout",
		FailedAt: time.Date(2025, 12, 29, 15, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.PublishDeadLetter(context.Background(), letter))
	require.Len(t, ch.sent, 1)

	assert.Equal(t, "", ch.sent[0].exchange)
	assert.Equal(t, "iot-receiver.readings.dlq", ch.sent[0].key)

	var got DeadLetter
	require.NoError(t, json.Unmarshal(ch.sent[0].msg.Body, &got))
	assert.Equal(t, letter.Topic, got.Topic)
	assert.JSONEq(t, `{"humidity":60}`, string(got.Payload))
	assert.True(t, letter.FailedAt.Equal(got.FailedAt))
}

func TestPublish_ChannelError(t *testing.T) {
	p := testPublisher(&fakeChannel{err: errors.New("channel/connection is not open")})

	err := p.PublishReading(context.Background(), ReadingEvent{})
	assert.ErrorContains(t, err, "failed to publish event")

	err = p.PublishDeadLetter(context.Background(), DeadLetter{Payload: json.RawMessage(`{}`)})
	assert.ErrorContains(t, err, "failed to publish dead letter")
}

func TestPublisher_Close(t *testing.T) {
	ch := &fakeChannel{}
	require.NoError(t, testPublisher(ch).Close())
	assert.True(t, ch.closed)
}
