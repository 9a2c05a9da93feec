package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysByEntity(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}
	e := New(RideCompleted, "ride-1", "COMPLETED", "p1", "d1")

	require.NoError(t, sink.Publish(context.Background(), e))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ride-1", string(w.msgs[0].Key))

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, RideCompleted, decoded.Type)
	assert.Equal(t, []string{"p1", "d1"}, decoded.Recipients)
}

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestAMQPSinkRoutesByType(t *testing.T) {
	ch := &fakeChannel{}
	sink := &AMQPSink{ch: ch, exchange: "ride.events"}
	e := New(PaymentProcessed, "ride-9", "COMPLETED")

	require.NoError(t, sink.Publish(context.Background(), e))
	assert.Equal(t, "ride.events", ch.exchange)
	assert.Equal(t, "payment.processed", ch.key)
	assert.Equal(t, e.ID, ch.msg.MessageId)
	assert.Equal(t, uint8(amqp.Persistent), ch.msg.DeliveryMode)
}

type failing struct{}

func (failing) Publish(context.Context, Event) error { return errors.New("broker down") }

func TestMultiJoinsErrorsAndKeepsGoing(t *testing.T) {
	rec := NewRecorder(4)
	m := Multi{failing{}, rec}
	err := m.Publish(context.Background(), New(BidAccepted, "b1", "ACCEPTED"))
	assert.Error(t, err)
	assert.Len(t, rec.Drain(), 1)
}

func TestEmitterSwallowsFailures(t *testing.T) {
	rec := NewRecorder(4)
	em := NewEmitter(Multi{failing{}, rec}, zap.NewNop(), 0)
	em.Emit(context.Background(), New(RideStarted, "r1", "ONGOING"), New(RideCompleted, "r1", "COMPLETED"))
	got := rec.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, RideStarted, got[0].Type)
}

func TestEventWithCopiesData(t *testing.T) {
	base := New(PaymentProcessed, "r1", "COMPLETED").With("amount", "10.00")
	derived := base.With("waived", true)
	assert.Len(t, base.Data, 1)
	assert.Len(t, derived.Data, 2)
}
