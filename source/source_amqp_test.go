package source

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/hog-ingestor/record"
)

type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked map[uint64]bool
	err    error
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return a.err
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nacked == nil {
		a.nacked = make(map[uint64]bool)
	}
	a.nacked[tag] = requeue
	return a.err
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeChannel struct {
	deliveries chan amqp091.Delivery

	qosCount   int
	declared   []string
	durable    bool
	consumeTag string
	autoAck    bool
	closed     bool

	qosErr     error
	consumeErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp091.Delivery, 16)}
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.qosCount = prefetchCount
	return c.qosErr
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	c.declared = append(c.declared, name)
	c.durable = durable
	return amqp091.Queue{Name: name}, nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error) {
	c.consumeTag = consumer
	c.autoAck = autoAck
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	return c.deliveries, nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func testAMQPConfig() SourceAMQPConfig {
	cfg := DefaultSourceAMQPConfig
	cfg.ConsumerTag = "hog_worker_batch_test"
	return cfg
}

func TestNewAMQP_SetsQosDeclaresAndConsumes(t *testing.T) {
	ch := newFakeChannel()
	src, err := NewAMQP(ch, testAMQPConfig())
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, 1000, ch.qosCount)
	assert.Equal(t, []string{"hog_queue"}, ch.declared)
	assert.True(t, ch.durable)
	assert.Equal(t, "hog_worker_batch_test", ch.consumeTag)
	assert.False(t, ch.autoAck, "manual acks are required")
}

func TestNewAMQP_Validation(t *testing.T) {
	cfg := testAMQPConfig()
	cfg.Prefetch = 0
	_, err := NewAMQP(newFakeChannel(), cfg)
	assert.Error(t, err)

	cfg = testAMQPConfig()
	cfg.ConsumerTag = ""
	_, err = NewAMQP(newFakeChannel(), cfg)
	assert.Error(t, err)

	ch := newFakeChannel()
	ch.qosErr = errors.New("no qos")
	_, err = NewAMQP(ch, testAMQPConfig())
	assert.Error(t, err)

	ch = newFakeChannel()
	ch.consumeErr = errors.New("no queue")
	_, err = NewAMQP(ch, testAMQPConfig())
	assert.Error(t, err)
}

func TestSourceAMQP_ForwardsAndResolvesDeliveries(t *testing.T) {
	ch := newFakeChannel()
	acker := &fakeAcknowledger{}
	src, err := NewAMQP(ch, testAMQPConfig())
	require.NoError(t, err)
	defer src.Close()

	ch.deliveries <- amqp091.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("one")}
	ch.deliveries <- amqp091.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte("two")}

	d1 := receive(t, src)
	d2 := receive(t, src)
	assert.Equal(t, "one", string(d1.Body()))
	assert.Equal(t, "two", string(d2.Body()))

	require.NoError(t, d1.Ack(context.Background()))
	require.NoError(t, d2.Nack(context.Background(), false))

	acker.mu.Lock()
	defer acker.mu.Unlock()
	assert.Equal(t, []uint64{1}, acker.acked)
	requeue, ok := acker.nacked[2]
	assert.True(t, ok)
	assert.False(t, requeue)
}

func TestSourceAMQP_UpstreamCloseEndsDeliveries(t *testing.T) {
	ch := newFakeChannel()
	src, err := NewAMQP(ch, testAMQPConfig())
	require.NoError(t, err)

	close(ch.deliveries)

	select {
	case _, ok := <-src.Deliveries():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("deliveries channel not closed")
	}
}

func TestSourceAMQP_CloseIsIdempotent(t *testing.T) {
	ch := newFakeChannel()
	src, err := NewAMQP(ch, testAMQPConfig())
	require.NoError(t, err)

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.True(t, ch.closed)

	select {
	case _, ok := <-src.Deliveries():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("deliveries channel not closed")
	}
}

type fakePublishChannel struct {
	exchange string
	key      string
	msg      amqp091.Publishing
	err      error
}

func (c *fakePublishChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	c.exchange, c.key, c.msg = exchange, key, msg
	return c.err
}

func TestPublisherAMQP_PublishesPersistentJSON(t *testing.T) {
	ch := &fakePublishChannel{}
	p := NewPublisherAMQP(ch, "hog_queue")

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h := record.NewHog(record.Entry{LogMessage: "hello", LogTimestamp: now}, now)
	require.NoError(t, p.Publish(context.Background(), h))

	assert.Equal(t, "", ch.exchange)
	assert.Equal(t, "hog_queue", ch.key)
	assert.Equal(t, amqp091.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, h.HogUUID, ch.msg.MessageId)

	var back record.Hog
	require.NoError(t, json.Unmarshal(ch.msg.Body, &back))
	assert.Equal(t, h.HogUUID, back.HogUUID)
	assert.Equal(t, "hello", back.LogMessage)
}

func TestPublisherAMQP_WrapsError(t *testing.T) {
	sentinel := errors.New("blocked")
	p := NewPublisherAMQP(&fakePublishChannel{err: sentinel}, "hog_queue")
	err := p.Publish(context.Background(), record.Hog{HogUUID: "x"})
	assert.ErrorIs(t, err, sentinel)
}
