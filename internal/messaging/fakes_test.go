package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errUnreachable = errors.New("broker unreachable")

// fakeBroker hands out fake connections and fails the first failDials dials.
type fakeBroker struct {
	mu         sync.Mutex
	failDials  int
	dials      int
	published  []amqp.Publishing
	keys       []string
	exchanges  []string
	queues     map[string]amqp.Table
	bindings   []string
	publishErr error
	deliveries chan amqp.Delivery
	consumes   int
	qos        int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:     make(map[string]amqp.Table),
		deliveries: make(chan amqp.Delivery, 16),
	}
}

func (b *fakeBroker) dial(string) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dials <= b.failDials {
		return nil, errUnreachable
	}
	return &fakeConn{broker: b}, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

type fakeConn struct {
	broker *fakeBroker
	closed bool
}

func (c *fakeConn) Channel() (Channel, error) {
	return &fakeChannel{broker: c.broker}, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeChannel struct {
	broker *fakeBroker
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.exchanges = append(c.broker.exchanges, name+":"+kind)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.bindings = append(c.broker.bindings, name+"<-"+exchange+"/"+key)
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.qos = prefetchCount
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.broker.publishErr != nil {
		return c.broker.publishErr
	}
	c.broker.published = append(c.broker.published, msg)
	c.broker.keys = append(c.broker.keys, key)
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.consumes++
	return c.broker.deliveries, nil
}

func (b *fakeBroker) consumeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumes
}

func (c *fakeChannel) Close() error { return nil }

// recordingSleeper never blocks.
type recordingSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
	return ctx.Err()
}

func (s *recordingSleeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slept)
}

type ackOutcome struct {
	tag     uint64
	acked   bool
	requeue bool
}

// fakeAcknowledger records how each delivery was settled.
type fakeAcknowledger struct {
	mu       sync.Mutex
	outcomes []ackOutcome
	settled  chan struct{}
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{settled: make(chan struct{}, 16)}
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.record(ackOutcome{tag: tag, acked: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.record(ackOutcome{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.record(ackOutcome{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) record(o ackOutcome) {
	a.mu.Lock()
	a.outcomes = append(a.outcomes, o)
	a.mu.Unlock()
	a.settled <- struct{}{}
}

func (a *fakeAcknowledger) all() []ackOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ackOutcome(nil), a.outcomes...)
}
