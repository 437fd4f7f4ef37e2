package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/db"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/events"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/messaging"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/models"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/orders"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/payment"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/publisher"
)

// memoryBus queues published messages and delivers them on drain, the way
// the broker would deliver them to the bound queues.
type memoryBus struct {
	mu       sync.Mutex
	pending  []messaging.Message
	handlers map[string]messaging.Handler
	seen     []string
}

func newMemoryBus() *memoryBus {
	return &memoryBus{handlers: make(map[string]messaging.Handler)}
}

func (b *memoryBus) Publish(_ context.Context, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, messaging.Message{RoutingKey: routingKey, Body: body})
	b.seen = append(b.seen, routingKey)
	return nil
}

func (b *memoryBus) bind(key events.RoutingKey, h messaging.Handler) {
	b.handlers[string(key)] = h
}

func (b *memoryBus) drain(t *testing.T) []messaging.Message {
	t.Helper()
	var delivered []messaging.Message
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return delivered
		}
		msg := b.pending[0]
		b.pending = b.pending[1:]
		b.mu.Unlock()

		delivered = append(delivered, msg)
		if h, ok := b.handlers[msg.RoutingKey]; ok {
			require.NoError(t, h(context.Background(), msg))
		}
	}
}

type saga struct {
	bus    *memoryBus
	orders *orders.Service
	status *StatusConsumer
}

func newSaga(approve bool) saga {
	log := zap.NewNop()
	bus := newMemoryBus()

	svc := orders.NewService(db.NewMemoryOrderRepository(), publisher.NewOrderPublisher(bus), log)
	status := NewStatusConsumer(svc, log)

	roll := 0.99
	if approve {
		roll = 0.01
	}
	decider := payment.NewRandomDecider(payment.DefaultSuccessRate, 0, payment.WithRoll(func() float64 { return roll }))
	processor := payment.NewProcessor(decider, publisher.NewPaymentPublisher(bus), log)

	bus.bind(events.OrderCreatedKey, processor.Handle)
	bus.bind(events.OrderStatusUpdatedKey, status.Handle)
	return saga{bus: bus, orders: svc, status: status}
}

func createOrder(t *testing.T, s saga) int64 {
	t.Helper()
	resp, err := s.orders.CreateOrder(context.Background(), models.CreateOrderRequest{
		UserID:       1,
		RestaurantID: 2,
		Items:        json.RawMessage(`[{"item_id":9,"quantity":3}]`),
		TotalAmount:  42.5,
	})
	require.NoError(t, err)
	return resp.OrderID
}

func TestSaga_PaymentApprovedConfirmsOrder(t *testing.T) {
	s := newSaga(true)
	id := createOrder(t, s)

	pending, err := s.orders.GetOrder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, pending.Status)

	delivered := s.bus.drain(t)

	got, err := s.orders.GetOrder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Equal(t, models.PaymentCompleted, got.PaymentStatus)
	assert.Equal(t, []string{"order.created", "payment.completed", "order.status_updated"}, s.bus.seen)

	// Replaying the status event changes nothing.
	updatedAt := got.UpdatedAt
	last := delivered[len(delivered)-1]
	require.NoError(t, s.status.Handle(context.Background(), last))

	again, err := s.orders.GetOrder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, again.Status)
	assert.Equal(t, updatedAt, again.UpdatedAt)
}

func TestSaga_PaymentDeclinedCancelsOrder(t *testing.T) {
	s := newSaga(false)
	id := createOrder(t, s)
	s.bus.drain(t)

	got, err := s.orders.GetOrder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, models.PaymentFailed, got.PaymentStatus)
	assert.Equal(t, []string{"order.created", "payment.failed", "order.status_updated"}, s.bus.seen)
}

func TestSaga_RedeliveredOrderCannotOverturnPayment(t *testing.T) {
	s := newSaga(true)
	id := createOrder(t, s)
	delivered := s.bus.drain(t)
	require.Equal(t, "order.created", delivered[0].RoutingKey)

	// A second payment processor without the first one's records declines
	// the same order.created.
	decline := payment.NewRandomDecider(payment.DefaultSuccessRate, 0, payment.WithRoll(func() float64 { return 0.99 }))
	other := payment.NewProcessor(decline, publisher.NewPaymentPublisher(s.bus), zap.NewNop())
	redelivered := delivered[0]
	redelivered.Redelivered = true
	require.NoError(t, other.Handle(context.Background(), redelivered))
	s.bus.drain(t)

	got, err := s.orders.GetOrder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Equal(t, models.PaymentCompleted, got.PaymentStatus)
}

func TestSaga_RedeliveredOrderReplaysOutcome(t *testing.T) {
	s := newSaga(true)
	createOrder(t, s)
	delivered := s.bus.drain(t)

	s.bus.mu.Lock()
	s.bus.pending = append(s.bus.pending, delivered[0])
	s.bus.mu.Unlock()
	s.bus.drain(t)

	assert.Equal(t, []string{
		"order.created", "payment.completed", "order.status_updated",
		"payment.completed", "order.status_updated",
	}, s.bus.seen)
}

func TestStatusConsumer_UnknownOrderIsAcked(t *testing.T) {
	s := newSaga(true)
	body, err := events.Encode(events.OrderStatusUpdated{
		Meta:      events.NewMeta(time.Now()),
		OrderID:   404,
		NewStatus: models.StatusConfirmed,
	})
	require.NoError(t, err)

	assert.NoError(t, s.status.Handle(context.Background(), messaging.Message{Body: body}))
}

func TestStatusConsumer_MalformedIsDeadLettered(t *testing.T) {
	s := newSaga(true)

	tests := map[string]string{
		"garbage":        `not json`,
		"unknown status": `{"order_id":1,"new_status":"SHIPPED"}`,
		"no order":       `{"new_status":"CONFIRMED"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			err := s.status.Handle(context.Background(), messaging.Message{Body: []byte(body)})
			assert.ErrorIs(t, err, messaging.ErrDeadLetter)
		})
	}
}

type brokenStore struct{}

func (brokenStore) ApplyStatusUpdate(context.Context, int64, models.OrderStatus) (db.StatusChange, error) {
	return db.StatusChange{}, orders.ErrPersistence
}

func TestStatusConsumer_StoreFailureRequeues(t *testing.T) {
	c := NewStatusConsumer(brokenStore{}, zap.NewNop())
	body, err := events.Encode(events.OrderStatusUpdated{
		Meta:      events.NewMeta(time.Now()),
		OrderID:   1,
		NewStatus: models.StatusConfirmed,
	})
	require.NoError(t, err)

	err = c.Handle(context.Background(), messaging.Message{Body: body})
	require.Error(t, err)
	assert.True(t, errors.Is(err, orders.ErrPersistence))
	assert.False(t, errors.Is(err, messaging.ErrDeadLetter))
}
