package publisher

import (
	"context"
	"time"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/events"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/models"
)

// PaymentPublisher emits the payment outcome events and the status
// transition that follows each of them.
type PaymentPublisher struct {
	base
}

func NewPaymentPublisher(broker Broker) *PaymentPublisher {
	return &PaymentPublisher{base{broker: broker, now: time.Now}}
}

func (p *PaymentPublisher) PublishCompleted(ctx context.Context, orderID int64, paymentID string, amount float64, method string) error {
	return p.publish(ctx, events.PaymentCompleted{
		Meta:          p.meta(),
		OrderID:       orderID,
		PaymentID:     paymentID,
		Status:        models.PaymentCompleted,
		Amount:        amount,
		PaymentMethod: method,
	})
}

func (p *PaymentPublisher) PublishFailed(ctx context.Context, orderID int64, reason string) error {
	return p.publish(ctx, events.PaymentFailed{
		Meta:    p.meta(),
		OrderID: orderID,
		Status:  models.PaymentFailed,
		Reason:  reason,
	})
}

func (p *PaymentPublisher) PublishStatusUpdated(ctx context.Context, orderID int64, status models.OrderStatus, reason string) error {
	return p.publish(ctx, events.OrderStatusUpdated{
		Meta:      p.meta(),
		OrderID:   orderID,
		NewStatus: status,
		Reason:    reason,
	})
}
