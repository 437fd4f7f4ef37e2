package publisher

import (
	"context"
	"time"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/events"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/models"
)

// OrderPublisher emits the events owned by the order service.
type OrderPublisher struct {
	base
}

func NewOrderPublisher(broker Broker) *OrderPublisher {
	return &OrderPublisher{base{broker: broker, now: time.Now}}
}

// PublishOrderCreated publishes an order.created event
func (p *OrderPublisher) PublishOrderCreated(ctx context.Context, order *models.Order) error {
	return p.publish(ctx, events.OrderCreated{
		Meta:          p.meta(),
		OrderID:       order.ID,
		UserID:        order.UserID,
		RestaurantID:  order.RestaurantID,
		TotalAmount:   order.TotalAmount,
		PaymentMethod: order.PaymentMethod,
	})
}

// PublishStatusUpdated announces an operational status change.
func (p *OrderPublisher) PublishStatusUpdated(ctx context.Context, orderID int64, oldStatus, newStatus models.OrderStatus) error {
	return p.publish(ctx, events.OrderStatusUpdated{
		Meta:      p.meta(),
		OrderID:   orderID,
		NewStatus: newStatus,
		OldStatus: oldStatus,
	})
}
