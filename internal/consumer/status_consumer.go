package consumer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/db"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/events"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/messaging"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/models"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/orders"
)

// StatusApplier is implemented by *orders.Service.
type StatusApplier interface {
	ApplyStatusUpdate(ctx context.Context, id int64, status models.OrderStatus) (db.StatusChange, error)
}

// StatusConsumer applies order.status_updated events to the order store.
type StatusConsumer struct {
	orders StatusApplier
	logger *zap.Logger
}

func NewStatusConsumer(orders StatusApplier, logger *zap.Logger) *StatusConsumer {
	return &StatusConsumer{orders: orders, logger: logger}
}

// Handle is a messaging.Handler. Unknown orders and updates that would
// overturn a recorded payment outcome are acknowledged and dropped; store
// failures requeue the message.
func (c *StatusConsumer) Handle(ctx context.Context, msg messaging.Message) error {
	event, err := events.DecodeOrderStatusUpdated(msg.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", messaging.ErrDeadLetter, err)
	}

	log := c.logger.With(
		zap.Int64("order_id", event.OrderID),
		zap.String("event_id", event.EventID),
		zap.String("new_status", string(event.NewStatus)),
	)

	change, err := c.orders.ApplyStatusUpdate(ctx, event.OrderID, event.NewStatus)
	switch {
	case err == nil:
	case errors.Is(err, orders.ErrOrderNotFound):
		log.Warn("status update for unknown order dropped")
		return nil
	case errors.Is(err, models.ErrPaymentSettled):
		log.Warn("status update ignored, payment outcome already recorded",
			zap.Bool("redelivered", msg.Redelivered),
			zap.Error(err),
		)
		return nil
	default:
		return fmt.Errorf("apply status to order %d: %w", event.OrderID, err)
	}

	if !change.Changed {
		log.Debug("status already applied", zap.Bool("redelivered", msg.Redelivered))
		return nil
	}
	log.Info("order status applied",
		zap.String("old_status", string(change.OldStatus)),
		zap.String("reason", event.Reason),
	)
	return nil
}
