// Package payment reacts to order.created by charging the order and
// reporting the outcome back to the order service.
package payment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/events"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/messaging"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/models"
)

// CancelReason is attached to the compensating status update.
const CancelReason = "Payment failed"

// EventPublisher is implemented by publisher.PaymentPublisher.
type EventPublisher interface {
	PublishCompleted(ctx context.Context, orderID int64, paymentID string, amount float64, method string) error
	PublishFailed(ctx context.Context, orderID int64, reason string) error
	PublishStatusUpdated(ctx context.Context, orderID int64, status models.OrderStatus, reason string) error
}

type Processor struct {
	decider  Decider
	events   EventPublisher
	outcomes OutcomeStore
	logger   *zap.Logger
	newID    func() string
}

type ProcessorOption func(*Processor)

// WithOutcomeStore replaces the default in-memory outcome store.
func WithOutcomeStore(s OutcomeStore) ProcessorOption {
	return func(p *Processor) { p.outcomes = s }
}

func NewProcessor(decider Decider, events EventPublisher, logger *zap.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		decider:  decider,
		events:   events,
		outcomes: NewMemoryOutcomes(DefaultOutcomeCapacity),
		logger:   logger,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle is a messaging.Handler for order.created. It returns nil only
// after both outcome events are published, so a failed publish requeues
// the order for another attempt. A redelivered order replays the outcome
// recorded the first time, payment id included.
func (p *Processor) Handle(ctx context.Context, msg messaging.Message) error {
	order, err := events.DecodeOrderCreated(msg.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", messaging.ErrDeadLetter, err)
	}

	log := p.logger.With(
		zap.Int64("order_id", order.OrderID),
		zap.String("event_id", order.EventID),
	)
	log.Info("processing payment",
		zap.Float64("amount", order.TotalAmount),
		zap.String("payment_method", order.PaymentMethod),
		zap.Bool("redelivered", msg.Redelivered),
	)

	outcome, err := p.outcome(ctx, log, order)
	if err != nil {
		return err
	}

	if outcome.Approved {
		return p.complete(ctx, log, order, outcome.PaymentID)
	}
	return p.fail(ctx, log, order, outcome.Reason)
}

func (p *Processor) outcome(ctx context.Context, log *zap.Logger, order events.OrderCreated) (Outcome, error) {
	recorded, ok, err := p.outcomes.Load(ctx, order.OrderID)
	if err != nil {
		log.Warn("failed to load recorded payment outcome", zap.Error(err))
	}
	if ok {
		log.Info("replaying recorded payment outcome", zap.Bool("approved", recorded.Approved))
		return recorded, nil
	}

	decision, err := p.decider.Decide(ctx, order)
	if err != nil {
		return Outcome{}, fmt.Errorf("decide payment for order %d: %w", order.OrderID, err)
	}

	outcome := Outcome{Approved: decision.Approved, Reason: decision.Reason}
	if outcome.Approved {
		outcome.PaymentID = fmt.Sprintf("PAY_%d_%s", order.OrderID, p.newID())
	} else if outcome.Reason == "" {
		outcome.Reason = DeclinedReason
	}

	if err := p.outcomes.Save(ctx, order.OrderID, outcome); err != nil {
		log.Warn("failed to record payment outcome", zap.Error(err))
	}
	return outcome, nil
}

func (p *Processor) complete(ctx context.Context, log *zap.Logger, order events.OrderCreated, paymentID string) error {
	method := order.PaymentMethod
	if method == "" {
		method = models.DefaultPaymentMethod
	}

	if err := p.events.PublishCompleted(ctx, order.OrderID, paymentID, order.TotalAmount, method); err != nil {
		return fmt.Errorf("publish payment.completed: %w", err)
	}
	if err := p.events.PublishStatusUpdated(ctx, order.OrderID, models.StatusConfirmed, ""); err != nil {
		return fmt.Errorf("publish order.status_updated: %w", err)
	}

	log.Info("payment completed", zap.String("payment_id", paymentID))
	return nil
}

func (p *Processor) fail(ctx context.Context, log *zap.Logger, order events.OrderCreated, reason string) error {
	if err := p.events.PublishFailed(ctx, order.OrderID, reason); err != nil {
		return fmt.Errorf("publish payment.failed: %w", err)
	}
	if err := p.events.PublishStatusUpdated(ctx, order.OrderID, models.StatusCancelled, CancelReason); err != nil {
		return fmt.Errorf("publish order.status_updated: %w", err)
	}

	log.Info("payment failed", zap.String("reason", reason))
	return nil
}
