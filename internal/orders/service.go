// Package orders owns the order aggregate: it starts the payment saga and
// applies the status transitions that come back from it.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/db"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/models"
)

const createdMessage = "Order created successfully. Awaiting payment confirmation."

const (
	DefaultListLimit      = 10
	MaxListLimit          = 100
	DefaultRequestTimeout = 5 * time.Second

	// MaxPaymentMethodLen matches the orders.payment_method column.
	MaxPaymentMethodLen = 50
)

// Repository is implemented by db.OrderRepository, db.MemoryOrderRepository
// and db.CachedOrderRepository.
type Repository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id int64) (*models.Order, error)
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]models.Order, int, error)
	ApplyStatus(ctx context.Context, id int64, status models.OrderStatus, now time.Time) (db.StatusChange, error)
}

// EventPublisher is implemented by publisher.OrderPublisher.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, order *models.Order) error
	PublishStatusUpdated(ctx context.Context, orderID int64, oldStatus, newStatus models.OrderStatus) error
}

type Service struct {
	repo    Repository
	events  EventPublisher
	logger  *zap.Logger
	now     func() time.Time
	timeout time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRequestTimeout bounds the persistence step of CreateOrder.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewService(repo Repository, events EventPublisher, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		events:  events,
		logger:  logger,
		now:     time.Now,
		timeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder persists a PENDING order and publishes order.created. A
// publish failure after the commit is logged and the order stays PENDING.
func (s *Service) CreateOrder(ctx context.Context, req models.CreateOrderRequest) (models.CreateOrderResponse, error) {
	if err := validateCreate(req); err != nil {
		return models.CreateOrderResponse{}, err
	}

	order := models.NewPendingOrder(req, s.now().UTC())

	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.repo.Create(storeCtx, &order)
	cancel()
	if err != nil {
		return models.CreateOrderResponse{}, persistence("create order", err)
	}

	log := s.logger.With(zap.Int64("order_id", order.ID))
	log.Info("order created",
		zap.Int64("user_id", order.UserID),
		zap.Float64("total_amount", order.TotalAmount),
	)

	if err := s.events.PublishOrderCreated(ctx, &order); err != nil {
		log.Warn("order.created not published, order left PENDING", zap.Error(err))
	}

	return models.CreateOrderResponse{
		OrderID: order.ID,
		Status:  order.Status,
		Message: createdMessage,
	}, nil
}

func (s *Service) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	order, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
		}
		return nil, persistence("get order", err)
	}
	return order, nil
}

// ListUserOrders pages through a user's orders, newest first. limit <= 0
// means DefaultListLimit, limit is capped at MaxListLimit and a negative
// offset means 0.
func (s *Service) ListUserOrders(ctx context.Context, userID int64, limit, offset int) (models.OrderList, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	orders, total, err := s.repo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return models.OrderList{}, persistence("list orders", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return models.OrderList{Orders: orders, Total: total}, nil
}

// ApplyStatusUpdate is the saga-side mutation. It reports whether the order
// changed; replaying the same status is a no-op.
func (s *Service) ApplyStatusUpdate(ctx context.Context, id int64, status models.OrderStatus) (db.StatusChange, error) {
	if !status.Valid() {
		return db.StatusChange{}, invalid("status", fmt.Sprintf("unknown status %q", status))
	}

	change, err := s.repo.ApplyStatus(ctx, id, status, s.now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			return db.StatusChange{}, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
		case errors.Is(err, models.ErrPaymentSettled):
			return db.StatusChange{}, err
		}
		return db.StatusChange{}, persistence("apply status", err)
	}

	if change.Changed {
		s.logger.Info("order status updated",
			zap.Int64("order_id", id),
			zap.String("old_status", string(change.OldStatus)),
			zap.String("new_status", string(status)),
		)
	}
	return change, nil
}

// UpdateOrderStatus is the operational flow (kitchen, delivery). It applies
// the status the same way the saga does and then announces it.
func (s *Service) UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) (*models.Order, error) {
	change, err := s.ApplyStatusUpdate(ctx, id, status)
	if err != nil {
		return nil, err
	}

	if change.Changed {
		if err := s.events.PublishStatusUpdated(ctx, id, change.OldStatus, status); err != nil {
			s.logger.Warn("order.status_updated not published",
				zap.Int64("order_id", id),
				zap.Error(err),
			)
		}
	}
	return &change.Order, nil
}

func validateCreate(req models.CreateOrderRequest) error {
	if req.UserID <= 0 {
		return invalid("user_id", "must be a positive id")
	}
	if req.RestaurantID <= 0 {
		return invalid("restaurant_id", "must be a positive id")
	}
	if len(req.Items) == 0 || !json.Valid(req.Items) {
		return invalid("items", "must be a JSON document")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(req.Items, &items); err == nil && len(items) == 0 {
		return invalid("items", "must not be empty")
	}
	if req.TotalAmount <= 0 {
		return invalid("total_amount", "must be greater than zero")
	}
	if utf8.RuneCountInString(req.PaymentMethod) > MaxPaymentMethodLen {
		return invalid("payment_method", fmt.Sprintf("must be at most %d characters", MaxPaymentMethodLen))
	}
	return nil
}
