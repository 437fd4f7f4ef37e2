// Package events defines the messages exchanged between the order and
// payment services over the order_events topic exchange.
//
// Every payload is a flat JSON object keyed by its routing key. Payloads
// carry an event_id, a timestamp and a schema version; a missing version is
// read as version 1. Decoding validates required fields and returns an error
// wrapping ErrMalformed for anything that cannot be applied.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/models"
)

type RoutingKey string

const (
	OrderCreatedKey       RoutingKey = "order.created"
	PaymentCompletedKey   RoutingKey = "payment.completed"
	PaymentFailedKey      RoutingKey = "payment.failed"
	OrderStatusUpdatedKey RoutingKey = "order.status_updated"
)

// SchemaVersion is the payload version written by this build.
const SchemaVersion = 1

var (
	ErrMalformed          = errors.New("malformed event")
	ErrUnknownRoutingKey  = errors.New("unknown routing key")
	ErrUnsupportedVersion = errors.New("unsupported event version")
)

// Event is implemented by every payload type.
type Event interface {
	RoutingKey() RoutingKey
	Validate() error
}

// Meta is embedded in every payload.
type Meta struct {
	EventID   string    `json:"event_id"`
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMeta stamps a fresh event id and the current schema version.
func NewMeta(now time.Time) Meta {
	return Meta{
		EventID:   uuid.NewString(),
		Version:   SchemaVersion,
		Timestamp: now.UTC(),
	}
}

func (m *Meta) normalize() error {
	if m.Version == 0 {
		m.Version = 1
	}
	if m.Version > SchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.Version)
	}
	if m.Timestamp.IsZero() {
		return fieldError("timestamp", "is required")
	}
	return nil
}

type OrderCreated struct {
	Meta
	OrderID       int64   `json:"order_id"`
	UserID        int64   `json:"user_id"`
	RestaurantID  int64   `json:"restaurant_id"`
	TotalAmount   float64 `json:"total_amount"`
	PaymentMethod string  `json:"payment_method"`
}

func (OrderCreated) RoutingKey() RoutingKey { return OrderCreatedKey }

func (e OrderCreated) Validate() error {
	if e.OrderID <= 0 {
		return fieldError("order_id", "must be positive")
	}
	if e.UserID <= 0 {
		return fieldError("user_id", "must be positive")
	}
	if e.RestaurantID <= 0 {
		return fieldError("restaurant_id", "must be positive")
	}
	if e.TotalAmount < 0 {
		return fieldError("total_amount", "must not be negative")
	}
	return nil
}

type PaymentCompleted struct {
	Meta
	OrderID       int64                `json:"order_id"`
	PaymentID     string               `json:"payment_id"`
	Status        models.PaymentStatus `json:"status"`
	Amount        float64              `json:"amount"`
	PaymentMethod string               `json:"payment_method"`
}

func (PaymentCompleted) RoutingKey() RoutingKey { return PaymentCompletedKey }

func (e PaymentCompleted) Validate() error {
	if e.OrderID <= 0 {
		return fieldError("order_id", "must be positive")
	}
	if e.PaymentID == "" {
		return fieldError("payment_id", "is required")
	}
	if e.Status != models.PaymentCompleted {
		return fieldError("status", "must be COMPLETED")
	}
	return nil
}

type PaymentFailed struct {
	Meta
	OrderID int64                `json:"order_id"`
	Status  models.PaymentStatus `json:"status"`
	Reason  string               `json:"reason"`
}

func (PaymentFailed) RoutingKey() RoutingKey { return PaymentFailedKey }

func (e PaymentFailed) Validate() error {
	if e.OrderID <= 0 {
		return fieldError("order_id", "must be positive")
	}
	if e.Status != models.PaymentFailed {
		return fieldError("status", "must be FAILED")
	}
	return nil
}

type OrderStatusUpdated struct {
	Meta
	OrderID   int64              `json:"order_id"`
	NewStatus models.OrderStatus `json:"new_status"`
	OldStatus models.OrderStatus `json:"old_status,omitempty"`
	Reason    string             `json:"reason,omitempty"`
}

func (OrderStatusUpdated) RoutingKey() RoutingKey { return OrderStatusUpdatedKey }

func (e OrderStatusUpdated) Validate() error {
	if e.OrderID <= 0 {
		return fieldError("order_id", "must be positive")
	}
	if !e.NewStatus.Valid() {
		return fieldError("new_status", fmt.Sprintf("unknown status %q", e.NewStatus))
	}
	if e.OldStatus != "" && !e.OldStatus.Valid() {
		return fieldError("old_status", fmt.Sprintf("unknown status %q", e.OldStatus))
	}
	return nil
}

// Encode validates e and renders it as JSON.
func Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.RoutingKey(), err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.RoutingKey(), err)
	}
	return data, nil
}

func DecodeOrderCreated(body []byte) (OrderCreated, error) {
	var e OrderCreated
	err := decode(body, &e, &e.Meta)
	return e, err
}

func DecodePaymentCompleted(body []byte) (PaymentCompleted, error) {
	var e PaymentCompleted
	err := decode(body, &e, &e.Meta)
	return e, err
}

func DecodePaymentFailed(body []byte) (PaymentFailed, error) {
	var e PaymentFailed
	err := decode(body, &e, &e.Meta)
	return e, err
}

func DecodeOrderStatusUpdated(body []byte) (OrderStatusUpdated, error) {
	var e OrderStatusUpdated
	err := decode(body, &e, &e.Meta)
	return e, err
}

// Parse decodes body as the payload variant registered for key.
func Parse(key RoutingKey, body []byte) (Event, error) {
	var (
		e   Event
		err error
	)
	switch key {
	case OrderCreatedKey:
		e, err = DecodeOrderCreated(body)
	case PaymentCompletedKey:
		e, err = DecodePaymentCompleted(body)
	case PaymentFailedKey:
		e, err = DecodePaymentFailed(body)
	case OrderStatusUpdatedKey:
		e, err = DecodeOrderStatusUpdated(body)
	default:
		return nil, fmt.Errorf("%w: %w %q", ErrMalformed, ErrUnknownRoutingKey, key)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func decode(body []byte, e Event, meta *Meta) error {
	if err := json.Unmarshal(body, e); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.RoutingKey(), err)
	}
	if err := meta.normalize(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformed, e.RoutingKey(), err)
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformed, e.RoutingKey(), err)
	}
	return nil
}

// FieldError reports a payload field that failed validation.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + " " + e.Message
}

func fieldError(field, msg string) error {
	return &FieldError{Field: field, Message: msg}
}
