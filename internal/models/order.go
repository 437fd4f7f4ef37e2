package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusConfirmed OrderStatus = "CONFIRMED"
	StatusPreparing OrderStatus = "PREPARING"
	StatusReady     OrderStatus = "READY"
	StatusDelivered OrderStatus = "DELIVERED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Valid reports whether s is one of the known order statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusPreparing, StatusReady, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

const DefaultPaymentMethod = "CARD"

type Order struct {
	ID              int64           `json:"order_id"`
	UserID          int64           `json:"user_id"`
	RestaurantID    int64           `json:"restaurant_id"`
	Items           json.RawMessage `json:"items"`
	TotalAmount     float64         `json:"total_amount"`
	Status          OrderStatus     `json:"status"`
	PaymentStatus   PaymentStatus   `json:"payment_status"`
	DeliveryAddress string          `json:"delivery_address"`
	PaymentMethod   string          `json:"payment_method"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewPendingOrder builds an order in its initial PENDING/PENDING state.
func NewPendingOrder(req CreateOrderRequest, now time.Time) Order {
	method := req.PaymentMethod
	if method == "" {
		method = DefaultPaymentMethod
	}
	return Order{
		UserID:          req.UserID,
		RestaurantID:    req.RestaurantID,
		Items:           req.Items,
		TotalAmount:     req.TotalAmount,
		Status:          StatusPending,
		PaymentStatus:   PaymentPending,
		DeliveryAddress: req.DeliveryAddress,
		PaymentMethod:   method,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// ErrPaymentSettled is returned by ApplyStatus when a CONFIRMED or CANCELLED
// status would overturn a payment outcome that is already recorded.
var ErrPaymentSettled = errors.New("payment outcome already settled")

// ApplyStatus moves the order to status and derives the payment status.
// CONFIRMED completes the payment, CANCELLED fails it, anything else leaves
// it alone. It returns false when the order already has that status.
//
// CONFIRMED and CANCELLED only apply while the payment is still PENDING;
// once settled, the payment outcome never changes.
func (o *Order) ApplyStatus(status OrderStatus, now time.Time) (bool, error) {
	payment := o.PaymentStatus
	switch status {
	case StatusConfirmed:
		payment = PaymentCompleted
	case StatusCancelled:
		payment = PaymentFailed
	}

	if o.Status == status && o.PaymentStatus == payment {
		return false, nil
	}
	if (status == StatusConfirmed || status == StatusCancelled) && o.PaymentStatus != PaymentPending {
		return false, fmt.Errorf("%w: order %d is %s/%s, refusing %s",
			ErrPaymentSettled, o.ID, o.Status, o.PaymentStatus, status)
	}

	o.Status = status
	o.PaymentStatus = payment
	o.UpdatedAt = now
	return true, nil
}

type CreateOrderRequest struct {
	UserID          int64           `json:"user_id"`
	RestaurantID    int64           `json:"restaurant_id"`
	Items           json.RawMessage `json:"items"`
	TotalAmount     float64         `json:"total_amount"`
	PaymentMethod   string          `json:"payment_method"`
	DeliveryAddress string          `json:"delivery_address"`
}

type CreateOrderResponse struct {
	OrderID int64       `json:"order_id"`
	Status  OrderStatus `json:"status"`
	Message string      `json:"message"`
}

type UpdateStatusRequest struct {
	Status OrderStatus `json:"status"`
}

type OrderList struct {
	Orders []Order `json:"orders"`
	Total  int     `json:"total"`
}
