package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/models"
)

var ErrNotFound = errors.New("not found")

// StatusChange is the outcome of applying a status to an order.
type StatusChange struct {
	Order     models.Order
	OldStatus models.OrderStatus
	Changed   bool
}

type OrderRepository struct {
	db *sqlx.DB
}

func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// orderRow mirrors the orders table; items is stored as TEXT.
type orderRow struct {
	ID              int64     `db:"id"`
	UserID          int64     `db:"user_id"`
	RestaurantID    int64     `db:"restaurant_id"`
	Items           string    `db:"items"`
	TotalAmount     float64   `db:"total_amount"`
	Status          string    `db:"status"`
	PaymentStatus   string    `db:"payment_status"`
	DeliveryAddress string    `db:"delivery_address"`
	PaymentMethod   string    `db:"payment_method"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r orderRow) toModel() models.Order {
	return models.Order{
		ID:              r.ID,
		UserID:          r.UserID,
		RestaurantID:    r.RestaurantID,
		Items:           json.RawMessage(r.Items),
		TotalAmount:     r.TotalAmount,
		Status:          models.OrderStatus(r.Status),
		PaymentStatus:   models.PaymentStatus(r.PaymentStatus),
		DeliveryAddress: r.DeliveryAddress,
		PaymentMethod:   r.PaymentMethod,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

const orderColumns = `id, user_id, restaurant_id, items, total_amount, status, payment_status,
	delivery_address, payment_method, created_at, updated_at`

// Create inserts a new order in its own transaction and fills in its id.
func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (user_id, restaurant_id, items, total_amount, status, payment_status,
			delivery_address, payment_method, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	err = tx.QueryRowxContext(ctx, query,
		order.UserID,
		order.RestaurantID,
		string(order.Items),
		order.TotalAmount,
		order.Status,
		order.PaymentStatus,
		order.DeliveryAddress,
		order.PaymentMethod,
		order.CreatedAt,
		order.UpdatedAt,
	).Scan(&order.ID)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	var row orderRow
	err := r.db.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	order := row.toModel()
	return &order, nil
}

// ListByUser returns one page of a user's orders, newest first, and the
// user's total order count.
func (r *OrderRepository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]models.Order, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM orders WHERE user_id = $1`, userID); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	var rows []orderRow
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
	if err := r.db.SelectContext(ctx, &rows, query, userID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to query orders: %w", err)
	}

	orders := make([]models.Order, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, row.toModel())
	}
	return orders, total, nil
}

// ApplyStatus locks the order row, applies status and writes it back only
// when something changed.
func (r *OrderRepository) ApplyStatus(ctx context.Context, id int64, status models.OrderStatus, now time.Time) (StatusChange, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return StatusChange{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row orderRow
	err = tx.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StatusChange{}, fmt.Errorf("order %d: %w", id, ErrNotFound)
		}
		return StatusChange{}, fmt.Errorf("failed to lock order: %w", err)
	}

	order := row.toModel()
	change := StatusChange{OldStatus: order.Status}
	change.Changed, err = order.ApplyStatus(status, now)
	if err != nil {
		return StatusChange{}, err
	}
	change.Order = order
	if !change.Changed {
		return change, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE orders SET status = $1, payment_status = $2, updated_at = $3 WHERE id = $4`,
		order.Status, order.PaymentStatus, order.UpdatedAt, id,
	)
	if err != nil {
		return StatusChange{}, fmt.Errorf("failed to update order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return StatusChange{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return change, nil
}
