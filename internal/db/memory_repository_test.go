package db

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pendingOrder(userID int64, createdAt time.Time) models.Order {
	return models.NewPendingOrder(models.CreateOrderRequest{
		UserID:       userID,
		RestaurantID: 3,
		Items:        json.RawMessage(`[{"item_id":1,"quantity":2}]`),
		TotalAmount:  18.5,
	}, createdAt)
}

func TestMemoryOrderRepository_CreateAndGet(t *testing.T) {
	repo := NewMemoryOrderRepository()
	ctx := context.Background()

	order := pendingOrder(1, t0)
	require.NoError(t, repo.Create(ctx, &order))
	assert.Equal(t, int64(1), order.ID)

	got, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, models.PaymentPending, got.PaymentStatus)
	assert.JSONEq(t, `[{"item_id":1,"quantity":2}]`, string(got.Items))

	_, err = repo.GetByID(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryOrderRepository_ListByUser(t *testing.T) {
	repo := NewMemoryOrderRepository()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		o := pendingOrder(7, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, repo.Create(ctx, &o))
	}
	other := pendingOrder(8, t0)
	require.NoError(t, repo.Create(ctx, &other))

	page, total, err := repo.ListByUser(ctx, 7, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	// newest first: ids 5,4,3,2,1 -> offset 1 gives 4,3
	assert.Equal(t, int64(4), page[0].ID)
	assert.Equal(t, int64(3), page[1].ID)

	page, total, err = repo.ListByUser(ctx, 7, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, page)

	page, total, err = repo.ListByUser(ctx, 7, math.MaxInt, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 4)
}

func TestMemoryOrderRepository_ApplyStatusIsIdempotent(t *testing.T) {
	repo := NewMemoryOrderRepository()
	ctx := context.Background()

	order := pendingOrder(1, t0)
	require.NoError(t, repo.Create(ctx, &order))

	later := t0.Add(time.Minute)
	change, err := repo.ApplyStatus(ctx, order.ID, models.StatusConfirmed, later)
	require.NoError(t, err)
	assert.True(t, change.Changed)
	assert.Equal(t, models.StatusPending, change.OldStatus)
	assert.Equal(t, models.PaymentCompleted, change.Order.PaymentStatus)

	change, err = repo.ApplyStatus(ctx, order.ID, models.StatusConfirmed, later.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, change.Changed)

	got, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, later, got.UpdatedAt)

	_, err = repo.ApplyStatus(ctx, 42, models.StatusConfirmed, later)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryOrderRepository_SettledPaymentIsKept(t *testing.T) {
	repo := NewMemoryOrderRepository()
	ctx := context.Background()

	order := pendingOrder(1, t0)
	require.NoError(t, repo.Create(ctx, &order))

	later := t0.Add(time.Minute)
	_, err := repo.ApplyStatus(ctx, order.ID, models.StatusConfirmed, later)
	require.NoError(t, err)

	_, err = repo.ApplyStatus(ctx, order.ID, models.StatusCancelled, later.Add(time.Minute))
	require.ErrorIs(t, err, models.ErrPaymentSettled)

	got, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Equal(t, models.PaymentCompleted, got.PaymentStatus)
	assert.Equal(t, later, got.UpdatedAt)
}
