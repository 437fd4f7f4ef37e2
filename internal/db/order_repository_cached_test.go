package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/cache"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/models"
)

type fakeCache struct {
	data    map[string][]byte
	gets    int
	deletes []string
	getErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (c *fakeCache) Get(_ context.Context, key string, dest any) error {
	c.gets++
	if c.getErr != nil {
		return c.getErr
	}
	v, ok := c.data[key]
	if !ok {
		return cache.ErrMiss
	}
	return json.Unmarshal(v, dest)
}

func (c *fakeCache) Set(_ context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.data[key] = data
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.deletes = append(c.deletes, key)
	delete(c.data, key)
	return nil
}

// countingStore records how often reads reach the backing store.
type countingStore struct {
	*MemoryOrderRepository
	reads int
}

func (s *countingStore) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	s.reads++
	return s.MemoryOrderRepository.GetByID(ctx, id)
}

func TestCachedOrderRepository_ReadThrough(t *testing.T) {
	store := &countingStore{MemoryOrderRepository: NewMemoryOrderRepository()}
	c := newFakeCache()
	repo := NewCachedOrderRepository(store, c, zap.NewNop())
	ctx := context.Background()

	order := pendingOrder(1, t0)
	require.NoError(t, repo.Create(ctx, &order))
	_, err := store.ApplyStatus(ctx, order.ID, models.StatusConfirmed, t0.Add(time.Minute))
	require.NoError(t, err)

	first, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	second, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)

	// One read to fill, one to verify the fill, none for the hit.
	assert.Equal(t, 2, store.reads)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.StatusConfirmed, second.Status)
	assert.Contains(t, c.data, "order:1")
}

func TestCachedOrderRepository_PendingIsNotCached(t *testing.T) {
	store := &countingStore{MemoryOrderRepository: NewMemoryOrderRepository()}
	c := newFakeCache()
	repo := NewCachedOrderRepository(store, c, zap.NewNop())
	ctx := context.Background()

	order := pendingOrder(1, t0)
	require.NoError(t, repo.Create(ctx, &order))

	got, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Empty(t, c.data)
}

// racingStore applies a status change right after the next read returns,
// the way the status consumer can commit between a cache miss and its fill.
type racingStore struct {
	*MemoryOrderRepository
	afterRead func()
}

func (s *racingStore) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	o, err := s.MemoryOrderRepository.GetByID(ctx, id)
	if hook := s.afterRead; hook != nil {
		s.afterRead = nil
		hook()
	}
	return o, err
}

func TestCachedOrderRepository_ChangeDuringFillIsNotServed(t *testing.T) {
	tests := []struct {
		name  string
		start models.OrderStatus
		next  models.OrderStatus
	}{
		{name: "saga settles a pending order", start: models.StatusPending, next: models.StatusConfirmed},
		{name: "kitchen moves a confirmed order", start: models.StatusConfirmed, next: models.StatusPreparing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &racingStore{MemoryOrderRepository: NewMemoryOrderRepository()}
			c := newFakeCache()
			repo := NewCachedOrderRepository(store, c, zap.NewNop())
			ctx := context.Background()

			order := pendingOrder(1, t0)
			require.NoError(t, repo.Create(ctx, &order))
			if tt.start != models.StatusPending {
				_, err := store.ApplyStatus(ctx, order.ID, tt.start, t0.Add(time.Minute))
				require.NoError(t, err)
			}

			store.afterRead = func() {
				_, err := repo.ApplyStatus(ctx, order.ID, tt.next, t0.Add(time.Hour))
				require.NoError(t, err)
			}

			stale, err := repo.GetByID(ctx, order.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.start, stale.Status)
			assert.NotContains(t, c.data, "order:1")

			got, err := repo.GetByID(ctx, order.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.next, got.Status)
		})
	}
}

func TestCachedOrderRepository_InvalidatesOnChange(t *testing.T) {
	store := &countingStore{MemoryOrderRepository: NewMemoryOrderRepository()}
	c := newFakeCache()
	repo := NewCachedOrderRepository(store, c, zap.NewNop())
	ctx := context.Background()

	order := pendingOrder(1, t0)
	require.NoError(t, repo.Create(ctx, &order))
	_, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)

	_, err = repo.ApplyStatus(ctx, order.ID, models.StatusCancelled, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"order:1"}, c.deletes)

	got, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, models.PaymentFailed, got.PaymentStatus)

	// Replays leave the cache alone.
	_, err = repo.ApplyStatus(ctx, order.ID, models.StatusCancelled, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, c.deletes, 1)
}

func TestCachedOrderRepository_CacheErrorFallsBackToStore(t *testing.T) {
	store := &countingStore{MemoryOrderRepository: NewMemoryOrderRepository()}
	c := newFakeCache()
	c.getErr = errors.New("connection refused")
	repo := NewCachedOrderRepository(store, c, zap.NewNop())
	ctx := context.Background()

	order := pendingOrder(1, t0)
	require.NoError(t, repo.Create(ctx, &order))

	got, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
	assert.Equal(t, 1, store.reads)

	_, err = repo.GetByID(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}
