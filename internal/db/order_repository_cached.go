package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/cache"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/models"
)

// Store is the repository contract shared by the Postgres and in-memory
// implementations.
type Store interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id int64) (*models.Order, error)
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]models.Order, int, error)
	ApplyStatus(ctx context.Context, id int64, status models.OrderStatus, now time.Time) (StatusChange, error)
}

// Cache is satisfied by *cache.RedisCache.
type Cache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

// CachedOrderRepository reads single orders through a cache and drops the
// cached copy after every status application. PENDING orders are never
// cached since the saga settles them asynchronously. Cache errors never fail
// a request.
type CachedOrderRepository struct {
	Store
	cache  Cache
	logger *zap.Logger
}

func NewCachedOrderRepository(store Store, c Cache, logger *zap.Logger) *CachedOrderRepository {
	return &CachedOrderRepository{
		Store:  store,
		cache:  c,
		logger: logger,
	}
}

func orderKey(id int64) string {
	return fmt.Sprintf("order:%d", id)
}

func (r *CachedOrderRepository) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	key := orderKey(id)

	var order models.Order
	err := r.cache.Get(ctx, key, &order)
	if err == nil {
		r.logger.Debug("cache hit", zap.Int64("order_id", id))
		return &order, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		r.logger.Warn("cache read failed", zap.Int64("order_id", id), zap.Error(err))
	}

	o, err := r.Store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != models.StatusPending {
		r.fill(ctx, key, o)
	}
	return o, nil
}

// fill caches o, then re-reads the store and drops the entry again if a
// status change committed between the first read and the Set.
func (r *CachedOrderRepository) fill(ctx context.Context, key string, o *models.Order) {
	if err := r.cache.Set(ctx, key, o); err != nil {
		r.logger.Warn("failed to cache order", zap.Int64("order_id", o.ID), zap.Error(err))
		return
	}

	current, err := r.Store.GetByID(ctx, o.ID)
	if err == nil && current.Status == o.Status && current.UpdatedAt.Equal(o.UpdatedAt) {
		return
	}
	r.logger.Debug("order changed while caching", zap.Int64("order_id", o.ID))
	if err := r.cache.Delete(ctx, key); err != nil {
		r.logger.Warn("failed to invalidate cached order", zap.Int64("order_id", o.ID), zap.Error(err))
	}
}

func (r *CachedOrderRepository) ApplyStatus(ctx context.Context, id int64, status models.OrderStatus, now time.Time) (StatusChange, error) {
	change, err := r.Store.ApplyStatus(ctx, id, status, now)
	if err != nil {
		return StatusChange{}, err
	}

	if change.Changed {
		if err := r.cache.Delete(ctx, orderKey(id)); err != nil {
			r.logger.Warn("failed to invalidate cached order", zap.Int64("order_id", id), zap.Error(err))
		}
	}
	return change, nil
}
