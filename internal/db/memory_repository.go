package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/models"
)

// MemoryOrderRepository keeps orders in process memory. It backs
// ORDER_STORE=memory and the service tests.
type MemoryOrderRepository struct {
	mu     sync.Mutex
	nextID int64
	orders map[int64]models.Order
}

func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{orders: make(map[int64]models.Order)}
}

func (r *MemoryOrderRepository) Create(_ context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	order.ID = r.nextID
	r.orders[order.ID] = cloneOrder(*order)
	return nil
}

func (r *MemoryOrderRepository) GetByID(_ context.Context, id int64) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	order = cloneOrder(order)
	return &order, nil
}

func (r *MemoryOrderRepository) ListByUser(_ context.Context, userID int64, limit, offset int) ([]models.Order, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []models.Order
	for _, o := range r.orders {
		if o.UserID == userID {
			matched = append(matched, cloneOrder(o))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []models.Order{}, total, nil
	}
	end := total
	if limit > 0 && limit < total-offset {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

func (r *MemoryOrderRepository) ApplyStatus(_ context.Context, id int64, status models.OrderStatus, now time.Time) (StatusChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return StatusChange{}, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}

	change := StatusChange{OldStatus: order.Status}
	changed, err := order.ApplyStatus(status, now)
	if err != nil {
		return StatusChange{}, err
	}
	change.Changed = changed
	if change.Changed {
		r.orders[id] = order
	}
	change.Order = cloneOrder(order)
	return change, nil
}

func cloneOrder(o models.Order) models.Order {
	if o.Items != nil {
		o.Items = append([]byte(nil), o.Items...)
	}
	return o
}
