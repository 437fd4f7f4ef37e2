package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/cache"
)

// Outcome is the charge result recorded for one order.
type Outcome struct {
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
	PaymentID string `json:"payment_id,omitempty"`
}

// OutcomeStore remembers the first outcome per order so a redelivered
// order.created replays it instead of charging again.
type OutcomeStore interface {
	Load(ctx context.Context, orderID int64) (Outcome, bool, error)
	Save(ctx context.Context, orderID int64, o Outcome) error
}

const DefaultOutcomeCapacity = 10000

// MemoryOutcomes keeps the most recent outcomes in process memory, evicting
// the oldest once capacity is reached.
type MemoryOutcomes struct {
	mu       sync.Mutex
	capacity int
	order    []int64
	outcomes map[int64]Outcome
}

func NewMemoryOutcomes(capacity int) *MemoryOutcomes {
	if capacity <= 0 {
		capacity = DefaultOutcomeCapacity
	}
	return &MemoryOutcomes{
		capacity: capacity,
		outcomes: make(map[int64]Outcome),
	}
}

func (m *MemoryOutcomes) Load(_ context.Context, orderID int64) (Outcome, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.outcomes[orderID]
	return o, ok, nil
}

func (m *MemoryOutcomes) Save(_ context.Context, orderID int64, o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.outcomes[orderID]; !ok {
		if len(m.order) >= m.capacity {
			delete(m.outcomes, m.order[0])
			m.order = m.order[1:]
		}
		m.order = append(m.order, orderID)
	}
	m.outcomes[orderID] = o
	return nil
}

// Cache is satisfied by *cache.RedisCache.
type Cache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any) error
}

// CachedOutcomes stores outcomes in Redis so they survive restarts and are
// shared between payment-service replicas.
type CachedOutcomes struct {
	cache Cache
}

func NewCachedOutcomes(c Cache) *CachedOutcomes {
	return &CachedOutcomes{cache: c}
}

func outcomeKey(orderID int64) string {
	return fmt.Sprintf("payment:outcome:%d", orderID)
}

func (s *CachedOutcomes) Load(ctx context.Context, orderID int64) (Outcome, bool, error) {
	var o Outcome
	err := s.cache.Get(ctx, outcomeKey(orderID), &o)
	switch {
	case err == nil:
		return o, true, nil
	case errors.Is(err, cache.ErrMiss):
		return Outcome{}, false, nil
	}
	return Outcome{}, false, err
}

func (s *CachedOutcomes) Save(ctx context.Context, orderID int64, o Outcome) error {
	return s.cache.Set(ctx, outcomeKey(orderID), o)
}
