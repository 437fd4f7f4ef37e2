package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Lookup is satisfied by *ConsulClient.
type Lookup interface {
	GetServiceURL(serviceName string) (string, error)
}

// Resolver maps service names to base URLs. It starts from static URLs and
// overrides them with whatever Consul reports on each refresh; a failed
// lookup keeps the last known URL.
type Resolver struct {
	lookup   Lookup
	fallback map[string]string
	logger   *zap.Logger

	mu   sync.RWMutex
	urls map[string]string
}

// NewResolver builds a resolver over the given static URLs. lookup may be
// nil, in which case the static URLs are final.
func NewResolver(lookup Lookup, static map[string]string, logger *zap.Logger) *Resolver {
	urls := make(map[string]string, len(static))
	fallback := make(map[string]string, len(static))
	for name, u := range static {
		urls[name] = u
		fallback[name] = u
	}
	return &Resolver{
		lookup:   lookup,
		fallback: fallback,
		logger:   logger,
		urls:     urls,
	}
}

// URL returns the current base URL for name, or "" when unknown.
func (r *Resolver) URL(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.urls[name]
}

// Services returns a copy of the current routing table.
func (r *Resolver) Services() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.urls))
	for k, v := range r.urls {
		out[k] = v
	}
	return out
}

// Refresh asks Consul for every known service once.
func (r *Resolver) Refresh() {
	if r.lookup == nil {
		return
	}

	for name := range r.fallback {
		u, err := r.lookup.GetServiceURL(name)
		if err != nil {
			r.logger.Debug("service not found in Consul, keeping current route",
				zap.String("service", name),
				zap.Error(err),
			)
			continue
		}

		r.mu.Lock()
		prev := r.urls[name]
		r.urls[name] = u
		r.mu.Unlock()

		if prev != u {
			r.logger.Info("updated route", zap.String("service", name), zap.String("url", u))
		}
	}
}

// Watch refreshes every interval until ctx is done.
func (r *Resolver) Watch(ctx context.Context, interval time.Duration) {
	if r.lookup == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh()
		}
	}
}
