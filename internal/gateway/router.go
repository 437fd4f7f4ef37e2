// Package gateway is the public entry point. Every backend call goes
// through the circuit breaker of the dependency it targets; a breaker that
// is open, or a call that fails, turns into 503 without a retry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/breaker"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/client"
)

// Dependency identifies a backend service and owns one breaker.
type Dependency struct {
	Key     string // breaker name: user, restaurant, order, recommendation
	Service string // discovery name
	Label   string // used in error messages
}

var (
	UserService           = Dependency{Key: "user", Service: "user-service", Label: "User"}
	RestaurantService     = Dependency{Key: "restaurant", Service: "restaurant-service", Label: "Restaurant"}
	OrderService          = Dependency{Key: "order", Service: "order-service", Label: "Order"}
	RecommendationService = Dependency{Key: "recommendation", Service: "recommendation-service", Label: "Recommendation"}
)

// Dependencies lists every backend in routing order.
var Dependencies = []Dependency{UserService, RestaurantService, OrderService, RecommendationService}

// Resolver is satisfied by *discovery.Resolver.
type Resolver interface {
	URL(service string) string
	Services() map[string]string
}

// Doer is satisfied by *client.Downstream.
type Doer interface {
	Do(ctx context.Context, req client.Request) (*client.Response, error)
	Probe(ctx context.Context, baseURL string) error
}

type Config struct {
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

type Router struct {
	resolver Resolver
	client   Doer
	logger   *zap.Logger
	breakers map[string]*breaker.Breaker
}

type Option func(*routerOptions)

type routerOptions struct {
	breakerOpts []breaker.Option
}

// WithBreakerOptions is passed to every breaker, e.g. breaker.WithClock.
func WithBreakerOptions(opts ...breaker.Option) Option {
	return func(o *routerOptions) { o.breakerOpts = append(o.breakerOpts, opts...) }
}

// NewRouter builds one breaker per dependency. Breakers live as long as the
// router.
func NewRouter(cfg Config, resolver Resolver, doer Doer, logger *zap.Logger, opts ...Option) *Router {
	var o routerOptions
	for _, opt := range opts {
		opt(&o)
	}

	breakers := make(map[string]*breaker.Breaker, len(Dependencies))
	for _, dep := range Dependencies {
		breakers[dep.Key] = breaker.New(dep.Key, cfg.BreakerThreshold, cfg.BreakerTimeout, o.breakerOpts...)
	}

	return &Router{
		resolver: resolver,
		client:   doer,
		logger:   logger,
		breakers: breakers,
	}
}

// Breaker returns the breaker guarding dep.
func (r *Router) Breaker(dep Dependency) *breaker.Breaker {
	return r.breakers[dep.Key]
}

func (r *Router) Register(e gin.IRoutes) {
	e.GET("/health", r.HealthCheck)
	e.GET("/services", r.ListServices)

	e.POST("/api/users/register", r.forward(UserService, fixed("/api/users/register")))
	e.POST("/api/users/login", r.forward(UserService, fixed("/api/users/login")))
	e.GET("/api/users/:id", r.forward(UserService, withParam("/api/users/%s", "id")))
	e.GET("/api/users/:id/orders", r.forward(OrderService, withParam("/users/%s/orders", "id")))

	e.GET("/api/restaurants", r.forward(RestaurantService, fixed("/api/restaurants")))
	e.GET("/api/restaurants/:id", r.forward(RestaurantService, withParam("/api/restaurants/%s", "id")))
	e.GET("/api/restaurants/:id/menu", r.forward(RestaurantService, withParam("/api/restaurants/%s/menu", "id")))

	e.POST("/api/orders", r.forward(OrderService, fixed("/orders")))
	e.GET("/api/orders/:id", r.forward(OrderService, withParam("/orders/%s", "id")))
	e.PATCH("/api/orders/:id/status", r.forward(OrderService, withParam("/orders/%s/status", "id")))

	e.POST("/api/recommendations", r.forward(RecommendationService, fixed("/graphql")))
}

type pathFunc func(c *gin.Context) string

func fixed(path string) pathFunc {
	return func(*gin.Context) string { return path }
}

func withParam(format, param string) pathFunc {
	return func(c *gin.Context) string { return fmt.Sprintf(format, c.Param(param)) }
}

// StatusClientClosedRequest answers a caller that cancelled before the
// backend replied.
const StatusClientClosedRequest = 499

var forwardedHeaders = []string{"Authorization", "Content-Type", "Accept", "X-Request-ID"}

func (r *Router) forward(dep Dependency, path pathFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		base := r.resolver.URL(dep.Service)
		if base == "" {
			r.unavailable(c, dep, errors.New("no route"))
			return
		}

		var body []byte
		if c.Request.Body != nil {
			var err error
			body, err = io.ReadAll(c.Request.Body)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
				return
			}
		}

		target := base + path(c)
		if q := c.Request.URL.RawQuery; q != "" {
			target += "?" + q
		}

		req := client.Request{
			Method: c.Request.Method,
			URL:    target,
			Header: make(http.Header),
			Body:   body,
		}
		for _, h := range forwardedHeaders {
			if v := c.GetHeader(h); v != "" {
				req.Header.Set(h, v)
			}
		}

		ctx := c.Request.Context()
		var resp *client.Response
		err := r.breakers[dep.Key].Call(func() error {
			if err := ctx.Err(); err != nil {
				return breaker.Ignore(err)
			}
			var callErr error
			resp, callErr = r.client.Do(ctx, req)
			if callErr != nil && ctx.Err() != nil {
				return breaker.Ignore(callErr)
			}
			return callErr
		})
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Debug("client went away",
					zap.String("dependency", dep.Key),
					zap.String("path", c.Request.URL.Path),
					zap.Error(err),
				)
				c.AbortWithStatus(StatusClientClosedRequest)
				return
			}
			r.unavailable(c, dep, err)
			return
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/json"
		}
		c.Data(resp.StatusCode, contentType, resp.Body)
	}
}

func (r *Router) unavailable(c *gin.Context, dep Dependency, err error) {
	b := r.breakers[dep.Key]
	r.logger.Warn("downstream unavailable",
		zap.String("dependency", dep.Key),
		zap.String("state", b.State().String()),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error": fmt.Sprintf("%s service unavailable: %v", dep.Label, err),
	})
}

// HealthCheck probes every backend directly, bypassing the breakers.
func (r *Router) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	statuses := make(map[string]string, len(Dependencies))
	status := "healthy"
	for _, dep := range Dependencies {
		base := r.resolver.URL(dep.Service)
		if base == "" {
			statuses[dep.Service] = "unknown"
			status = "degraded"
			continue
		}
		if err := r.client.Probe(ctx, base); err != nil {
			statuses[dep.Service] = "unhealthy"
			status = "degraded"
			continue
		}
		statuses[dep.Service] = "healthy"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"service":  "api-gateway",
		"services": statuses,
	})
}

// ListServices reports the routing table and breaker state.
func (r *Router) ListServices(c *gin.Context) {
	snapshots := make(map[string]breaker.Snapshot, len(r.breakers))
	for key, b := range r.breakers {
		snapshots[key] = b.Snapshot()
	}

	c.JSON(http.StatusOK, gin.H{
		"services": r.resolver.Services(),
		"breakers": snapshots,
	})
}
