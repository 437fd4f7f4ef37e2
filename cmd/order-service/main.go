package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/cache"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/config"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/consumer"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/db"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/discovery"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/events"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/handlers"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/logger"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/messaging"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/orders"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/publisher"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/shutdown"
)

const serviceName = "order-service"

func main() {
	cfg, err := config.LoadOrderService()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logg, err := logger.New(logger.Config{
		ServiceName: serviceName,
		Env:         cfg.Log.Env,
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
	})
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync(logg)

	if err := run(cfg, logg); err != nil {
		logg.Error("order service stopped", zap.Error(err))
		logger.Sync(logg)
		os.Exit(1)
	}
}

func run(cfg config.OrderService, logg *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := shutdown.New(cfg.ShutdownTimeout, logg)
	checks := map[string]handlers.Check{}

	// Publisher
	bus := messaging.NewPublisher(messaging.PublisherConfig{
		URL:      cfg.RabbitMQ.URL,
		Exchange: cfg.RabbitMQ.Exchange,
		Attempts: cfg.RabbitMQ.PublishAttempts,
		Backoff:  cfg.RabbitMQ.PublishBackoff,
	}, logg)
	mgr.Add("rabbitmq publisher", shutdown.Closer(bus))

	// Store
	var store db.Store
	switch cfg.Store {
	case "memory":
		logg.Warn("using in-memory order store, orders are lost on restart")
		store = db.NewMemoryOrderRepository()
	default:
		conn, err := db.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
		if err != nil {
			return err
		}
		mgr.Add("postgres", shutdown.Closer(conn))
		logg.Info("connected to PostgreSQL", zap.String("dsn", config.MaskURL(cfg.Postgres.DSN)))

		if cfg.Postgres.Migrate {
			if err := db.Migrate(ctx, conn); err != nil {
				mgr.Shutdown()
				return err
			}
		}
		store = db.NewOrderRepository(conn)
		checks["postgres"] = conn.PingContext
	}

	if cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.TTL)
		if err != nil {
			logg.Warn("Redis unavailable, order cache disabled", zap.Error(err))
		} else {
			mgr.Add("redis", shutdown.Closer(redisCache))
			store = db.NewCachedOrderRepository(store, redisCache, logg)
			checks["redis"] = redisCache.Ping
		}
	}

	svc := orders.NewService(store, publisher.NewOrderPublisher(bus), logg,
		orders.WithRequestTimeout(cfg.RequestTimeout),
	)

	// Status consumer
	statusConsumer := messaging.NewConsumer(messaging.ConsumerConfig{
		URL:                cfg.RabbitMQ.URL,
		Exchange:           cfg.RabbitMQ.Exchange,
		Queue:              cfg.StatusQueue,
		RoutingKey:         string(events.OrderStatusUpdatedKey),
		DeadLetterExchange: cfg.RabbitMQ.Exchange + ".dlx",
		Attempts:           cfg.RabbitMQ.ConnectAttempts,
		Backoff:            cfg.RabbitMQ.ConnectBackoff,
		Tag:                serviceName,
	}, logg)
	if err := statusConsumer.Connect(ctx); err != nil {
		mgr.Shutdown()
		return err
	}

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	consumerDone := make(chan struct{})
	handler := consumer.NewStatusConsumer(svc, logg)
	go func() {
		defer close(consumerDone)
		if err := statusConsumer.Serve(consumerCtx, handler.Handle); err != nil {
			mgr.Fail(fmt.Errorf("status consumer: %w", err))
		}
	}()
	mgr.Add("status consumer", func(ctx context.Context) error {
		stopConsumer()
		select {
		case <-consumerDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		return statusConsumer.Close()
	})

	// HTTP
	if cfg.Log.Env == config.EnvDocker {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger(logg))
	router.GET("/health", handlers.NewHealthHandler(serviceName, checks).HealthCheck)

	api := router.Group("/", handlers.LimitConcurrency(cfg.Workers))
	handlers.NewOrderHandler(svc, logg).Register(api)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
	go func() {
		logg.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mgr.Fail(fmt.Errorf("http server: %w", err))
		}
	}()
	mgr.Add("http server", shutdown.HTTPServer(srv))

	if err := registerConsul(cfg.Consul, cfg.HTTPAddr, mgr, logg); err != nil {
		logg.Warn("Consul registration skipped", zap.Error(err))
	}

	return mgr.Wait(ctx)
}

func registerConsul(cfg config.Consul, listenAddr string, mgr *shutdown.Manager, logg *zap.Logger) error {
	if cfg.Addr == "" {
		return nil
	}

	port, err := discovery.PortFromAddr(listenAddr)
	if err != nil {
		return err
	}
	consul, err := discovery.NewConsulClient(cfg.Addr)
	if err != nil {
		return err
	}

	id := cfg.ServiceID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%s", serviceName, host)
	}
	addr, err := consul.Register(discovery.ServiceConfig{
		Name:    serviceName,
		ID:      id,
		Address: cfg.AdvertiseHost,
		Port:    port,
		Tags:    []string{"http", "orders"},
	})
	if err != nil {
		return err
	}
	logg.Info("registered with Consul", zap.String("id", id), zap.String("address", addr), zap.Int("port", port))

	mgr.Add("consul", func(context.Context) error {
		return consul.Deregister(id)
	})
	return nil
}
