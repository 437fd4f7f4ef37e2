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
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/discovery"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/events"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/handlers"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/logger"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/messaging"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/payment"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/publisher"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/shutdown"
)

const serviceName = "payment-service"

func main() {
	cfg, err := config.LoadPaymentService()
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
		logg.Error("payment service stopped", zap.Error(err))
		logger.Sync(logg)
		os.Exit(1)
	}
}

func run(cfg config.PaymentService, logg *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := shutdown.New(cfg.ShutdownTimeout, logg)

	bus := messaging.NewPublisher(messaging.PublisherConfig{
		URL:      cfg.RabbitMQ.URL,
		Exchange: cfg.RabbitMQ.Exchange,
		Attempts: cfg.RabbitMQ.PublishAttempts,
		Backoff:  cfg.RabbitMQ.PublishBackoff,
	}, logg)
	mgr.Add("rabbitmq publisher", shutdown.Closer(bus))

	var processorOpts []payment.ProcessorOption
	if cfg.Redis.Addr != "" {
		outcomes, err := cache.NewRedisCache(ctx, cfg.Redis.Addr, cfg.OutcomeTTL)
		if err != nil {
			logg.Warn("Redis unavailable, payment outcomes kept in memory", zap.Error(err))
		} else {
			mgr.Add("redis", shutdown.Closer(outcomes))
			processorOpts = append(processorOpts, payment.WithOutcomeStore(payment.NewCachedOutcomes(outcomes)))
		}
	}

	processor := payment.NewProcessor(
		payment.NewRandomDecider(cfg.SuccessRate, cfg.ProcessingDelay),
		publisher.NewPaymentPublisher(bus),
		logg,
		processorOpts...,
	)

	orderConsumer := messaging.NewConsumer(messaging.ConsumerConfig{
		URL:                cfg.RabbitMQ.URL,
		Exchange:           cfg.RabbitMQ.Exchange,
		Queue:              cfg.Queue,
		RoutingKey:         string(events.OrderCreatedKey),
		DeadLetterExchange: cfg.RabbitMQ.Exchange + ".dlx",
		Attempts:           cfg.RabbitMQ.ConnectAttempts,
		Backoff:            cfg.RabbitMQ.ConnectBackoff,
		Tag:                serviceName,
	}, logg)
	if err := orderConsumer.Connect(ctx); err != nil {
		mgr.Shutdown()
		return err
	}

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := orderConsumer.Serve(consumerCtx, processor.Handle); err != nil {
			mgr.Fail(fmt.Errorf("order consumer: %w", err))
		}
	}()
	mgr.Add("order consumer", func(ctx context.Context) error {
		stopConsumer()
		select {
		case <-consumerDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		return orderConsumer.Close()
	})

	logg.Info("payment processor started",
		zap.String("queue", cfg.Queue),
		zap.Float64("success_rate", cfg.SuccessRate),
		zap.Duration("processing_delay", cfg.ProcessingDelay),
	)

	if cfg.Log.Env == config.EnvDocker {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", handlers.NewHealthHandler(serviceName, nil).HealthCheck)

	srv := &http.Server{
		Addr:    cfg.HealthAddr,
		Handler: router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mgr.Fail(fmt.Errorf("health server: %w", err))
		}
	}()
	mgr.Add("health server", shutdown.HTTPServer(srv))

	if err := registerConsul(cfg.Consul, cfg.HealthAddr, mgr, logg); err != nil {
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
		Tags:    []string{"amqp", "payments"},
	})
	if err != nil {
		return err
	}
	logg.Info("registered with Consul", zap.String("id", id), zap.String("address", addr))

	mgr.Add("consul", func(context.Context) error {
		return consul.Deregister(id)
	})
	return nil
}
