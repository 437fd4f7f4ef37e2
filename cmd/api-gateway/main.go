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

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/client"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/config"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/discovery"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/gateway"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/handlers"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/logger"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/shutdown"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logg, err := logger.New(logger.Config{
		ServiceName: "api-gateway",
		Env:         cfg.Log.Env,
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
	})
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync(logg)

	if err := run(cfg, logg); err != nil {
		logg.Error("api gateway stopped", zap.Error(err))
		logger.Sync(logg)
		os.Exit(1)
	}
}

func run(cfg config.Gateway, logg *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := shutdown.New(cfg.ShutdownTimeout, logg)

	var lookup discovery.Lookup
	if cfg.Consul.Addr != "" {
		consul, err := discovery.NewConsulClient(cfg.Consul.Addr)
		if err != nil {
			logg.Warn("failed to connect to Consul, using static service URLs", zap.Error(err))
		} else {
			lookup = consul
		}
	}

	resolver := discovery.NewResolver(lookup, map[string]string{
		gateway.UserService.Service:           cfg.UserURL,
		gateway.RestaurantService.Service:     cfg.RestaurantURL,
		gateway.OrderService.Service:          cfg.OrderURL,
		gateway.RecommendationService.Service: cfg.RecommendationURL,
	}, logg)
	resolver.Refresh()

	watchCtx, stopWatch := context.WithCancel(ctx)
	go resolver.Watch(watchCtx, cfg.RefreshInterval)
	mgr.Add("service watcher", func(context.Context) error {
		stopWatch()
		return nil
	})

	router := gateway.NewRouter(gateway.Config{
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerTimeout:   cfg.BreakerTimeout,
	}, resolver, client.NewDownstream(cfg.CallTimeout), logg)

	if cfg.Log.Env == config.EnvDocker {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), handlers.RequestLogger(logg))
	router.Register(engine)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: engine,
	}
	go func() {
		logg.Info("API gateway listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.Int("breaker_threshold", cfg.BreakerThreshold),
			zap.Duration("breaker_timeout", cfg.BreakerTimeout),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mgr.Fail(fmt.Errorf("http server: %w", err))
		}
	}()
	mgr.Add("http server", shutdown.HTTPServer(srv))

	return mgr.Wait(ctx)
}
