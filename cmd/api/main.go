package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sealtrack/webhook-service/internal/config"
	"github.com/sealtrack/webhook-service/internal/handler"
	receiverHandler "github.com/sealtrack/webhook-service/internal/handler/receiver"
	webhookHandler "github.com/sealtrack/webhook-service/internal/handler/webhook"
	"github.com/sealtrack/webhook-service/internal/middleware"
	"github.com/sealtrack/webhook-service/internal/model"
	"github.com/sealtrack/webhook-service/internal/repository/postgres"
	"github.com/sealtrack/webhook-service/internal/router"
	dispatcherService "github.com/sealtrack/webhook-service/internal/service/dispatcher"
	subscriptionService "github.com/sealtrack/webhook-service/internal/service/subscription"
	"github.com/sealtrack/webhook-service/internal/worker"
	"github.com/sealtrack/webhook-service/pkg/auth"
	"github.com/sealtrack/webhook-service/pkg/logger"
	"github.com/sealtrack/webhook-service/pkg/messaging"
	redisBroker "github.com/sealtrack/webhook-service/pkg/messaging/redis"
	"github.com/sealtrack/webhook-service/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(nil)

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		appLogger.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	baseRepo := postgres.NewBaseRepository(db)
	subscriptionRepo := postgres.NewSubscriptionRepository(baseRepo)
	deliveryRepo := postgres.NewDeliveryRepository(baseRepo)

	appMetrics := metrics.NewMetrics("webhook_api")

	// Redis is optional: without it, wake-ups stay in-process and remote
	// workers rely on the poll loop alone.
	var broker messaging.Broker
	if cfg.Redis.URL != "" {
		broker, err = redisBroker.NewRedisBroker(redisBroker.Config{
			URL:          cfg.Redis.URL,
			MaxRetries:   cfg.Redis.MaxRetries,
			RetryBackoff: cfg.Redis.RetryBackoff,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, &appLogger.ZL)
		if err != nil {
			appLogger.Fatal(err, "failed to connect to Redis")
		}
		defer broker.Close()
	}

	deliveryWorker := worker.NewDeliveryWorker(
		subscriptionRepo,
		deliveryRepo,
		worker.Config{
			Concurrency:      cfg.Delivery.Concurrency,
			QueueSize:        cfg.Delivery.QueueSize,
			BatchSize:        cfg.Delivery.BatchSize,
			PollInterval:     cfg.Delivery.PollInterval,
			SendTimeout:      cfg.Delivery.SendTimeout,
			BreakerThreshold: cfg.Delivery.BreakerThreshold,
		},
		appLogger.WithFields(map[string]interface{}{"component": "delivery_worker"}),
		appMetrics,
	)

	dispatcher := dispatcherService.NewService(
		subscriptionRepo,
		deliveryRepo,
		deliveryWorker.Queue(),
		broker,
		dispatcherService.Config{
			WakeChannel: cfg.Delivery.WakeChannel,
			CacheTTL:    cfg.Delivery.CacheTTL,
		},
		appLogger,
		appMetrics,
	)

	subscriptionSvc := subscriptionService.NewService(
		subscriptionRepo,
		dispatcher,
		model.RetryPolicy{
			MaxAttempts:       cfg.Delivery.DefaultMaxAttempts,
			InitialDelayMs:    cfg.Delivery.DefaultInitialDelayMs,
			BackoffMultiplier: cfg.Delivery.DefaultBackoffMultiplier,
		},
		appLogger,
	)

	jwtService := auth.NewJWTService(cfg.Auth.JWTSecret)
	authMiddleware := middleware.NewAuthMiddleware(jwtService)

	h := handler.NewHandler()
	webhookH := webhookHandler.NewHandler(subscriptionSvc, dispatcher, deliveryRepo)
	receiverH := receiverHandler.NewHandler(cfg.Auth.ReceiverSecret, appLogger)

	r := router.NewRouter(authMiddleware, webhookH, receiverH, h, router.Config{
		RateLimitEnabled:  cfg.RateLimit.Enabled,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		MetricsPrefix:     "webhook_api",
	})
	r.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go deliveryWorker.Start(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		appLogger.Info("starting server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal(err, "failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("shutting down server...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(err, "server shutdown failed")
		os.Exit(1)
	}
}
