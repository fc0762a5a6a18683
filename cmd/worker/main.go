package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sealtrack/webhook-service/internal/config"
	"github.com/sealtrack/webhook-service/internal/repository/postgres"
	"github.com/sealtrack/webhook-service/internal/worker"
	"github.com/sealtrack/webhook-service/pkg/logger"
	redisBroker "github.com/sealtrack/webhook-service/pkg/messaging/redis"
	"github.com/sealtrack/webhook-service/pkg/metrics"
)

func setupHealthCheck(appLogger *logger.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(":8081", mux); err != nil {
			appLogger.ZL.Error().Err(err).Msg("health check server failed")
			os.Exit(1)
		}
	}()
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
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
		metrics.NewMetrics("webhook_worker"),
	)

	setupHealthCheck(appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe to the wake channel so fresh deliveries are picked up
	// immediately instead of on the next poll tick.
	if cfg.Redis.URL != "" && cfg.Delivery.WakeChannel != "" {
		broker, err := redisBroker.NewRedisBroker(redisBroker.Config{
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

		msgChan, err := broker.Subscribe(ctx, cfg.Delivery.WakeChannel)
		if err != nil {
			appLogger.Fatal(err, "failed to subscribe to wake channel")
		}

		go func() {
			for msg := range msgChan {
				// Payload is the JSON-encoded delivery id string.
				raw := string(msg)
				if len(raw) >= 2 && raw[0] == '"' {
					raw = raw[1 : len(raw)-1]
				}
				id, err := uuid.Parse(raw)
				if err != nil {
					appLogger.Warn("ignoring malformed wake-up message", "payload", string(msg))
					continue
				}
				deliveryWorker.Queue().Enqueue(id)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		appLogger.Info("shutting down...")
		cancel()
	}()

	deliveryWorker.Start(ctx)
}
