package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/randomcorp/platform/pkg/common/config"
	"github.com/randomcorp/platform/pkg/common/database"
	"github.com/randomcorp/platform/pkg/common/kafka"
	"github.com/randomcorp/platform/pkg/common/logger"
	"github.com/randomcorp/platform/pkg/common/tasks"
	"github.com/randomcorp/platform/pkg/gateway/middleware"
	"github.com/randomcorp/platform/pkg/observability/metrics"
	"github.com/randomcorp/platform/pkg/submission"
)

func main() {
	logger.Init()
	cfg := config.Load()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := database.NewManager(cfg.Database,
		database.WithProvisioner(database.NewProvisioner(cfg.Database, database.OpenPostgres, submission.Models()...)),
		database.WithStateHook(func(s database.State) {
			metrics.ObserveStoreReady(s == database.StateReady)
		}),
	)

	if err := manager.Initialize(ctx); err != nil {
		switch {
		case !cfg.Database.FallbackEnabled:
			logger.Log.WithError(err).Fatal("failed to initialize database and fallback is disabled")
		case errors.Is(err, database.ErrConfiguration):
			logger.Log.WithError(err).Warn("database not configured, serving from in-memory store")
		default:
			logger.Log.WithError(err).Warn("database unavailable, serving from in-memory store")
		}
	}
	go manager.Monitor(ctx, cfg.Database.HealthInterval)

	if err := metrics.RegisterPool(manager.PoolStats); err != nil {
		logger.Log.WithError(err).Warn("failed to register pool metrics")
	}

	var cache submission.StatsCache
	redisClient := database.NewRedis(ctx, cfg)
	if redisClient != nil {
		defer redisClient.Close()
		cache = submission.NewRedisCache(redisClient, cfg.StatsCacheTTL)
	}

	var events submission.EventPublisher
	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaSubmissionsTopic)
	if producer != nil {
		events = producer
	}

	var enricher submission.Enricher = submission.NewLocalEnricher()
	if cfg.EnrichmentURL != "" {
		enricher = submission.NewHTTPEnricher(cfg.EnrichmentURL, cfg.EnrichmentTimeout, enricher)
	}

	catalog, err := submission.LoadMessages(cfg.MessagesFile)
	switch {
	case catalog == nil:
		logger.Log.WithError(err).WithField("path", cfg.MessagesFile).Fatal("invalid message catalog")
	case err != nil:
		logger.Log.WithError(err).WithField("path", cfg.MessagesFile).Warn("using built-in messages")
	}

	queue := tasks.NewQueue(tasks.Config{
		Workers:   cfg.TaskWorkers,
		QueueSize: cfg.TaskQueueSize,
		Attempts:  cfg.TaskAttempts,
		BaseDelay: cfg.TaskBaseDelay,
		Timeout:   cfg.Database.CommandTimeout,
	}, metrics.ObserveTask)
	queue.Start()

	gateway := submission.NewGateway(
		manager,
		submission.NewRepository(manager),
		submission.NewMemoryStore(),
		cfg.Database.FallbackEnabled,
		submission.WithDegradeHook(func(op string, _ error) { metrics.ObserveDegraded(op) }),
	)
	aggregator := submission.NewAggregator(gateway, cache)

	svc := submission.NewService(submission.Options{
		MaxBatch:         cfg.IngestMaxBatch,
		DeferPersistence: cfg.IngestDeferPersistence,
	}, submission.NewValidator(), catalog, enricher, gateway, aggregator, queue, events)
	handler := submission.NewHTTPHandler(svc, cfg.MaxRequestBody)

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	router.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	router.Use(middleware.BodyLimit(cfg.MaxRequestBody))

	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	handler.Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      middleware.CORS(cfg.CORSAllowedOrigins)(router),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":  cfg.ServerHost,
			"port":  cfg.ServerPort,
			"mode":  gateway.Mode(),
			"defer": cfg.IngestDeferPersistence,
		}).Info("Submission Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Submission Service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	// queued writes still need the pool
	if err := queue.Stop(shutdownCtx); err != nil {
		logger.Log.WithError(err).WithField("pending", queue.Stats().Pending).Error("background tasks abandoned")
	}
	cancel()

	if err := producer.Close(); err != nil {
		logger.Log.WithError(err).Warn("failed to close kafka producer")
	}
	if err := manager.Shutdown(); err != nil {
		logger.Log.WithError(err).Warn("failed to close database pool")
	}

	logger.Log.Info("Submission Service stopped")
}
