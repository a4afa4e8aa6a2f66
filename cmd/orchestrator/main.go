package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/travel-saga-orchestrator/internal/api"
	"github.com/prohmpiriya/travel-saga-orchestrator/internal/broker"
	"github.com/prohmpiriya/travel-saga-orchestrator/internal/coordinator"
	"github.com/prohmpiriya/travel-saga-orchestrator/internal/notify"
	"github.com/prohmpiriya/travel-saga-orchestrator/internal/orchestrator"
	"github.com/prohmpiriya/travel-saga-orchestrator/internal/store"
	"github.com/prohmpiriya/travel-saga-orchestrator/internal/sweep"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/config"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/database"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/logger"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/middleware"
	pkgredis "github.com/prohmpiriya/travel-saga-orchestrator/pkg/redis"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/retry"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logLevel := "info"
	if cfg.App.Debug {
		logLevel = "debug"
	}
	logCfg := &logger.Config{
		Level:       logLevel,
		ServiceName: cfg.App.Name,
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	appLog := logger.Get()
	appLog.Info("starting travel saga orchestrator", "version", cfg.App.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelCfg := &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
	}
	if _, err := telemetry.Init(ctx, otelCfg); err != nil {
		appLog.Fatal(fmt.Sprintf("failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(ctx)

	dbCfg := &database.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        int32(cfg.Database.MaxOpenConns),
		MinConns:        int32(cfg.Database.MaxIdleConns),
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
		MaxRetries:      3,
		RetryInterval:   2 * time.Second,
		EnableTracing:   cfg.OTel.Enabled,
		ServiceName:     cfg.OTel.ServiceName,
	}
	db, err := database.NewPostgres(ctx, dbCfg)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("failed to connect to postgres: %v", err))
	}
	defer db.Close()
	appLog.Info("postgres connected")

	redisCfg := &pkgredis.Config{
		Host:          cfg.Redis.Host,
		Port:          cfg.Redis.Port,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		PoolSize:      cfg.Redis.PoolSize,
		MinIdleConns:  cfg.Redis.MinIdleConns,
		DialTimeout:   cfg.Redis.DialTimeout,
		ReadTimeout:   cfg.Redis.ReadTimeout,
		WriteTimeout:  cfg.Redis.WriteTimeout,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
	}
	redisClient, err := pkgredis.NewClient(ctx, redisCfg)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("failed to connect to redis: %v", err))
	}
	defer redisClient.Close()
	appLog.Info("redis connected")

	producer, err := broker.NewKafkaProducer(ctx, &broker.KafkaProducerConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("failed to create kafka producer: %v", err))
	}
	defer producer.Close()
	appLog.Info("kafka producer connected")

	sagaStore := store.NewStore(db)
	coord := coordinator.NewCoordinator(redisClient)
	hub := notify.NewHub(time.Duration(cfg.Saga.NotificationTimeoutSec) * time.Second)

	orch := orchestrator.NewOrchestrator(&orchestrator.Config{
		Store:                     sagaStore,
		Coordinator:               coord,
		Producer:                  producer,
		Notifier:                  hub,
		Logger:                    appLog,
		RateLimitPerUserPerMinute: int64(cfg.Saga.RateLimitPerUserPerMin),
		LockTTL:                   time.Duration(cfg.Saga.LockTTLSeconds) * time.Second,
		HotCacheTTL:               time.Duration(cfg.Saga.HotCacheTTLSeconds) * time.Second,
		StepsTTL:                  time.Duration(cfg.Saga.StepsTTLSeconds) * time.Second,
		BookingIDPrefix:           cfg.Saga.BookingIDPrefix,
		PublishRetry: &retry.Config{
			MaxRetries:      cfg.Saga.PublishMaxRetries,
			InitialInterval: time.Duration(cfg.Saga.PublishRetryInitialMs) * time.Millisecond,
			MaxInterval:     time.Duration(cfg.Saga.PublishRetryMaxMs) * time.Millisecond,
			Multiplier:      2.0,
			JitterFactor:    0.1,
		},
		DeadLetterStore: sagaStore,
		DLQRetry: &retry.Config{
			MaxRetries:      cfg.Saga.DLQMaxRetries,
			InitialInterval: time.Duration(cfg.Saga.DLQRetryInitialMs) * time.Millisecond,
			MaxInterval:     time.Duration(cfg.Saga.DLQRetryMaxMs) * time.Millisecond,
			Multiplier:      2.0,
			JitterFactor:    0.1,
		},
	})

	consumer, err := broker.NewConsumer(ctx, &broker.ConsumerConfig{
		Brokers:  cfg.Kafka.Brokers,
		GroupID:  cfg.Kafka.ConsumerGroup,
		ClientID: cfg.Kafka.ClientID,
		Topics:   broker.AllConfirmationTopics(),
	}, newReservationEventHandler(orch, appLog))
	if err != nil {
		appLog.Fatal(fmt.Sprintf("failed to create kafka consumer: %v", err))
	}
	defer consumer.Stop()

	go func() {
		if err := consumer.Start(ctx); err != nil && err != context.Canceled {
			appLog.Error("broker consumer stopped", "error", err)
		}
	}()

	sweeper := sweep.NewSweeper(&sweep.Config{
		Scanner:  coord,
		Orch:     orch,
		Interval: sweep.DefaultConfig().Interval,
		Deadline: time.Duration(cfg.Saga.LockTTLSeconds) * time.Second,
	})
	if err := sweeper.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("failed to start sweeper: %v", err))
	}
	defer sweeper.Stop()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(telemetry.TracingMiddleware(cfg.OTel.ServiceName))

	// IdempotencyMiddleware's own RequiredMethods filter (default
	// POST/PUT/PATCH/DELETE) already scopes it to /bookings, the only
	// mutating route this service exposes.
	idem := middleware.DefaultIdempotencyConfig(redisClient)
	router.Use(middleware.IdempotencyMiddleware(idem))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api.NewHandler(orch, hub).Register(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		appLog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal(fmt.Sprintf("http server failed: %v", err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http server shutdown error", "error", err)
	}

	appLog.Info("travel saga orchestrator stopped")
}

// newReservationEventHandler dispatches confirmation/failure records from
// the consumer group into the orchestrator's per-leg handlers.
func newReservationEventHandler(orch *orchestrator.Orchestrator, log orchestrator.Logger) broker.Handler {
	return func(ctx context.Context, topic string, key, value []byte) error {
		var event broker.ReservationEvent
		if err := json.Unmarshal(value, &event); err != nil {
			log.Error("failed to decode reservation event", "topic", topic, "error", err)
			return err
		}

		if leg, ok := broker.LegFromConfirmedTopic(topic); ok {
			return orch.HandleLegConfirmed(ctx, leg, event)
		}
		if leg, ok := broker.LegFromFailedTopic(topic); ok {
			return orch.HandleLegFailed(ctx, leg, event)
		}
		log.Warn("received event on unrecognized topic", "topic", topic)
		return nil
	}
}
