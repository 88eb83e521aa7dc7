package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/push-fanout/internal/config"
	"github.com/kursadbilgin/push-fanout/internal/dedup"
	"github.com/kursadbilgin/push-fanout/internal/handler"
	"github.com/kursadbilgin/push-fanout/internal/infra/postgresql"
	"github.com/kursadbilgin/push-fanout/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/push-fanout/internal/infra/redis"
	"github.com/kursadbilgin/push-fanout/internal/observability"
	"github.com/kursadbilgin/push-fanout/internal/queue"
	"github.com/kursadbilgin/push-fanout/internal/repository"
	"github.com/kursadbilgin/push-fanout/internal/service"
	"github.com/kursadbilgin/push-fanout/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.PoolOptions{})
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()
	}

	var (
		publisher queue.Publisher
		broker    handler.Pinger
	)
	if cfg.RabbitMQURL != "" {
		rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			logger.Fatal("rabbitmq initialization failed", zap.Error(err))
		}
		defer rabbit.Close()

		publisher = queue.NewRabbitMQPublisher(rabbit)
		broker = rabbit
	} else {
		logger.Warn("RABBITMQ_URL not set, notifications stay pending until a worker sweeps them")
	}

	metrics := observability.NewMetrics()

	notificationService, err := service.NewNotificationService(
		repository.NewGormNotificationRepo(db),
		repository.NewGormDeviceRepo(db),
		repository.NewGormAttemptRepo(db),
		dedup.New(dedup.NewTokenFormat(cfg.TokenPrefixes()...)),
		publisher,
		logger,
	)
	if err != nil {
		logger.Fatal("notification service init failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:               "push-fanout-api",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb, broker)
	handler.RegisterMetricsRoute(app, metrics)
	if err := handler.RegisterNotificationRoutes(app, notificationService); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("push-fanout api started", zap.Int("port", cfg.APIPort))
		serveErr <- app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutting down api")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("http server shutdown failed", zap.Error(err))
		}
	}
}
