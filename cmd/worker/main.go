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
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/push-fanout/internal/config"
	"github.com/kursadbilgin/push-fanout/internal/dedup"
	"github.com/kursadbilgin/push-fanout/internal/handler"
	"github.com/kursadbilgin/push-fanout/internal/infra/postgresql"
	infraredis "github.com/kursadbilgin/push-fanout/internal/infra/redis"
	"github.com/kursadbilgin/push-fanout/internal/observability"
	"github.com/kursadbilgin/push-fanout/internal/provider"
	"github.com/kursadbilgin/push-fanout/internal/queue"
	"github.com/kursadbilgin/push-fanout/internal/ratelimit"
	"github.com/kursadbilgin/push-fanout/internal/repository"
	"github.com/kursadbilgin/push-fanout/internal/service"
	"github.com/kursadbilgin/push-fanout/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	sweepBatchLimit  = 200
	consumerPrefetch = 1
	shutdownTimeout  = 10 * time.Second
)

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

	if cfg.RabbitMQURL == "" {
		logger.Fatal("RABBITMQ_URL is required for the worker")
	}

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.PoolOptions{
		MaxOpenConns: cfg.WorkerConcurrency * 2,
	})
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()

	publisher := queue.NewRabbitMQPublisher(rabbit)
	consumer := queue.NewRabbitMQConsumer(rabbit, consumerPrefetch, logger)

	var (
		rdb     *redis.Client
		limiter ratelimit.RateLimiter
	)
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()

		limiter, err = infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
		if err != nil {
			logger.Fatal("rate limiter init failed", zap.Error(err))
		}
	} else {
		logger.Warn("REDIS_URL not set, send rate is limited per process")
		limiter = ratelimit.NewLocalRateLimiter(cfg.RateLimitPerSec)
	}

	pushProvider, err := provider.NewExpoProvider(cfg.PushProviderURL)
	if err != nil {
		logger.Fatal("push provider init failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	notifications := repository.NewGormNotificationRepo(db)

	worker, err := service.NewDeliveryWorker(
		notifications,
		repository.NewGormDeviceRepo(db),
		repository.NewGormAttemptRepo(db),
		dedup.New(dedup.NewTokenFormat(cfg.TokenPrefixes()...)),
		pushProvider,
		service.DeliveryWorkerConfig{
			MaxAttempts:       cfg.MaxAttempts,
			FanoutConcurrency: cfg.FanoutConcurrency,
			WorkerConcurrency: cfg.WorkerConcurrency,
			SendTimeout:       cfg.SendTimeout,
		},
		logger,
	)
	if err != nil {
		logger.Fatal("delivery worker init failed", zap.Error(err))
	}

	invalidTokens := service.NewInvalidTokenReporter(cfg.InvalidTokenReportTTL, logger)
	invalidTokens.SetMetrics(metrics)

	worker.SetMetrics(metrics)
	worker.SetRateLimiter(limiter)
	worker.SetInvalidTokenSink(invalidTokens)

	sweeper, err := service.NewPendingSweeper(
		notifications,
		publisher,
		cfg.SweepInterval,
		cfg.SweepStaleAfter,
		sweepBatchLimit,
		logger,
	)
	if err != nil {
		logger.Fatal("pending sweeper init failed", zap.Error(err))
	}
	sweeper.SetMetrics(metrics)

	probes := fiber.New(fiber.Config{
		AppName:               "push-fanout-worker",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	handler.RegisterHealthRoutes(probes, sqlDB, rdb, rabbit)
	handler.RegisterMetricsRoute(probes, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Start(groupCtx, consumer)
	})
	g.Go(func() error {
		return sweeper.Start(groupCtx)
	})
	g.Go(func() error {
		return probes.Listen(fmt.Sprintf(":%d", cfg.WorkerPort))
	})
	g.Go(func() error {
		<-groupCtx.Done()
		return probes.ShutdownWithTimeout(shutdownTimeout)
	})

	logger.Info("push-fanout worker started",
		zap.Int("workers", cfg.WorkerConcurrency),
		zap.Int("fanout", cfg.FanoutConcurrency),
		zap.Int("maxAttempts", cfg.MaxAttempts),
		zap.Int("probePort", cfg.WorkerPort),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", zap.Error(err))
	}

	if err := consumer.Close(); err != nil {
		logger.Warn("consumer close failed", zap.Error(err))
	}
	logger.Info("push-fanout worker stopped")
}
