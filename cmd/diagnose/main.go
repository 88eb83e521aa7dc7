package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/kursadbilgin/push-fanout/internal/config"
	"github.com/kursadbilgin/push-fanout/internal/dedup"
	"github.com/kursadbilgin/push-fanout/internal/domain"
	"github.com/kursadbilgin/push-fanout/internal/infra/postgresql"
	"github.com/kursadbilgin/push-fanout/internal/observability"
	"github.com/kursadbilgin/push-fanout/internal/provider"
	"github.com/kursadbilgin/push-fanout/internal/repository"
	"github.com/kursadbilgin/push-fanout/internal/service"
	"go.uber.org/zap"
)

// diagnose creates a synthetic notification for one user, drives a single
// delivery attempt in-process and prints what happened per token.
func main() {
	userID := flag.String("user", "", "user id to diagnose (required)")
	notificationType := flag.String("type", "diagnostic", "notification type")
	sender := flag.String("sender", "push-fanout", "sender name")
	message := flag.String("message", "Diagnostic push", "message body")
	flag.Parse()

	if strings.TrimSpace(*userID) == "" {
		flag.Usage()
		os.Exit(2)
	}

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

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.PoolOptions{MaxOpenConns: 4})
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	pushProvider, err := provider.NewExpoProvider(cfg.PushProviderURL)
	if err != nil {
		logger.Fatal("push provider init failed", zap.Error(err))
	}

	notifications := repository.NewGormNotificationRepo(db)
	devices := repository.NewGormDeviceRepo(db)
	attempts := repository.NewGormAttemptRepo(db)
	deduplicator := dedup.New(dedup.NewTokenFormat(cfg.TokenPrefixes()...))

	// No publisher: the record is delivered below instead of through the queue.
	notificationService, err := service.NewNotificationService(notifications, devices, attempts, deduplicator, nil, logger)
	if err != nil {
		logger.Fatal("notification service init failed", zap.Error(err))
	}

	worker, err := service.NewDeliveryWorker(notifications, devices, attempts, deduplicator, pushProvider,
		service.DeliveryWorkerConfig{
			MaxAttempts:       cfg.MaxAttempts,
			FanoutConcurrency: cfg.FanoutConcurrency,
			SendTimeout:       cfg.SendTimeout,
		},
		logger,
	)
	if err != nil {
		logger.Fatal("delivery worker init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolution, err := notificationService.ResolveTargets(ctx, *userID)
	if err != nil {
		logger.Fatal("target resolution failed", zap.Error(err))
	}
	printResolution(os.Stdout, resolution)

	created, err := notificationService.Create(ctx, &domain.Notification{
		UserID:     *userID,
		Type:       *notificationType,
		SenderName: *sender,
		Message:    *message,
	})
	if err != nil {
		logger.Fatal("failed to create diagnostic notification", zap.Error(err))
	}

	report, err := worker.Deliver(ctx, created.ID)
	if err != nil {
		logger.Fatal("delivery failed", zap.String("notificationId", created.ID), zap.Error(err))
	}
	if report == nil {
		fmt.Fprintf(os.Stdout, "\nnotification %s was claimed elsewhere, nothing delivered\n", created.ID)
		return
	}
	printReport(os.Stdout, report)
}

func printResolution(out io.Writer, r *service.TargetResolution) {
	fmt.Fprintf(out, "user %s: %d devices, %d eligible tokens, %d unique, %d malformed\n",
		r.UserID, len(r.Devices), r.Targets.TotalEligible, r.Targets.UniqueCount, r.Targets.Malformed)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tTOKEN")
	for _, d := range r.Devices {
		fmt.Fprintf(tw, "%s\t%s\n", d.DeviceID, d.PushToken)
	}
	_ = tw.Flush()
}

func printReport(out io.Writer, r *service.DeliveryReport) {
	fmt.Fprintf(out, "\nnotification %s attempt %d: status=%s pushed=%t",
		r.NotificationID, r.AttemptNumber, r.Status, r.Pushed)
	if r.FailureReason != "" {
		fmt.Fprintf(out, " reason=%s", r.FailureReason)
	}
	fmt.Fprintln(out)

	if len(r.Results) == 0 {
		return
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tOUTCOME\tSTATUS\tDURATION\tERROR")
	for _, res := range r.Results {
		status := "-"
		if res.StatusCode != nil {
			status = fmt.Sprintf("%d", *res.StatusCode)
		}
		errText := ""
		if res.Err != nil {
			errText = res.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", res.Token, res.Outcome, status, res.Duration, errText)
	}
	_ = tw.Flush()

	if len(r.InvalidTokens) > 0 {
		fmt.Fprintf(out, "tokens rejected permanently: %s\n", strings.Join(r.InvalidTokens, ", "))
	}
}
