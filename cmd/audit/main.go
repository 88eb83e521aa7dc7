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
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/kursadbilgin/push-fanout/internal/config"
	"github.com/kursadbilgin/push-fanout/internal/dedup"
	"github.com/kursadbilgin/push-fanout/internal/infra/postgresql"
	"github.com/kursadbilgin/push-fanout/internal/observability"
	"github.com/kursadbilgin/push-fanout/internal/repository"
	"github.com/kursadbilgin/push-fanout/internal/service"
	"go.uber.org/zap"
)

func main() {
	watch := flag.Bool("watch", false, "keep running and audit every AUDIT_INTERVAL")
	flag.Parse()

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

	auditor, err := service.NewDuplicateAuditor(
		repository.NewGormDeviceRepo(db),
		dedup.New(dedup.NewTokenFormat(cfg.TokenPrefixes()...)),
		cfg.AuditUsersPerSec,
		cfg.AuditInterval,
		logger,
	)
	if err != nil {
		logger.Fatal("duplicate auditor init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *watch {
		if err := auditor.Start(ctx); err != nil {
			logger.Error("duplicate auditor stopped", zap.Error(err))
		}
		return
	}

	summary, err := auditor.Run(ctx)
	if err != nil {
		logger.Error("duplicate audit aborted", zap.Error(err))
		os.Exit(1)
	}
	printSummary(os.Stdout, summary)
}

func printSummary(out io.Writer, summary *service.AuditSummary) {
	fmt.Fprintf(out, "users scanned: %d, with duplicates: %d, skipped: %d, took %s\n",
		summary.UsersScanned, len(summary.Findings), len(summary.Failures), summary.Duration)

	if len(summary.Findings) > 0 {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "USER\tELIGIBLE\tUNIQUE\tREDUNDANT")
		for _, f := range summary.Findings {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", f.UserID, f.TotalEligible, f.UniqueCount, f.Redundant())
		}
		_ = tw.Flush()
	}

	for _, failure := range summary.Failures {
		fmt.Fprintf(out, "skipped %s: %v\n", failure.UserID, failure.Err)
	}
}
