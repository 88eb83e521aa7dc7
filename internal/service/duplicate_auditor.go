package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/push-fanout/internal/dedup"
	"github.com/kursadbilgin/push-fanout/internal/observability"
	"github.com/kursadbilgin/push-fanout/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultAuditInterval    = time.Hour
	defaultAuditUsersPerSec = 50
)

// Finding is a user whose devices share push tokens.
type Finding struct {
	UserID        string
	TotalEligible int
	UniqueCount   int
}

// Redundant is the number of sends dedup saves for this user.
func (f Finding) Redundant() int {
	return f.TotalEligible - f.UniqueCount
}

// UserFailure is a per-user read error that was skipped.
type UserFailure struct {
	UserID string
	Err    error
}

type AuditSummary struct {
	UsersScanned int
	Findings     []Finding
	Failures     []UserFailure
	Duration     time.Duration
}

// DuplicateAuditor scans every user's devices and reports users with
// duplicate tokens. It never writes to the store.
type DuplicateAuditor struct {
	devices      repository.DeviceRepository
	deduplicator *dedup.Deduplicator
	limiter      *rate.Limiter
	interval     time.Duration
	logger       *zap.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

func NewDuplicateAuditor(
	devices repository.DeviceRepository,
	deduplicator *dedup.Deduplicator,
	usersPerSec int,
	interval time.Duration,
	logger *zap.Logger,
) (*DuplicateAuditor, error) {
	if devices == nil {
		return nil, fmt.Errorf("device repository is required")
	}
	if deduplicator == nil {
		deduplicator = dedup.New(dedup.NewTokenFormat())
	}
	if usersPerSec <= 0 {
		usersPerSec = defaultAuditUsersPerSec
	}
	if interval <= 0 {
		interval = defaultAuditInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DuplicateAuditor{
		devices:      devices,
		deduplicator: deduplicator,
		limiter:      rate.NewLimiter(rate.Limit(usersPerSec), 1),
		interval:     interval,
		logger:       logger,
		now:          time.Now,
	}, nil
}

func (a *DuplicateAuditor) SetMetrics(metrics *observability.Metrics) {
	if a == nil {
		return
	}
	a.metrics = metrics
}

// Run audits every user once. Only a failure to enumerate users aborts the
// run; per-user failures are collected in the summary.
func (a *DuplicateAuditor) Run(ctx context.Context) (*AuditSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := a.now()

	userIDs, err := a.devices.ListUserIDs(ctx)
	if err != nil {
		a.metrics.IncAuditAborted()
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	summary := &AuditSummary{}
	redundant := 0
	for _, userID := range userIDs {
		if err := a.limiter.Wait(ctx); err != nil {
			a.metrics.IncAuditAborted()
			return summary, err
		}

		devices, err := a.devices.ListDevices(ctx, userID)
		if err != nil {
			a.logger.Warn("audit skipped user",
				zap.String("userId", userID),
				zap.Error(err),
			)
			summary.Failures = append(summary.Failures, UserFailure{UserID: userID, Err: err})
			continue
		}
		summary.UsersScanned++

		result := a.deduplicator.Deduplicate(devices)
		if !result.HasDuplicates() {
			continue
		}

		finding := Finding{
			UserID:        userID,
			TotalEligible: result.TotalEligible,
			UniqueCount:   result.UniqueCount,
		}
		summary.Findings = append(summary.Findings, finding)
		redundant += finding.Redundant()

		a.logger.Info("duplicate push tokens found",
			zap.String("userId", userID),
			zap.Int("totalEligible", finding.TotalEligible),
			zap.Int("unique", finding.UniqueCount),
		)
	}

	summary.Duration = a.now().Sub(start)
	a.metrics.SetAuditResult(len(summary.Findings), redundant, len(summary.Failures))

	a.logger.Info("duplicate audit finished",
		zap.Int("usersScanned", summary.UsersScanned),
		zap.Int("findings", len(summary.Findings)),
		zap.Int("failures", len(summary.Failures)),
		zap.Duration("duration", summary.Duration),
	)

	return summary, nil
}

// Start runs the audit immediately and then on every interval tick.
func (a *DuplicateAuditor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := a.Run(ctx); err != nil && ctx.Err() == nil {
		a.logger.Error("duplicate audit failed", zap.Error(err))
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.Run(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.logger.Error("duplicate audit failed", zap.Error(err))
			}
		}
	}
}
