package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/push-fanout/internal/domain"
	"github.com/kursadbilgin/push-fanout/internal/observability"
	"github.com/kursadbilgin/push-fanout/internal/queue"
	"github.com/kursadbilgin/push-fanout/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSweepInterval   = 30 * time.Second
	defaultSweepStaleAfter = 2 * time.Minute
	defaultSweepLimit      = 100
)

// PendingSweeper re-publishes notifications that have sat in pending longer
// than staleAfter, covering lost or never-published delivery messages.
// Duplicate messages are harmless since only one worker wins the claim.
type PendingSweeper struct {
	notifications repository.NotificationRepository
	publisher     queue.Publisher
	logger        *zap.Logger
	metrics       *observability.Metrics
	interval      time.Duration
	staleAfter    time.Duration
	limit         int
	now           func() time.Time
}

func NewPendingSweeper(
	notifications repository.NotificationRepository,
	publisher queue.Publisher,
	interval time.Duration,
	staleAfter time.Duration,
	limit int,
	logger *zap.Logger,
) (*PendingSweeper, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultSweepStaleAfter
	}
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PendingSweeper{
		notifications: notifications,
		publisher:     publisher,
		logger:        logger,
		interval:      interval,
		staleAfter:    staleAfter,
		limit:         limit,
		now:           time.Now,
	}, nil
}

func (s *PendingSweeper) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *PendingSweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("pending sweeper initial sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("pending sweeper sweep failed", zap.Error(err))
			}
		}
	}
}

// sweep returns the number of notifications re-published.
func (s *PendingSweeper) sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	stale, err := s.notifications.ListByStatus(ctx, domain.StatusPending, cutoff, s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale pending notifications: %w", err)
	}

	published := 0
	for i := range stale {
		notification := stale[i]
		msg := queue.DeliveryMessage{
			NotificationID: notification.ID,
			UserID:         notification.UserID,
			Reason:         queue.ReasonSwept,
		}

		if err := s.publisher.Publish(ctx, queue.DeliveryQueue, msg); err != nil {
			s.logger.Error("failed to re-publish pending notification",
				zap.String("notificationId", notification.ID),
				zap.Error(err),
			)
			continue
		}
		published++
	}

	if published > 0 {
		s.metrics.AddSwept(published)
		s.logger.Info("re-published stale pending notifications", zap.Int("count", published))
	}

	return published, nil
}
