package service

import (
	"context"
	"time"

	"github.com/kursadbilgin/push-fanout/internal/observability"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	defaultInvalidTokenReportTTL = 24 * time.Hour
	invalidTokenCleanupInterval  = 10 * time.Minute
)

// InvalidTokenReporter logs tokens the provider rejected permanently so the
// device registration flow can prune them. The same user/token pair is
// reported at most once per TTL.
type InvalidTokenReporter struct {
	seen    *gocache.Cache
	logger  *zap.Logger
	metrics *observability.Metrics
}

var _ InvalidTokenSink = (*InvalidTokenReporter)(nil)

func NewInvalidTokenReporter(ttl time.Duration, logger *zap.Logger) *InvalidTokenReporter {
	if ttl <= 0 {
		ttl = defaultInvalidTokenReportTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &InvalidTokenReporter{
		seen:   gocache.New(ttl, invalidTokenCleanupInterval),
		logger: logger,
	}
}

func (r *InvalidTokenReporter) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

func (r *InvalidTokenReporter) Report(ctx context.Context, userID string, tokens []string) {
	if r == nil {
		return
	}

	logger := observability.WithContextLogger(r.logger, ctx)
	for _, token := range tokens {
		// Add fails when the key is already present and unexpired.
		if err := r.seen.Add(userID+"|"+token, struct{}{}, gocache.DefaultExpiration); err != nil {
			continue
		}

		r.metrics.IncInvalidTokenReported()
		logger.Warn("push token rejected permanently, schedule device cleanup",
			zap.String("userId", userID),
			zap.String("token", token),
		)
	}
}

// Pending returns the number of distinct user/token pairs reported within the TTL.
func (r *InvalidTokenReporter) Pending() int {
	if r == nil {
		return 0
	}
	return r.seen.ItemCount()
}
