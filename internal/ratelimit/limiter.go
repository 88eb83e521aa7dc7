package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles outbound sends per scope, usually one scope per push provider.
type RateLimiter interface {
	Allow(ctx context.Context, scope string) (bool, error)
	Wait(ctx context.Context, scope string) error
}

// NormalizeScope lowercases and trims a scope name.
func NormalizeScope(scope string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(scope))
	if normalized == "" {
		return "", fmt.Errorf("rate limit scope is required")
	}
	return normalized, nil
}

var _ RateLimiter = (*LocalRateLimiter)(nil)

// LocalRateLimiter is a process-local token bucket per scope. It is used when
// no Redis is configured, so the limit applies per worker process.
type LocalRateLimiter struct {
	perSec float64
	burst  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalRateLimiter(perSec int) *LocalRateLimiter {
	if perSec <= 0 {
		perSec = 1
	}
	return &LocalRateLimiter{
		perSec:   float64(perSec),
		burst:    perSec,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *LocalRateLimiter) Allow(_ context.Context, scope string) (bool, error) {
	limiter, err := l.limiter(scope)
	if err != nil {
		return false, err
	}
	return limiter.Allow(), nil
}

func (l *LocalRateLimiter) Wait(ctx context.Context, scope string) error {
	limiter, err := l.limiter(scope)
	if err != nil {
		return err
	}
	return limiter.Wait(ctx)
}

func (l *LocalRateLimiter) limiter(scope string) (*rate.Limiter, error) {
	normalized, err := NormalizeScope(scope)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[normalized]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.perSec), l.burst)
		l.limiters[normalized] = limiter
	}
	return limiter, nil
}
