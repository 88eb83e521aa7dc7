package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/push-fanout/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultSendsPerSec int64 = 100
	window                   = time.Second
	minRetryAfter            = 5 * time.Millisecond
	keyPrefix                = "push:ratelimit"
)

// countScript increments the send counter of the current window and returns
// the new count. The key expires with its window.
var countScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter caps provider sends per scope across every worker process
// with a fixed one-second window counter in Redis.
type RedisRateLimiter struct {
	client      *goredis.Client
	sendsPerSec int64
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, sendsPerSec int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, int64(sendsPerSec), time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client *goredis.Client,
	sendsPerSec int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if sendsPerSec <= 0 {
		sendsPerSec = defaultSendsPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client:      client,
		sendsPerSec: sendsPerSec,
		now:         nowFn,
		sleep:       sleepFn,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, scope string) (bool, error) {
	allowed, _, err := r.reserve(ctx, scope)
	return allowed, err
}

// Wait blocks until a send slot in scope is available or ctx is done. When the
// window is full it sleeps until the next window opens.
func (r *RedisRateLimiter) Wait(ctx context.Context, scope string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		allowed, retryAfter, err := r.reserve(ctx, scope)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		if err := r.sleep(ctx, retryAfter); err != nil {
			return err
		}
	}
}

func (r *RedisRateLimiter) reserve(ctx context.Context, scope string) (bool, time.Duration, error) {
	if r == nil || r.client == nil {
		return false, 0, fmt.Errorf("rate limiter is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	normalized, err := ratelimit.NormalizeScope(scope)
	if err != nil {
		return false, 0, err
	}

	now := r.now()
	count, err := countScript.Run(ctx, r.client, []string{windowKey(normalized, now)}, window.Milliseconds()).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("failed to evaluate rate limit for %s: %w", normalized, err)
	}
	if count <= r.sendsPerSec {
		return true, 0, nil
	}

	return false, untilNextWindow(now), nil
}

func windowKey(scope string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d", keyPrefix, scope, now.UTC().Unix())
}

func untilNextWindow(now time.Time) time.Duration {
	remaining := now.Truncate(window).Add(window).Sub(now)
	if remaining < minRetryAfter {
		return minRetryAfter
	}
	return remaining
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
