package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

// Config is shared by every binary. Durations are read as Go duration strings
// (e.g. "10s") and parsed by Load.
type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
	RedisURL    string `env:"REDIS_URL"`

	PushProviderURL   string `env:"PUSH_PROVIDER_URL,default=https://exp.host/--/api/v2/push/send"`
	PushTokenPrefixes string `env:"PUSH_TOKEN_PREFIXES,default=ExponentPushToken[|ExpoPushToken["`

	MaxAttempts       int `env:"MAX_ATTEMPTS,default=5"`
	FanoutConcurrency int `env:"FANOUT_CONCURRENCY,default=8"`
	WorkerConcurrency int `env:"WORKER_CONCURRENCY,default=16"`
	RateLimitPerSec   int `env:"RATE_LIMIT_PER_SEC,default=100"`
	AuditUsersPerSec  int `env:"AUDIT_USERS_PER_SEC,default=50"`

	SendTimeoutRaw           string `env:"SEND_TIMEOUT,default=10s"`
	SweepIntervalRaw         string `env:"SWEEP_INTERVAL,default=30s"`
	SweepStaleAfterRaw       string `env:"SWEEP_STALE_AFTER,default=2m"`
	AuditIntervalRaw         string `env:"AUDIT_INTERVAL,default=1h"`
	InvalidTokenReportTTLRaw string `env:"INVALID_TOKEN_REPORT_TTL,default=24h"`

	APIPort    int    `env:"API_PORT,default=8080"`
	WorkerPort int    `env:"WORKER_PORT,default=9090"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`

	SendTimeout           time.Duration
	SweepInterval         time.Duration
	SweepStaleAfter       time.Duration
	AuditInterval         time.Duration
	InvalidTokenReportTTL time.Duration
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{key: "SEND_TIMEOUT", raw: cfg.SendTimeoutRaw, dst: &cfg.SendTimeout},
		{key: "SWEEP_INTERVAL", raw: cfg.SweepIntervalRaw, dst: &cfg.SweepInterval},
		{key: "SWEEP_STALE_AFTER", raw: cfg.SweepStaleAfterRaw, dst: &cfg.SweepStaleAfter},
		{key: "AUDIT_INTERVAL", raw: cfg.AuditIntervalRaw, dst: &cfg.AuditInterval},
		{key: "INVALID_TOKEN_REPORT_TTL", raw: cfg.InvalidTokenReportTTLRaw, dst: &cfg.InvalidTokenReportTTL},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %s: %w", d.key, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("failed to load config: %s must be positive", d.key)
		}
		*d.dst = parsed
	}

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("failed to load config: MAX_ATTEMPTS must be at least 1")
	}
	if cfg.FanoutConcurrency < 1 {
		return nil, fmt.Errorf("failed to load config: FANOUT_CONCURRENCY must be at least 1")
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, fmt.Errorf("failed to load config: WORKER_CONCURRENCY must be at least 1")
	}

	return &cfg, nil
}

// TokenPrefixes splits PUSH_TOKEN_PREFIXES on "|"; commas are not usable
// because they may appear in provider prefixes.
func (c *Config) TokenPrefixes() []string {
	if c == nil {
		return nil
	}

	var prefixes []string
	for _, part := range strings.Split(c.PushTokenPrefixes, "|") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			prefixes = append(prefixes, trimmed)
		}
	}
	return prefixes
}
