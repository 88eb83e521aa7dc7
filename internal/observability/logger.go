package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a JSON production logger. An empty level means info.
func NewLogger(level string) (*zap.Logger, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}
	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	cfg.InitialFields = map[string]any{"service": "push-fanout"}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

// DeliveryScope identifies the notification a piece of work belongs to.
// Empty fields are left out of log lines.
type DeliveryScope struct {
	NotificationID string
	UserID         string
	Reason         string
}

func (s DeliveryScope) fields() []zap.Field {
	fields := make([]zap.Field, 0, 3)
	if s.NotificationID != "" {
		fields = append(fields, zap.String("notificationId", s.NotificationID))
	}
	if s.UserID != "" {
		fields = append(fields, zap.String("userId", s.UserID))
	}
	if s.Reason != "" {
		fields = append(fields, zap.String("trigger", s.Reason))
	}
	return fields
}

type deliveryScopeKey struct{}

func WithDeliveryScope(ctx context.Context, scope DeliveryScope) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, deliveryScopeKey{}, scope)
}

func DeliveryScopeFromContext(ctx context.Context) (DeliveryScope, bool) {
	if ctx == nil {
		return DeliveryScope{}, false
	}
	scope, ok := ctx.Value(deliveryScopeKey{}).(DeliveryScope)
	return scope, ok
}

// WithNotificationID sets the notification id of the scope in ctx, keeping
// any user id or trigger already there.
func WithNotificationID(ctx context.Context, notificationID string) context.Context {
	scope, _ := DeliveryScopeFromContext(ctx)
	scope.NotificationID = notificationID
	return WithDeliveryScope(ctx, scope)
}

func NotificationIDFromContext(ctx context.Context) (string, bool) {
	scope, ok := DeliveryScopeFromContext(ctx)
	if !ok || scope.NotificationID == "" {
		return "", false
	}
	return scope.NotificationID, true
}

// WithContextLogger returns logger annotated with the delivery scope of ctx.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	scope, ok := DeliveryScopeFromContext(ctx)
	if !ok {
		return logger
	}
	fields := scope.fields()
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
