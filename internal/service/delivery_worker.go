package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/push-fanout/internal/dedup"
	"github.com/kursadbilgin/push-fanout/internal/domain"
	"github.com/kursadbilgin/push-fanout/internal/observability"
	"github.com/kursadbilgin/push-fanout/internal/provider"
	"github.com/kursadbilgin/push-fanout/internal/queue"
	"github.com/kursadbilgin/push-fanout/internal/ratelimit"
	"github.com/kursadbilgin/push-fanout/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxAttempts       = 5
	defaultFanoutConcurrency = 8
	defaultSendTimeout       = 10 * time.Second
	minWorkerConcurrency     = 1
	defaultRateLimitScope    = "expo"
	finalizeTimeout          = 5 * time.Second

	claimStage    = "claim"
	finalizeStage = "finalize"
)

// DeliveryWorkerConfig tunes a DeliveryWorker. Zero values fall back to defaults.
type DeliveryWorkerConfig struct {
	MaxAttempts       int
	FanoutConcurrency int
	WorkerConcurrency int
	SendTimeout       time.Duration
	RateLimitScope    string
}

func (c DeliveryWorkerConfig) withDefaults() DeliveryWorkerConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.FanoutConcurrency < 1 {
		c.FanoutConcurrency = defaultFanoutConcurrency
	}
	if c.WorkerConcurrency < minWorkerConcurrency {
		c.WorkerConcurrency = minWorkerConcurrency
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.RateLimitScope == "" {
		c.RateLimitScope = defaultRateLimitScope
	}
	return c
}

// TargetResult is the outcome of one send to one unique token.
type TargetResult struct {
	Token      string
	Outcome    domain.TargetOutcome
	StatusCode *int
	Err        error
	Duration   time.Duration
}

// DeliveryReport describes a completed attempt cycle.
type DeliveryReport struct {
	NotificationID string
	UserID         string
	AttemptNumber  int
	DeviceCount    int
	Targets        dedup.Result
	Results        []TargetResult
	Status         domain.Status
	Pushed         bool
	FailureReason  string
	InvalidTokens  []string
}

// Delivered reports whether at least one target accepted the notification.
func (r *DeliveryReport) Delivered() bool {
	return r != nil && r.Status == domain.StatusSent
}

// InvalidTokenSink receives tokens the provider rejected permanently.
type InvalidTokenSink interface {
	Report(ctx context.Context, userID string, tokens []string)
}

// DeliveryWorker runs attempt cycles: claim, resolve targets, fan out, join,
// then one conditional terminal transition.
type DeliveryWorker struct {
	notifications repository.NotificationRepository
	devices       repository.DeviceRepository
	attempts      repository.AttemptRepository
	deduplicator  *dedup.Deduplicator
	provider      provider.PushProvider
	rateLimiter   ratelimit.RateLimiter
	invalidTokens InvalidTokenSink
	logger        *zap.Logger
	metrics       *observability.Metrics
	cfg           DeliveryWorkerConfig
	now           func() time.Time
}

func NewDeliveryWorker(
	notifications repository.NotificationRepository,
	devices repository.DeviceRepository,
	attempts repository.AttemptRepository,
	deduplicator *dedup.Deduplicator,
	pushProvider provider.PushProvider,
	cfg DeliveryWorkerConfig,
	logger *zap.Logger,
) (*DeliveryWorker, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if devices == nil {
		return nil, fmt.Errorf("device repository is required")
	}
	if pushProvider == nil {
		return nil, fmt.Errorf("push provider is required")
	}
	if deduplicator == nil {
		deduplicator = dedup.New(dedup.NewTokenFormat())
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryWorker{
		notifications: notifications,
		devices:       devices,
		attempts:      attempts,
		deduplicator:  deduplicator,
		provider:      pushProvider,
		logger:        logger,
		cfg:           cfg.withDefaults(),
		now:           time.Now,
	}, nil
}

func (w *DeliveryWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

func (w *DeliveryWorker) SetRateLimiter(limiter ratelimit.RateLimiter) {
	if w == nil {
		return
	}
	w.rateLimiter = limiter
}

func (w *DeliveryWorker) SetInvalidTokenSink(sink InvalidTokenSink) {
	if w == nil {
		return
	}
	w.invalidTokens = sink
}

// Start consumes the delivery queue with WorkerConcurrency consumers until ctx
// is canceled.
func (w *DeliveryWorker) Start(ctx context.Context, consumer queue.Consumer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if consumer == nil {
		return fmt.Errorf("consumer is required")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.WorkerConcurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("delivery worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.DeliveryQueue),
			)

			if err := consumer.Consume(groupCtx, queue.DeliveryQueue, w.handleMessage); err != nil {
				w.logger.Error("delivery worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("delivery worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (w *DeliveryWorker) handleMessage(ctx context.Context, msg queue.DeliveryMessage) error {
	ctx = observability.WithDeliveryScope(ctx, observability.DeliveryScope{
		NotificationID: msg.NotificationID,
		UserID:         msg.UserID,
		Reason:         msg.Reason,
	})
	_, err := w.Deliver(ctx, msg.NotificationID)
	return err
}

// Deliver runs one attempt cycle for notificationID. It returns (nil, nil)
// when another worker owns the record or the record no longer exists.
func (w *DeliveryWorker) Deliver(ctx context.Context, notificationID string) (*DeliveryReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = observability.WithNotificationID(ctx, notificationID)
	logger := observability.WithContextLogger(w.logger, ctx)

	err := w.notifications.Transition(ctx, notificationID, domain.StatusPending, domain.StatusSending, domain.TransitionFields{})
	switch {
	case errors.Is(err, domain.ErrConflict):
		w.metrics.IncClaimConflict(claimStage)
		logger.Debug("notification already claimed, skipping")
		return nil, nil
	case errors.Is(err, domain.ErrNotFound):
		logger.Warn("notification not found during claim, skipping")
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to claim notification: %w", err)
	}

	w.metrics.IncWorkerInFlight()
	defer w.metrics.DecWorkerInFlight()

	notification, err := w.notifications.GetByID(ctx, notificationID)
	if err != nil {
		w.release(ctx, logger, notificationID, nil)
		return nil, fmt.Errorf("failed to load claimed notification: %w", err)
	}

	devices, err := w.devices.ListDevices(ctx, notification.UserID)
	if err != nil {
		w.release(ctx, logger, notificationID, notification)
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	targets := w.deduplicator.Deduplicate(devices)
	w.metrics.ObserveTargets(targets.UniqueCount)
	if targets.Malformed > 0 {
		logger.Warn("skipped malformed push tokens",
			zap.String("userId", notification.UserID),
			zap.Int("malformed", targets.Malformed),
		)
	}

	report := &DeliveryReport{
		NotificationID: notification.ID,
		UserID:         notification.UserID,
		AttemptNumber:  notification.Attempts + 1,
		DeviceCount:    len(devices),
		Targets:        targets,
	}

	if len(targets.Tokens) > 0 {
		report.Results = w.fanOut(ctx, notification, targets.Tokens)
	}

	delivered := false
	for _, result := range report.Results {
		if result.Outcome == domain.OutcomeOK {
			delivered = true
		}
		if result.Outcome == domain.OutcomePermanent && provider.IsInvalidToken(result.Err) {
			report.InvalidTokens = append(report.InvalidTokens, result.Token)
		}
	}

	// Sends that completed must be recorded even if ctx was canceled meanwhile.
	interrupted := ctx.Err() != nil
	finalizeCtx, cancel := w.finalizeContext(ctx)
	defer cancel()

	next, fields := w.terminalTransition(report, delivered, interrupted)
	err = w.notifications.Transition(finalizeCtx, notification.ID, domain.StatusSending, next, fields)
	if errors.Is(err, domain.ErrConflict) {
		// Someone else moved the record; our results are discarded.
		w.metrics.IncClaimConflict(finalizeStage)
		logger.Warn("lost ownership before finalizing, discarding results")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to finalize notification: %w", err)
	}

	if delivered {
		w.metrics.IncNotificationSent()
	} else {
		w.metrics.IncNotificationFailed(report.FailureReason)
	}

	w.recordAttempts(finalizeCtx, logger, report)

	if len(report.InvalidTokens) > 0 && w.invalidTokens != nil {
		w.invalidTokens.Report(finalizeCtx, report.UserID, report.InvalidTokens)
	}

	logger.Info("delivery attempt finished",
		zap.String("userId", report.UserID),
		zap.String("status", report.Status.String()),
		zap.Int("attempt", report.AttemptNumber),
		zap.Int("devices", report.DeviceCount),
		zap.Int("targets", len(report.Targets.Tokens)),
		zap.Int("invalidTokens", len(report.InvalidTokens)),
	)

	return report, nil
}

// finalizeContext detaches ctx from cancellation and bounds the store writes
// that close an attempt cycle.
func (w *DeliveryWorker) finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

// release moves a claimed record that could not be worked from sending to
// failed, counting the cycle, so requeue can pick it up.
func (w *DeliveryWorker) release(ctx context.Context, logger *zap.Logger, notificationID string, notification *domain.Notification) {
	reason := domain.FailureStoreUnavailable
	if ctx.Err() != nil {
		reason = domain.FailureInterrupted
	}
	exhausted := notification != nil && notification.Attempts+1 >= w.cfg.MaxAttempts
	fields := domain.TransitionFields{
		IncrementAttempts: true,
		FailureReason:     &reason,
		Pushed:            &exhausted,
	}

	releaseCtx, cancel := w.finalizeContext(ctx)
	defer cancel()

	err := w.notifications.Transition(releaseCtx, notificationID, domain.StatusSending, domain.StatusFailed, fields)
	switch {
	case err == nil:
		w.metrics.IncNotificationFailed(reason)
		logger.Warn("released claimed notification as failed", zap.String("reason", reason))
	case errors.Is(err, domain.ErrConflict):
		w.metrics.IncClaimConflict(finalizeStage)
	default:
		logger.Error("failed to release claimed notification, record left in sending", zap.Error(err))
	}
}

// terminalTransition fills in the report and builds the sending to terminal
// update. Attempts are incremented exactly once per cycle.
func (w *DeliveryWorker) terminalTransition(report *DeliveryReport, delivered, interrupted bool) (domain.Status, domain.TransitionFields) {
	fields := domain.TransitionFields{IncrementAttempts: true}

	if delivered {
		sentAt := w.now().UTC()
		pushed := true
		fields.SentAt = &sentAt
		fields.Pushed = &pushed

		report.Status = domain.StatusSent
		report.Pushed = true
		return domain.StatusSent, fields
	}

	reason := domain.FailureAllTargetsFailed
	switch {
	case len(report.Targets.Tokens) == 0:
		reason = domain.FailureNoEligibleTargets
	case interrupted:
		reason = domain.FailureInterrupted
	}
	// Reaching the ceiling marks the record pushed so requeue refuses it.
	exhausted := report.AttemptNumber >= w.cfg.MaxAttempts
	fields.FailureReason = &reason
	fields.Pushed = &exhausted

	report.Status = domain.StatusFailed
	report.Pushed = exhausted
	report.FailureReason = reason
	return domain.StatusFailed, fields
}

// fanOut sends to every token concurrently and waits for all of them.
// Results are indexed by token position.
func (w *DeliveryWorker) fanOut(ctx context.Context, notification *domain.Notification, tokens []string) []TargetResult {
	results := make([]TargetResult, len(tokens))
	payload := provider.Payload{
		Type:       notification.Type,
		SenderName: notification.SenderName,
		Message:    notification.Message,
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.FanoutConcurrency)

	for i, token := range tokens {
		g.Go(func() error {
			results[i] = w.sendOne(ctx, token, payload)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (w *DeliveryWorker) sendOne(ctx context.Context, token string, payload provider.Payload) TargetResult {
	result := TargetResult{Token: token}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	defer cancel()

	if w.rateLimiter != nil {
		waitStart := w.now()
		if err := w.rateLimiter.Wait(sendCtx, w.cfg.RateLimitScope); err != nil {
			result.Outcome = domain.OutcomeTransient
			result.Err = fmt.Errorf("rate limiter wait failed: %w", err)
			result.Duration = w.now().Sub(waitStart)
			w.metrics.ObserveTargetSend(result.Outcome.String(), result.Duration)
			return result
		}
	}

	start := w.now()
	resp, err := w.provider.Send(sendCtx, token, payload)
	result.Duration = w.now().Sub(start)
	result.Outcome = classifySend(err)
	result.Err = err

	if resp != nil && resp.StatusCode > 0 {
		code := resp.StatusCode
		result.StatusCode = &code
	}
	var providerErr *provider.ProviderError
	if result.StatusCode == nil && errors.As(err, &providerErr) && providerErr.StatusCode > 0 {
		code := providerErr.StatusCode
		result.StatusCode = &code
	}

	if result.Outcome == domain.OutcomePermanent {
		observability.WithContextLogger(w.logger, ctx).Debug("push token refused by provider",
			zap.String("code", provider.ErrorCode(err)),
			zap.Error(err),
		)
	}

	w.metrics.ObserveTargetSend(result.Outcome.String(), result.Duration)
	return result
}

func classifySend(err error) domain.TargetOutcome {
	switch {
	case err == nil:
		return domain.OutcomeOK
	case provider.IsPermanent(err):
		return domain.OutcomePermanent
	default:
		return domain.OutcomeTransient
	}
}

// recordAttempts writes the per-target log once the terminal transition has
// landed. Failures are logged only; the notification status is already final.
func (w *DeliveryWorker) recordAttempts(ctx context.Context, logger *zap.Logger, report *DeliveryReport) {
	if w.attempts == nil || len(report.Results) == 0 {
		return
	}

	createdAt := w.now().UTC()
	rows := make([]domain.DeliveryAttempt, 0, len(report.Results))
	for _, result := range report.Results {
		row := domain.DeliveryAttempt{
			ID:             uuid.NewString(),
			NotificationID: report.NotificationID,
			AttemptNumber:  report.AttemptNumber,
			Token:          result.Token,
			Outcome:        result.Outcome,
			StatusCode:     result.StatusCode,
			CreatedAt:      createdAt,
		}
		if result.Err != nil {
			text := result.Err.Error()
			row.Error = &text
		}
		rows = append(rows, row)
	}

	if err := w.attempts.CreateBatch(ctx, rows); err != nil {
		logger.Error("failed to record delivery attempts", zap.Error(err))
	}
}
