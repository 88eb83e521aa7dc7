package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/push-fanout/internal/dedup"
	"github.com/kursadbilgin/push-fanout/internal/domain"
	"github.com/kursadbilgin/push-fanout/internal/queue"
	"github.com/kursadbilgin/push-fanout/internal/repository"
	"go.uber.org/zap"
)

// NotificationService is the entry point for creating notifications and for
// the external retry path.
type NotificationService struct {
	notifications repository.NotificationRepository
	devices       repository.DeviceRepository
	attempts      repository.AttemptRepository
	deduplicator  *dedup.Deduplicator
	publisher     queue.Publisher
	logger        *zap.Logger
}

// TargetResolution is the device and token view used for a delivery.
type TargetResolution struct {
	UserID  string
	Devices []domain.Device
	Targets dedup.Result
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	devices repository.DeviceRepository,
	attempts repository.AttemptRepository,
	deduplicator *dedup.Deduplicator,
	publisher queue.Publisher,
	logger *zap.Logger,
) (*NotificationService, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if deduplicator == nil {
		deduplicator = dedup.New(dedup.NewTokenFormat())
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		notifications: notifications,
		devices:       devices,
		attempts:      attempts,
		deduplicator:  deduplicator,
		publisher:     publisher,
		logger:        logger,
	}, nil
}

// Create stores a pending notification and enqueues its delivery. A failed
// publish leaves the record pending for the sweeper instead of failing the call.
func (s *NotificationService) Create(ctx context.Context, notification *domain.Notification) (*domain.Notification, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if notification == nil {
		return nil, fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	notification.UserID = strings.TrimSpace(notification.UserID)
	notification.Type = strings.TrimSpace(notification.Type)
	notification.SenderName = strings.TrimSpace(notification.SenderName)
	notification.Message = strings.TrimSpace(notification.Message)
	notification.Status = domain.StatusPending
	notification.Attempts = 0
	notification.Pushed = false
	notification.SentAt = nil
	notification.FailureReason = nil

	if err := notification.Validate(); err != nil {
		return nil, err
	}

	if err := s.notifications.Create(ctx, notification); err != nil {
		return nil, err
	}

	s.enqueue(ctx, notification, queue.ReasonCreated)
	return notification, nil
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.notifications.GetByID(ctx, strings.TrimSpace(id))
}

// Attempts returns the per-target log of a notification, oldest first.
func (s *NotificationService) Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
	if s.attempts == nil {
		return nil, nil
	}
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.attempts.GetByNotificationID(ctx, strings.TrimSpace(id))
}

// Requeue moves a failed notification back to pending and enqueues it.
// Records that reached the attempts ceiling are refused.
func (s *NotificationService) Requeue(ctx context.Context, id string) (*domain.Notification, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	notification, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if notification.Status != domain.StatusFailed {
		return nil, fmt.Errorf("%w: only failed notifications can be requeued, status is %s",
			domain.ErrConflict, notification.Status)
	}
	if notification.Pushed {
		return nil, fmt.Errorf("%w: attempts exhausted after %d attempts", domain.ErrConflict, notification.Attempts)
	}

	if err := s.notifications.Transition(ctx, notification.ID, domain.StatusFailed, domain.StatusPending, domain.TransitionFields{}); err != nil {
		return nil, err
	}
	notification.Status = domain.StatusPending

	s.enqueue(ctx, notification, queue.ReasonRequeued)
	return notification, nil
}

// ResolveTargets returns the devices of userID and the unique token set a
// delivery would fan out to. It performs no writes.
func (s *NotificationService) ResolveTargets(ctx context.Context, userID string) (*TargetResolution, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	if s.devices == nil {
		return nil, fmt.Errorf("device repository is not configured")
	}

	devices, err := s.devices.ListDevices(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &TargetResolution{
		UserID:  userID,
		Devices: devices,
		Targets: s.deduplicator.Deduplicate(devices),
	}, nil
}

func (s *NotificationService) enqueue(ctx context.Context, notification *domain.Notification, reason string) {
	if s.publisher == nil {
		return
	}

	msg := queue.DeliveryMessage{
		NotificationID: notification.ID,
		UserID:         notification.UserID,
		Reason:         reason,
	}
	if err := s.publisher.Publish(ctx, queue.DeliveryQueue, msg); err != nil {
		s.logger.Error("failed to publish delivery message, leaving for sweeper",
			zap.String("notificationId", notification.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}
