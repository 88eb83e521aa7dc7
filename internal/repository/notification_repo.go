package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/push-fanout/internal/domain"
	"gorm.io/gorm"
)

// NotificationRepository is the notification store. Transition is the only
// write path for status changes.
type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	Transition(ctx context.Context, id string, expected, next domain.Status, fields domain.TransitionFields) error
	ListByStatus(ctx context.Context, status domain.Status, updatedBefore time.Time, limit int) ([]domain.Notification, error)
}

type GormNotificationRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db, now: time.Now}
}

func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}
	if n.Status == "" {
		n.Status = domain.StatusPending
	}
	if n.Status != domain.StatusPending || n.Attempts != 0 || n.Pushed || n.SentAt != nil {
		return fmt.Errorf("%w: new notifications must be pending with no attempts", domain.ErrValidation)
	}

	model := notificationModelFromDomain(n)
	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return storeError("create notification", err)
	}
	*n = *notificationModelToDomain(model)
	return nil
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		return nil, storeError("get notification", err)
	}
	return notificationModelToDomain(&model), nil
}

// Transition moves a notification from expected to next in a single
// conditional update. It returns ErrConflict when the stored status no longer
// equals expected, and ErrNotFound when the record is gone.
func (r *GormNotificationRepo) Transition(
	ctx context.Context,
	id string,
	expected, next domain.Status,
	fields domain.TransitionFields,
) error {
	if !domain.CanTransition(expected, next) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, expected, next)
	}

	updates := map[string]any{
		"status":     next,
		"updated_at": r.now().UTC(),
	}
	if fields.IncrementAttempts {
		updates["attempts"] = gorm.Expr("attempts + 1")
	}
	if fields.Pushed != nil {
		updates["pushed"] = *fields.Pushed
	}
	if fields.SentAt != nil {
		updates["sent_at"] = fields.SentAt.UTC()
	}
	if fields.FailureReason != nil {
		updates["failure_reason"] = *fields.FailureReason
	}

	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if result.Error != nil {
		return storeError("transition notification", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&NotificationModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return storeError("transition notification", err)
	}
	if count == 0 {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%w: notification %s is no longer %s", domain.ErrConflict, id, expected)
}

// ListByStatus returns notifications in status whose last update is not newer
// than updatedBefore, oldest first.
func (r *GormNotificationRepo) ListByStatus(
	ctx context.Context,
	status domain.Status,
	updatedBefore time.Time,
	limit int,
) ([]domain.Notification, error) {
	if limit < 1 {
		limit = 100
	}

	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at <= ?", status, updatedBefore.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, storeError("list notifications", err)
	}

	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}
	return notifications, nil
}
