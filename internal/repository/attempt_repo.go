package repository

import (
	"context"

	"github.com/kursadbilgin/push-fanout/internal/domain"
	"gorm.io/gorm"
)

type AttemptRepository interface {
	CreateBatch(ctx context.Context, attempts []domain.DeliveryAttempt) error
	GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) CreateBatch(ctx context.Context, attempts []domain.DeliveryAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	models := make([]DeliveryAttemptModel, 0, len(attempts))
	for i := range attempts {
		models = append(models, *attemptModelFromDomain(&attempts[i]))
	}

	if err := r.db.WithContext(ctx).CreateInBatches(&models, 100).Error; err != nil {
		return storeError("record delivery attempts", err)
	}
	return nil
}

func (r *GormAttemptRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	var models []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("attempt_number ASC").
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, storeError("list delivery attempts", err)
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}
	return attempts, nil
}
