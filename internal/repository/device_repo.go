package repository

import (
	"context"

	"github.com/kursadbilgin/push-fanout/internal/domain"
	"gorm.io/gorm"
)

// DeviceRepository is the read side of the device registry. Devices are
// written by the registration flow, never by delivery.
type DeviceRepository interface {
	ListDevices(ctx context.Context, userID string) ([]domain.Device, error)
	ListUserIDs(ctx context.Context) ([]string, error)
}

type GormDeviceRepo struct {
	db *gorm.DB
}

func NewGormDeviceRepo(db *gorm.DB) *GormDeviceRepo {
	return &GormDeviceRepo{db: db}
}

// ListDevices returns the devices of userID in storage order. Callers must not
// rely on recency ordering.
func (r *GormDeviceRepo) ListDevices(ctx context.Context, userID string) ([]domain.Device, error) {
	var models []DeviceModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Order("device_id ASC").
		Find(&models).Error
	if err != nil {
		return nil, storeError("list devices", err)
	}

	devices := make([]domain.Device, 0, len(models))
	for i := range models {
		devices = append(devices, *deviceModelToDomain(&models[i]))
	}
	return devices, nil
}

func (r *GormDeviceRepo) ListUserIDs(ctx context.Context) ([]string, error) {
	var userIDs []string
	err := r.db.WithContext(ctx).
		Model(&DeviceModel{}).
		Distinct("user_id").
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, storeError("list device owners", err)
	}
	return userIDs, nil
}
