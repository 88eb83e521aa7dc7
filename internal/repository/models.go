package repository

import (
	"time"

	"github.com/kursadbilgin/push-fanout/internal/domain"
)

// NotificationModel is the persistence model for users/{userId}/notifications/{id}.
type NotificationModel struct {
	ID            string        `gorm:"type:varchar(36);primaryKey"`
	UserID        string        `gorm:"type:varchar(128);not null;index"`
	Type          string        `gorm:"type:varchar(64);not null"`
	SenderName    string        `gorm:"type:varchar(128);not null;default:''"`
	Message       string        `gorm:"type:text;not null"`
	Status        domain.Status `gorm:"type:varchar(16);not null"`
	Pushed        bool          `gorm:"not null;default:false"`
	Attempts      int           `gorm:"not null;default:0"`
	FailureReason *string       `gorm:"type:varchar(64)"`
	SentAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// DeviceModel is the persistence model for users/{userId}/devices/{deviceId}.
type DeviceModel struct {
	UserID     string `gorm:"type:varchar(128);primaryKey"`
	DeviceID   string `gorm:"type:varchar(128);primaryKey"`
	PushToken  string `gorm:"type:varchar(512);not null;default:''"`
	Platform   string `gorm:"type:varchar(16);not null;default:''"`
	LastSeenAt time.Time
	CreatedAt  time.Time
}

func (DeviceModel) TableName() string {
	return "devices"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID             string               `gorm:"type:varchar(36);primaryKey"`
	NotificationID string               `gorm:"type:varchar(36);not null"`
	AttemptNumber  int                  `gorm:"not null"`
	Token          string               `gorm:"type:varchar(512);not null"`
	Outcome        domain.TargetOutcome `gorm:"type:varchar(16);not null"`
	StatusCode     *int                 `gorm:"type:int"`
	Error          *string              `gorm:"type:text"`
	CreatedAt      time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	return &NotificationModel{
		ID:            n.ID,
		UserID:        n.UserID,
		Type:          n.Type,
		SenderName:    n.SenderName,
		Message:       n.Message,
		Status:        n.Status,
		Pushed:        n.Pushed,
		Attempts:      n.Attempts,
		FailureReason: n.FailureReason,
		SentAt:        n.SentAt,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	return &domain.Notification{
		ID:            m.ID,
		UserID:        m.UserID,
		Type:          m.Type,
		SenderName:    m.SenderName,
		Message:       m.Message,
		Status:        m.Status,
		Pushed:        m.Pushed,
		Attempts:      m.Attempts,
		FailureReason: m.FailureReason,
		SentAt:        m.SentAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func deviceModelToDomain(m *DeviceModel) *domain.Device {
	if m == nil {
		return nil
	}

	return &domain.Device{
		DeviceID:   m.DeviceID,
		UserID:     m.UserID,
		PushToken:  m.PushToken,
		Platform:   m.Platform,
		LastSeenAt: m.LastSeenAt,
		CreatedAt:  m.CreatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:             a.ID,
		NotificationID: a.NotificationID,
		AttemptNumber:  a.AttemptNumber,
		Token:          a.Token,
		Outcome:        a.Outcome,
		StatusCode:     a.StatusCode,
		Error:          a.Error,
		CreatedAt:      a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		AttemptNumber:  m.AttemptNumber,
		Token:          m.Token,
		Outcome:        m.Outcome,
		StatusCode:     m.StatusCode,
		Error:          m.Error,
		CreatedAt:      m.CreatedAt,
	}
}
