package domain

import "time"

// Device is a push-capable device registered by a user. The same token may
// appear on several devices of one user.
type Device struct {
	DeviceID   string
	UserID     string
	PushToken  string
	Platform   string
	LastSeenAt time.Time
	CreatedAt  time.Time
}
