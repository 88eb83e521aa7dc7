package queue

import (
	"fmt"
	"strings"
)

// Trigger reasons carried on delivery messages, for logs only.
const (
	ReasonCreated  = "created"
	ReasonRequeued = "requeued"
	ReasonSwept    = "swept"
)

// DeliveryMessage asks a worker to run one delivery attempt for a notification.
// The store, not the message, is authoritative: duplicates are harmless
// because only one worker can win the pending to sending claim.
type DeliveryMessage struct {
	NotificationID string `json:"notificationId"`
	UserID         string `json:"userId"`
	Reason         string `json:"reason,omitempty"`
}

func (m DeliveryMessage) Validate() error {
	if strings.TrimSpace(m.NotificationID) == "" {
		return fmt.Errorf("notificationId is required")
	}
	if strings.TrimSpace(m.UserID) == "" {
		return fmt.Errorf("userId is required")
	}
	return nil
}
