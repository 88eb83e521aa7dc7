package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the delivery state of a notification record.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s ends an attempt cycle.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// transitions is the delivery state graph. failed -> pending is only taken by
// the external requeue path; delivery workers never follow it.
var transitions = map[Status][]Status{
	StatusPending: {StatusSending},
	StatusSending: {StatusSent, StatusFailed},
	StatusFailed:  {StatusPending},
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Failure reasons recorded on failed notifications.
const (
	FailureNoEligibleTargets = "no_eligible_targets"
	FailureAllTargetsFailed  = "all_targets_failed"
	FailureStoreUnavailable  = "store_unavailable"
	FailureInterrupted       = "interrupted"
)

// Content limits (in characters).
const (
	MaxTypeLength       = 64
	MaxSenderNameLength = 128
	MaxMessageLength    = 4000
)

// Notification is a single logical notification owned by a user. It is fanned
// out to every unique push target of that user.
type Notification struct {
	ID            string
	UserID        string
	Type          string
	SenderName    string
	Message       string
	Status        Status
	Pushed        bool
	Attempts      int
	FailureReason *string
	SentAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (n *Notification) Validate() error {
	if strings.TrimSpace(n.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if strings.TrimSpace(n.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrValidation)
	}
	if strings.TrimSpace(n.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}

	if l := len([]rune(n.Type)); l > MaxTypeLength {
		return fmt.Errorf("%w: type exceeds %d characters (got %d)", ErrValidation, MaxTypeLength, l)
	}
	if l := len([]rune(n.SenderName)); l > MaxSenderNameLength {
		return fmt.Errorf("%w: senderName exceeds %d characters (got %d)", ErrValidation, MaxSenderNameLength, l)
	}
	if l := len([]rune(n.Message)); l > MaxMessageLength {
		return fmt.Errorf("%w: message exceeds %d characters (got %d)", ErrValidation, MaxMessageLength, l)
	}

	return nil
}

// TransitionFields carries the column changes applied together with a status
// transition.
type TransitionFields struct {
	IncrementAttempts bool
	Pushed            *bool
	SentAt            *time.Time
	FailureReason     *string
}
