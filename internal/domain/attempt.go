package domain

import "time"

// TargetOutcome classifies the result of a single target send.
type TargetOutcome string

const (
	OutcomeOK        TargetOutcome = "ok"
	OutcomeTransient TargetOutcome = "transient"
	OutcomePermanent TargetOutcome = "permanent"
)

func (o TargetOutcome) String() string { return string(o) }

// DeliveryAttempt records a single target send within an attempt cycle.
type DeliveryAttempt struct {
	ID             string
	NotificationID string
	AttemptNumber  int
	Token          string
	Outcome        TargetOutcome
	StatusCode     *int
	Error          *string
	CreatedAt      time.Time
}
