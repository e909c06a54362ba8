package domain

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the classified result of one check-in attempt.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeAlreadyCompleted   Outcome = "already_completed"
	OutcomeAuthRejected       Outcome = "auth_rejected"
	OutcomeNetworkError       Outcome = "network_error"
	OutcomeUnexpectedResponse Outcome = "unexpected_response"
)

// Outcomes lists every outcome in display order.
var Outcomes = []Outcome{
	OutcomeSuccess,
	OutcomeAlreadyCompleted,
	OutcomeAuthRejected,
	OutcomeNetworkError,
	OutcomeUnexpectedResponse,
}

// Positive reports whether the outcome counts toward the success rate.
func (o Outcome) Positive() bool {
	return o == OutcomeSuccess || o == OutcomeAlreadyCompleted
}

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	for _, known := range Outcomes {
		if o == known {
			return true
		}
	}
	return false
}

// TriggerKind records what started an execution.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
)

// ExecutionRecord is one immutable entry in an account's check-in history.
type ExecutionRecord struct {
	ID        uuid.UUID
	AccountID string

	Timestamp time.Time
	Outcome   Outcome
	Detail    string
	Duration  time.Duration
	Trigger   TriggerKind
}
