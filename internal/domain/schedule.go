package domain

import (
	"fmt"
	"time"
)

// DefaultTriggerTime is used when an account is created without one.
var DefaultTriggerTime = TriggerTime{Hour: 1, Minute: 0}

// TriggerTime is the wall-clock time of day an account is due.
type TriggerTime struct {
	Hour   int
	Minute int
}

// ParseTriggerTime parses "HH:MM" (24h clock).
func ParseTriggerTime(s string) (TriggerTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TriggerTime{}, fmt.Errorf("trigger time %q: want HH:MM", s)
	}
	return TriggerTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TriggerTime) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ScheduleState is the volatile per-account scheduling state.
// It is owned by the scheduler and rebuilt from history on restart.
type ScheduleState struct {
	AccountID     string
	LastAttemptAt *time.Time
	NextDueAt     time.Time
	Running       bool
	RunningSince  *time.Time
	LastOutcome   Outcome

	// Due is set when the account is schedulable, not running and its
	// next-due time has passed.
	Due bool
}
