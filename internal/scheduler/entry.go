package scheduler

import (
	"sync"
	"time"

	"github.com/stsix/leaflow-auto-beta/internal/cron"
	"github.com/stsix/leaflow-auto-beta/internal/domain"
)

// entry is the scheduling state of one account. Its mutex is never held
// across I/O.
type entry struct {
	mu sync.Mutex

	account domain.Account
	sched   cron.Schedule

	nextDue     time.Time
	lastAttempt *time.Time
	lastOutcome domain.Outcome

	running      bool
	runningSince time.Time
	// gen increments on every acquire and forced reset. A run may only
	// complete the generation it acquired.
	gen uint64
}

// acquire takes the single-flight lock. With requireDue the account must also
// be schedulable and past its next-due time.
func (e *entry) acquire(now time.Time, requireDue bool) (domain.Account, uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return domain.Account{}, 0, false
	}
	if requireDue && !e.dueLocked(now) {
		return domain.Account{}, 0, false
	}
	e.running = true
	e.runningSince = now
	e.gen++
	return e.account, e.gen, true
}

// abort releases the lock without recording an attempt.
func (e *entry) abort(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen == gen {
		e.running = false
	}
}

// complete releases the lock and advances next-due. It reports false when the
// lock was forcibly reset while the run was in flight; state is left alone.
func (e *entry) complete(gen uint64, rec domain.ExecutionRecord, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gen != gen || !e.running {
		return false
	}
	ts := rec.Timestamp
	e.running = false
	e.lastAttempt = &ts
	e.lastOutcome = rec.Outcome
	e.nextDue = nextAfterRun(e.sched, now, rec.Outcome)
	return true
}

// resetIfStale clears a lock held for at least threshold.
func (e *entry) resetIfStale(now time.Time, threshold time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || threshold <= 0 || now.Sub(e.runningSince) < threshold {
		return false
	}
	e.running = false
	e.gen++
	return true
}

// update replaces the account. A changed schedule recomputes next-due from
// what is known about today.
func (e *entry) update(a domain.Account, sched cron.Schedule, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := a.TriggerTime != e.account.TriggerTime || a.Timezone != e.account.Timezone
	e.account = a
	if !changed || sched == nil {
		return
	}
	e.sched = sched

	var today domain.Outcome
	if e.lastAttempt != nil && cron.SameDay(*e.lastAttempt, now, sched.Location()) {
		today = e.lastOutcome
	}
	e.nextDue = nextAfterRun(sched, now, today)
}

// restore rebuilds next-due from the latest persisted record. Running entries
// are left alone.
func (e *entry) restore(latest *domain.ExecutionRecord, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}
	e.nextDue = initialNextDue(e.sched, latest, now)
	if latest != nil {
		ts := latest.Timestamp
		e.lastAttempt = &ts
		e.lastOutcome = latest.Outcome
	}
}

func (e *entry) state(now time.Time) domain.ScheduleState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := domain.ScheduleState{
		AccountID:   e.account.ID,
		NextDueAt:   e.nextDue,
		Running:     e.running,
		LastOutcome: e.lastOutcome,
		Due:         e.dueLocked(now),
	}
	if e.lastAttempt != nil {
		ts := *e.lastAttempt
		st.LastAttemptAt = &ts
	}
	if e.running {
		since := e.runningSince
		st.RunningSince = &since
	}
	return st
}

func (e *entry) accountID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account.ID
}

func (e *entry) dueLocked(now time.Time) bool {
	return e.account.Schedulable() && !e.running && !now.Before(e.nextDue)
}

// initialNextDue derives next-due after a restart from the latest record.
func initialNextDue(s cron.Schedule, latest *domain.ExecutionRecord, now time.Time) time.Time {
	loc := s.Location()
	switch {
	case latest == nil:
		return cron.TodayAt(s, now)
	case cron.SameDay(latest.Timestamp, now, loc):
		if latest.Outcome.Positive() {
			return s.Next(cron.EndOfDay(now, loc))
		}
		return now
	default:
		// Missed days collapse into a single catch-up run.
		return s.Next(latest.Timestamp)
	}
}

// nextAfterRun is the next occurrence after at, skipping the rest of the day
// once a positive outcome has been recorded for it.
func nextAfterRun(s cron.Schedule, at time.Time, o domain.Outcome) time.Time {
	next := s.Next(at)
	if o.Positive() && cron.SameDay(next, at, s.Location()) {
		next = s.Next(cron.EndOfDay(at, s.Location()))
	}
	return next
}
