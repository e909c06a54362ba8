// Package testutil provides shared test helpers.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stsix/leaflow-auto-beta/internal/domain"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Account returns an enabled, schedulable account triggering at hh:mm UTC.
func Account(name string, hour, minute int) domain.Account {
	return domain.Account{
		ID:          uuid.NewString(),
		Name:        name,
		Credentials: map[string]string{"session": name + "-cookie"},
		TriggerTime: domain.TriggerTime{Hour: hour, Minute: minute},
		Timezone:    "UTC",
		Enabled:     true,
	}
}

// Record builds an execution record for accountID.
func Record(accountID string, ts time.Time, outcome domain.Outcome) domain.ExecutionRecord {
	return domain.ExecutionRecord{
		ID:        uuid.New(),
		AccountID: accountID,
		Timestamp: ts,
		Outcome:   outcome,
		Trigger:   domain.TriggerScheduled,
	}
}
