package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stsix/leaflow-auto-beta/internal/domain"
)

// safeExecute turns an executor panic into an UnexpectedResponse record so
// the lock is still released and the ticker keeps running.
func (m *Manager) safeExecute(ctx context.Context, account domain.Account) (rec domain.ExecutionRecord) {
	start := m.clock()
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Str("account_id", account.ID).
				Msg("scheduler: check-in panicked")

			rec = domain.ExecutionRecord{
				ID:        uuid.New(),
				AccountID: account.ID,
				Timestamp: start,
				Outcome:   domain.OutcomeUnexpectedResponse,
				Detail:    fmt.Sprintf("internal error: %v", p),
				Duration:  m.clock().Sub(start),
			}
		}
	}()
	return m.executor.Execute(ctx, account)
}
