package domain

// OutcomeEvent is published after an execution record has been persisted.
type OutcomeEvent struct {
	Account Account
	Record  ExecutionRecord
}
