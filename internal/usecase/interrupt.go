package usecase

import (
	"promptdesk/internal/domain"
)

// DecisionKind is the caller's verdict on a suspended turn.
type DecisionKind string

const (
	// DecisionContinue executes the proposed tool calls as-is.
	DecisionContinue DecisionKind = "continue"
	// DecisionModify executes the caller's replacement tool calls.
	DecisionModify DecisionKind = "modify"
	// DecisionAbort discards the turn. Nothing is checkpointed.
	DecisionAbort DecisionKind = "abort"
)

// Decision resolves a suspended turn. ModifiedCalls is only read for
// DecisionModify.
type Decision struct {
	Kind          DecisionKind
	ModifiedCalls []domain.ToolCall
}

// PendingTurn is a turn suspended before tool execution, awaiting a
// Decision via Resume. While suspended the thread lock stays held and
// no checkpoint is written; the in-flight state lives only here.
type PendingTurn struct {
	ThreadID      string
	ProposedCalls []domain.ToolCall

	state     *turnState
	iteration int
}
