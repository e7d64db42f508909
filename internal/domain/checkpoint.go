package domain

import "context"

// MetadataKey is an enumerated key in a Conversation's metadata map.
// Only recognized keys are persisted; this keeps the checkpoint schema
// stable across versions.
type MetadataKey string

const (
	MetaPromptTokens     MetadataKey = "prompt_tokens"
	MetaCompletionTokens MetadataKey = "completion_tokens"
	MetaTurns            MetadataKey = "turns"
	MetaToolCalls        MetadataKey = "tool_calls"
)

// CheckpointStore persists conversation snapshots keyed by thread ID.
// Load returns ErrThreadNotFound for unknown threads. Save is idempotent
// and last-writer-wins; the orchestrator calls it exactly once per
// completed turn, never mid-turn.
type CheckpointStore interface {
	Load(ctx context.Context, threadID string) (*Conversation, error)
	Save(ctx context.Context, threadID string, conv *Conversation) error
}
