package domain

import "time"

// TurnRequest is one inbound message to the orchestrator. An empty
// ThreadID creates a new thread.
type TurnRequest struct {
	ThreadID       string `json:"thread_id,omitempty"`
	PrincipalID    string `json:"principal_id"`
	Message        string `json:"message"`
	CategoryFilter string `json:"category_filter,omitempty"`
}

// ToolTraceEntry records one executed tool call for observability.
type ToolTraceEntry struct {
	ToolName string        `json:"tool_name"`
	Duration time.Duration `json:"duration"`
	IsError  bool          `json:"is_error,omitempty"`
}

// TurnResponse is the outcome of a turn. A denied turn has Admitted
// false and RetryAfter set; everything else is zero. The boundary
// always receives a well-formed response, never a raw error for
// admission denials.
type TurnResponse struct {
	ThreadID   string           `json:"thread_id"`
	Answer     string           `json:"answer"`
	Sources    []Source         `json:"sources,omitempty"`
	ToolTrace  []ToolTraceEntry `json:"tool_trace,omitempty"`
	Usage      Usage            `json:"usage"`
	Admitted   bool             `json:"admitted"`
	RetryAfter time.Duration    `json:"retry_after,omitempty"`
}
