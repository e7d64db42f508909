package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventTurnStarted       EventType = "turn.started"
	EventTurnCompleted     EventType = "turn.completed"
	EventTurnDenied        EventType = "turn.denied"
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
	EventToolInterrupt     EventType = "tool.interrupt"
	EventToolResumed       EventType = "tool.resumed"
	EventLLMCallStarted    EventType = "llm.call.started"
	EventLLMCallCompleted  EventType = "llm.call.completed"
	EventRetrievalDegraded EventType = "retrieval.degraded"
	EventStreamStarted     EventType = "stream.started"
	EventStreamDelta       EventType = "stream.delta"
	EventStreamCompleted   EventType = "stream.completed"
	EventStreamError       EventType = "stream.error"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler processes a published event.
type EventHandler func(ctx context.Context, event Event)

// EventBus is the publish side consumed by the orchestrator.
type EventBus interface {
	Publish(ctx context.Context, event Event)
}

// StreamDeltaPayload is the payload for EventStreamDelta events.
type StreamDeltaPayload struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Iteration int        `json:"iteration"`
}

// StreamCompletedPayload is the payload for EventStreamCompleted events.
type StreamCompletedPayload struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
}

// StreamErrorPayload is the payload for EventStreamError events.
type StreamErrorPayload struct {
	Error string `json:"error"`
}
