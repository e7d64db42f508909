package usecase

import (
	"encoding/json"
	"strings"
	"time"

	"promptdesk/internal/domain"
)

// streamAccumulator folds a sequence of deltas into the final assistant
// message. Tool call fragments arrive positionally; ID and name land in
// the first fragment for a position and argument JSON accretes across
// fragments.
type streamAccumulator struct {
	content strings.Builder
	calls   []*partialCall
	usage   domain.Usage
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

func (a *streamAccumulator) add(delta domain.StreamDelta) {
	a.content.WriteString(delta.Content)

	for i, tc := range delta.ToolCalls {
		for len(a.calls) <= i {
			a.calls = append(a.calls, &partialCall{})
		}
		if tc.ID != "" {
			a.calls[i].id = tc.ID
		}
		if tc.Name != "" {
			a.calls[i].name = tc.Name
		}
		a.calls[i].args.Write(tc.Arguments)
	}

	if delta.Usage != nil {
		a.usage = *delta.Usage
	}
}

// response assembles the accumulated state into a ChatResponse. Fragments
// that never received a tool name are dropped; empty argument bodies
// become the empty object.
func (a *streamAccumulator) response() *domain.ChatResponse {
	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   a.content.String(),
		Timestamp: time.Now(),
	}
	for _, pc := range a.calls {
		if pc.name == "" {
			continue
		}
		args := pc.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: json.RawMessage(args),
		})
	}
	return &domain.ChatResponse{Message: msg, Usage: a.usage}
}
