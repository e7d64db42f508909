package usecase

import (
	"time"

	"promptdesk/internal/domain"
)

// ContextBuilder assembles the message window sent to the model: system
// prompt first, then the most recent history truncated to maxMessages.
// Truncation happens on whole tool groups (an assistant message carrying
// tool calls plus its tool results) so the model never sees an orphaned
// tool result.
type ContextBuilder struct {
	systemPrompt string
	maxMessages  int
}

func NewContextBuilder(systemPrompt string, maxMessages int) *ContextBuilder {
	if maxMessages <= 0 {
		maxMessages = 50
	}
	return &ContextBuilder{systemPrompt: systemPrompt, maxMessages: maxMessages}
}

// Build returns the model-facing messages for the conversation.
func (b *ContextBuilder) Build(conv *domain.Conversation) []domain.Message {
	groups := groupMessages(conv.Messages)

	// Drop oldest groups until the flattened history fits.
	count := len(conv.Messages)
	start := 0
	for start < len(groups) && count > b.maxMessages {
		count -= len(groups[start])
		start++
	}

	out := make([]domain.Message, 0, count+1)
	if b.systemPrompt != "" {
		out = append(out, domain.Message{
			Role:      domain.RoleSystem,
			Content:   b.systemPrompt,
			Timestamp: time.Now(),
		})
	}
	for _, g := range groups[start:] {
		out = append(out, g...)
	}
	return out
}

// groupMessages splits history into atomic units: an assistant message
// with tool calls absorbs the tool results that follow it; every other
// message stands alone.
func groupMessages(msgs []domain.Message) [][]domain.Message {
	var groups [][]domain.Message
	i := 0
	for i < len(msgs) {
		m := msgs[i]
		if m.Role == domain.RoleAssistant && len(m.ToolCalls) > 0 {
			j := i + 1
			for j < len(msgs) && msgs[j].Role == domain.RoleTool {
				j++
			}
			groups = append(groups, msgs[i:j])
			i = j
			continue
		}
		groups = append(groups, msgs[i:i+1])
		i++
	}
	return groups
}
