package usecase

import (
	"encoding/json"
	"testing"

	"promptdesk/internal/domain"
)

func userMsg(content string) domain.Message {
	return domain.Message{Role: domain.RoleUser, Content: content}
}

func assistantMsg(content string) domain.Message {
	return domain.Message{Role: domain.RoleAssistant, Content: content}
}

func toolGroup(callID string) []domain.Message {
	return []domain.Message{
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
			{ID: callID, Name: "search_knowledge_base", Arguments: json.RawMessage(`{}`)},
		}},
		{Role: domain.RoleTool, Content: "result", ToolCalls: []domain.ToolCall{{ID: callID}}},
	}
}

func TestBuildPrependsSystemPrompt(t *testing.T) {
	b := NewContextBuilder("you are helpful", 50)
	got := b.Build(&domain.Conversation{Messages: []domain.Message{userMsg("hi")}})

	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Role != domain.RoleSystem || got[0].Content != "you are helpful" {
		t.Fatalf("first message should be the system prompt, got %+v", got[0])
	}
	if got[1].Content != "hi" {
		t.Fatalf("user message missing, got %+v", got[1])
	}
}

func TestBuildTruncatesOldestFirst(t *testing.T) {
	msgs := []domain.Message{
		userMsg("one"), assistantMsg("ack one"),
		userMsg("two"), assistantMsg("ack two"),
		userMsg("three"),
	}
	b := NewContextBuilder("", 3)
	got := b.Build(&domain.Conversation{Messages: msgs})

	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].Content != "two" {
		t.Fatalf("oldest messages should be dropped, window starts at %q", got[0].Content)
	}
	if got[2].Content != "three" {
		t.Fatalf("newest message must survive, got %q", got[2].Content)
	}
}

func TestBuildKeepsToolGroupsAtomic(t *testing.T) {
	var msgs []domain.Message
	msgs = append(msgs, userMsg("question"))
	msgs = append(msgs, toolGroup("call_1")...)
	msgs = append(msgs, assistantMsg("answer"))
	msgs = append(msgs, userMsg("followup"))

	// Budget of 3 cannot fit the tool group; the whole group must go,
	// not just its assistant half.
	b := NewContextBuilder("", 3)
	got := b.Build(&domain.Conversation{Messages: msgs})

	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}

	for _, m := range got {
		if m.Role == domain.RoleTool {
			prevHasCalls := false
			for _, p := range got {
				if p.Role == domain.RoleAssistant && len(p.ToolCalls) > 0 {
					prevHasCalls = true
				}
			}
			if !prevHasCalls {
				t.Fatal("orphaned tool result in the window")
			}
		}
	}
	if got[0].Content != "answer" {
		t.Fatalf("window should start after the dropped tool group, got %q", got[0].Content)
	}
}

func TestGroupMessages(t *testing.T) {
	var msgs []domain.Message
	msgs = append(msgs, userMsg("q"))
	msgs = append(msgs, toolGroup("call_1")...)
	msgs = append(msgs, assistantMsg("a"))

	groups := groupMessages(msgs)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	if len(groups[1]) != 2 {
		t.Fatalf("tool group should hold 2 messages, got %d", len(groups[1]))
	}
}
