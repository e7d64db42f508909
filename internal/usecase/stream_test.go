package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"promptdesk/internal/domain"
	"promptdesk/internal/infra/config"
	"promptdesk/internal/usecase/eventbus"
)

func TestStreamAccumulatorMergesContentAndToolCalls(t *testing.T) {
	acc := newStreamAccumulator()

	acc.add(domain.StreamDelta{Content: "Let me "})
	acc.add(domain.StreamDelta{Content: "look that up."})
	acc.add(domain.StreamDelta{ToolCalls: []domain.ToolCall{
		{ID: "call_1", Name: "search_knowledge_base", Arguments: json.RawMessage(`{"que`)},
	}})
	acc.add(domain.StreamDelta{ToolCalls: []domain.ToolCall{
		{Arguments: json.RawMessage(`ry":"refunds"}`)},
	}})
	acc.add(domain.StreamDelta{Usage: &domain.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}})

	resp := acc.response()
	if resp.Message.Content != "Let me look that up." {
		t.Fatalf("content = %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("expected 1 merged tool call, got %d", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "search_knowledge_base" {
		t.Fatalf("identity lost: %+v", tc)
	}
	if string(tc.Arguments) != `{"query":"refunds"}` {
		t.Fatalf("arguments not reassembled: %s", tc.Arguments)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestStreamAccumulatorDropsNamelessFragments(t *testing.T) {
	acc := newStreamAccumulator()
	acc.add(domain.StreamDelta{ToolCalls: []domain.ToolCall{
		{ID: "call_1", Name: "real_tool"},
		{Arguments: json.RawMessage(`garbage`)},
	}})

	resp := acc.response()
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("nameless fragment should be dropped, got %+v", resp.Message.ToolCalls)
	}
	if string(resp.Message.ToolCalls[0].Arguments) != "{}" {
		t.Fatalf("empty arguments default to the empty object, got %s", resp.Message.ToolCalls[0].Arguments)
	}
}

// mockStreamLLM scripts streaming responses delta-by-delta.
type mockStreamLLM struct {
	mockLLM
	streams [][]domain.StreamDelta
	call    int
}

func (m *mockStreamLLM) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	idx := m.call
	if idx >= len(m.streams) {
		idx = len(m.streams) - 1
	}
	m.call++

	out := make(chan domain.StreamDelta, len(m.streams[idx]))
	for _, d := range m.streams[idx] {
		out <- d
	}
	close(out)
	return out, nil
}

func TestHandleTurnStreamPublishesDeltasAndFinalizes(t *testing.T) {
	llm := &mockStreamLLM{streams: [][]domain.StreamDelta{{
		{Content: "The refund "},
		{Content: "window is thirty days."},
		{Usage: &domain.Usage{PromptTokens: 12, CompletionTokens: 6, TotalTokens: 18}},
		{Done: true},
	}}}
	store := newMemStore()
	bus := eventbus.New(slog.New(slog.DiscardHandler))
	defer bus.Close()

	var mu sync.Mutex
	var deltas []string
	completed := make(chan string, 1)
	bus.Subscribe(domain.EventStreamDelta, func(ctx context.Context, e domain.Event) {
		var p domain.StreamDeltaPayload
		if err := json.Unmarshal(e.Payload, &p); err == nil {
			mu.Lock()
			deltas = append(deltas, p.Content)
			mu.Unlock()
		}
	})
	bus.Subscribe(domain.EventStreamCompleted, func(ctx context.Context, e domain.Event) {
		var p domain.StreamCompletedPayload
		if err := json.Unmarshal(e.Payload, &p); err == nil {
			completed <- p.Content
		}
	})

	o := NewOrchestrator(Deps{
		Provider:    llm,
		Tools:       newFakeTools(),
		Checkpoints: store,
		Gate:        allowGate{},
		Bus:         bus,
		Logger:      slog.New(slog.DiscardHandler),
	}, config.AgentConfig{}, config.LLMConfig{Model: "test-model"})

	resp, pending, err := o.HandleTurnStream(context.Background(), domain.TurnRequest{Message: "refunds?"})
	if err != nil {
		t.Fatal(err)
	}
	if pending != nil {
		t.Fatal("unexpected suspension")
	}
	if resp.Answer != "The refund window is thirty days." {
		t.Fatalf("answer = %q", resp.Answer)
	}
	if resp.Usage.TotalTokens != 18 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
	if store.saveCount() != 1 {
		t.Fatal("streamed turn checkpoints once at finalize")
	}

	select {
	case content := <-completed:
		if content != resp.Answer {
			t.Fatalf("completed event content = %q", content)
		}
	case <-time.After(time.Second):
		t.Fatal("stream.completed never published")
	}

	// Close drains every subscriber queue, so all deltas have been
	// delivered, in publish order, before we look.
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	joined := ""
	for _, d := range deltas {
		joined += d
	}
	if joined != resp.Answer {
		t.Fatalf("deltas %q do not reassemble the answer", joined)
	}
}

func TestHandleTurnStreamCancelledMidStreamSkipsCheckpoint(t *testing.T) {
	// A stream that never terminates: the channel stays open.
	llm := &hangingStreamLLM{started: make(chan struct{}, 1)}
	store := newMemStore()

	o := NewOrchestrator(Deps{
		Provider:    llm,
		Tools:       newFakeTools(),
		Checkpoints: store,
		Gate:        allowGate{},
		Logger:      slog.New(slog.DiscardHandler),
	}, config.AgentConfig{}, config.LLMConfig{Model: "test-model"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-llm.started
		cancel()
	}()

	_, _, err := o.HandleTurnStream(ctx, domain.TurnRequest{ThreadID: "th_1", Message: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if store.saveCount() != 0 {
		t.Fatal("cancellation mid-stream must not checkpoint")
	}
}

type hangingStreamLLM struct {
	mockLLM
	started chan struct{}
}

func (m *hangingStreamLLM) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	out := make(chan domain.StreamDelta, 1)
	out <- domain.StreamDelta{Content: "partial "}
	m.started <- struct{}{}
	return out, nil
}
