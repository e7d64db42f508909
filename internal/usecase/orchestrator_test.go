package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"promptdesk/internal/domain"
	"promptdesk/internal/infra/config"
)

// --- mocks ---

// mockLLM replays a script of responses. After the script runs out it
// repeats the last entry.
type mockLLM struct {
	mu        sync.Mutex
	script    []domain.ChatResponse
	calls     int
	lastReq   domain.ChatRequest
	err       error
	callDelay time.Duration
}

func (m *mockLLM) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if m.callDelay > 0 {
		select {
		case <-time.After(m.callDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.lastReq = req
	idx := m.calls
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	m.calls++
	resp := m.script[idx]
	return &resp, nil
}

func (m *mockLLM) Name() string { return "mock" }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func answerResp(text string) domain.ChatResponse {
	return domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: text},
		Usage:   domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func toolCallResp(calls ...domain.ToolCall) domain.ChatResponse {
	return domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, ToolCalls: calls},
		Usage:   domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func call(id, name string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(`{}`)}
}

// scriptedTool is a controllable tool.
type scriptedTool struct {
	name     string
	content  string
	sources  []domain.Source
	delay    time.Duration
	err      error
	executed atomic.Int32
}

func (s *scriptedTool) Name() string        { return s.name }
func (s *scriptedTool) Description() string { return "scripted" }
func (s *scriptedTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: s.name, Parameters: json.RawMessage(`{"type":"object"}`)}
}

func (s *scriptedTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.executed.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ToolResult{Content: s.content, Sources: s.sources}, nil
}

// fakeTools is a minimal ToolExecutor over a fixed set of tools.
type fakeTools struct {
	tools map[string]domain.Tool
	order []string
}

func newFakeTools(tools ...domain.Tool) *fakeTools {
	f := &fakeTools{tools: make(map[string]domain.Tool)}
	for _, t := range tools {
		f.tools[t.Name()] = t
		f.order = append(f.order, t.Name())
	}
	return f
}

func (f *fakeTools) Get(name string) (domain.Tool, error) {
	t, ok := f.tools[name]
	if !ok {
		return nil, domain.NewDomainError("tool.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

func (f *fakeTools) Schemas() []domain.ToolSchema {
	out := make([]domain.ToolSchema, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, f.tools[name].Schema())
	}
	return out
}

// memStore is an in-test checkpoint store that counts writes.
type memStore struct {
	mu      sync.Mutex
	threads map[string]*domain.Conversation
	saves   int
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{threads: make(map[string]*domain.Conversation)}
}

func (s *memStore) Load(ctx context.Context, threadID string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.threads[threadID]
	if !ok {
		return nil, domain.NewDomainError("checkpoint.Load", domain.ErrThreadNotFound, threadID)
	}
	cp := *conv
	cp.Messages = append([]domain.Message(nil), conv.Messages...)
	return &cp, nil
}

func (s *memStore) Save(ctx context.Context, threadID string, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *conv
	cp.Messages = append([]domain.Message(nil), conv.Messages...)
	s.threads[threadID] = &cp
	s.saves++
	return nil
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *memStore) get(threadID string) *domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[threadID]
}

type allowGate struct{}

func (allowGate) Admit(string) domain.Admission { return domain.Admission{Allowed: true} }

type denyGate struct{ retryAfter time.Duration }

func (g denyGate) Admit(string) domain.Admission {
	return domain.Admission{Allowed: false, RetryAfter: g.retryAfter}
}

func testOrchestrator(provider domain.LLMProvider, tools domain.ToolExecutor, store domain.CheckpointStore, gate domain.AdmissionGate, agentCfg config.AgentConfig) *Orchestrator {
	return NewOrchestrator(Deps{
		Provider:    provider,
		Tools:       tools,
		Checkpoints: store,
		Gate:        gate,
		Logger:      slog.New(slog.DiscardHandler),
	}, agentCfg, config.LLMConfig{Model: "test-model"})
}

// --- tests ---

func TestHandleTurnDirectAnswer(t *testing.T) {
	llm := &mockLLM{script: []domain.ChatResponse{answerResp("hello there")}}
	store := newMemStore()
	o := testOrchestrator(llm, newFakeTools(), store, allowGate{}, config.AgentConfig{})

	resp, pending, err := o.HandleTurn(context.Background(), domain.TurnRequest{
		PrincipalID: "user-1", Message: "hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	if pending != nil {
		t.Fatal("unexpected suspension")
	}
	if !resp.Admitted || resp.Answer != "hello there" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.ThreadID == "" {
		t.Fatal("new turn must mint a thread ID")
	}
	if store.saveCount() != 1 {
		t.Fatalf("expected exactly 1 checkpoint write, got %d", store.saveCount())
	}

	conv := store.get(resp.ThreadID)
	if len(conv.Messages) != 2 {
		t.Fatalf("expected [user, assistant], got %d messages", len(conv.Messages))
	}
	if conv.Metadata[domain.MetaTurns] != 1 {
		t.Fatalf("turn counter = %d, want 1", conv.Metadata[domain.MetaTurns])
	}
	if conv.Metadata[domain.MetaPromptTokens] != 10 {
		t.Fatalf("prompt token counter = %d, want 10", conv.Metadata[domain.MetaPromptTokens])
	}
}

func TestHandleTurnResumesExistingThread(t *testing.T) {
	llm := &mockLLM{script: []domain.ChatResponse{answerResp("second answer")}}
	store := newMemStore()
	o := testOrchestrator(llm, newFakeTools(), store, allowGate{}, config.AgentConfig{})

	first, _, err := o.HandleTurn(context.Background(), domain.TurnRequest{Message: "first"})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = o.HandleTurn(context.Background(), domain.TurnRequest{
		ThreadID: first.ThreadID, Message: "second",
	})
	if err != nil {
		t.Fatal(err)
	}

	conv := store.get(first.ThreadID)
	if len(conv.Messages) != 4 {
		t.Fatalf("expected 4 messages across 2 turns, got %d", len(conv.Messages))
	}
	if conv.Metadata[domain.MetaTurns] != 2 {
		t.Fatalf("turn counter = %d, want 2", conv.Metadata[domain.MetaTurns])
	}
	// The second model call saw the first turn's history.
	if len(llm.lastReq.Messages) < 3 {
		t.Fatalf("model should see prior history, got %d messages", len(llm.lastReq.Messages))
	}
}

func TestToolResultsAppendInRequestOrder(t *testing.T) {
	// Tool A is slow, tool B is fast: B completes first but A's result
	// must still precede B's in the message sequence.
	toolA := &scriptedTool{name: "tool_a", content: "result A", delay: 50 * time.Millisecond}
	toolB := &scriptedTool{name: "tool_b", content: "result B"}
	llm := &mockLLM{script: []domain.ChatResponse{
		toolCallResp(call("c1", "tool_a"), call("c2", "tool_b")),
		answerResp("done"),
	}}
	store := newMemStore()
	o := testOrchestrator(llm, newFakeTools(toolA, toolB), store, allowGate{}, config.AgentConfig{})

	resp, _, err := o.HandleTurn(context.Background(), domain.TurnRequest{Message: "go"})
	if err != nil {
		t.Fatal(err)
	}

	conv := store.get(resp.ThreadID)
	var toolMsgs []domain.Message
	for _, m := range conv.Messages {
		if m.Role == domain.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 2 {
		t.Fatalf("expected 2 tool messages, got %d", len(toolMsgs))
	}
	if toolMsgs[0].Content != "result A" || toolMsgs[1].Content != "result B" {
		t.Fatalf("results out of request order: %q then %q", toolMsgs[0].Content, toolMsgs[1].Content)
	}
	if toolMsgs[0].ToolCalls[0].ID != "c1" || toolMsgs[1].ToolCalls[0].ID != "c2" {
		t.Fatal("tool messages must reference their originating call IDs")
	}
	if len(resp.ToolTrace) != 2 || resp.ToolTrace[0].ToolName != "tool_a" {
		t.Fatalf("tool trace out of order: %+v", resp.ToolTrace)
	}
}

func TestUnknownToolBecomesErrorResultAndTurnContinues(t *testing.T) {
	known := &scriptedTool{name: "known", content: "ok"}
	llm := &mockLLM{script: []domain.ChatResponse{
		toolCallResp(call("c1", "ghost"), call("c2", "known")),
		answerResp("recovered"),
	}}
	store := newMemStore()
	o := testOrchestrator(llm, newFakeTools(known), store, allowGate{}, config.AgentConfig{})

	resp, _, err := o.HandleTurn(context.Background(), domain.TurnRequest{Message: "go"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Answer != "recovered" {
		t.Fatalf("turn should continue past the unknown tool, got %q", resp.Answer)
	}
	if known.executed.Load() != 1 {
		t.Fatal("the known tool in the same batch must still run")
	}
	if !resp.ToolTrace[0].IsError || resp.ToolTrace[1].IsError {
		t.Fatalf("trace should flag only the unknown tool: %+v", resp.ToolTrace)
	}

	conv := store.get(resp.ThreadID)
	found := false
	for _, m := range conv.Messages {
		if m.Role == domain.RoleTool && strings.Contains(m.Content, "tool error") {
			found = true
		}
	}
	if !found {
		t.Fatal("unknown tool should leave an error-flagged tool result in history")
	}
}

func TestFailingToolDoesNotAbortTurn(t *testing.T) {
	bad := &scriptedTool{name: "bad", err: fmt.Errorf("%w: disk on fire", domain.ErrToolFailure)}
	llm := &mockLLM{script: []domain.ChatResponse{
		toolCallResp(call("c1", "bad")),
		answerResp("handled it"),
	}}
	store := newMemStore()
	o := testOrchestrator(llm, newFakeTools(bad), store, allowGate{}, config.AgentConfig{})

	resp, _, err := o.HandleTurn(context.Background(), domain.TurnRequest{Message: "go"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Answer != "handled it" {
		t.Fatalf("got %q", resp.Answer)
	}
	if !resp.ToolTrace[0].IsError {
		t.Fatal("failed tool must be flagged in the trace")
	}
}

func TestIterationCapReturnsFallbackAndCheckpoints(t *testing.T) {
	// The model always asks for another tool call.
	loopTool := &scriptedTool{name: "looper", content: "more"}
	llm := &mockLLM{script: []domain.ChatResponse{toolCallResp(call("c", "looper"))}}
	store := newMemStore()
	o := testOrchestrator(llm, newFakeTools(loopTool), store, allowGate{},
		config.AgentConfig{MaxIterations: 3})

	resp, _, err := o.HandleTurn(context.Background(), domain.TurnRequest{Message: "go"})
	if err != nil {
		t.Fatal(err)
	}
	if llm.callCount() != 3 {
		t.Fatalf("expected exactly 3 model calls, got %d", llm.callCount())
	}
	if resp.Answer != fallbackAnswer {
		t.Fatalf("expected the fallback answer, got %q", resp.Answer)
	}
	if store.saveCount() != 1 {
		t.Fatal("capped turns still checkpoint so the thread stays usable")
	}

	// The thread accepts the next turn normally.
	llm2 := &mockLLM{script: []domain.ChatResponse{answerResp("fine now")}}
	o2 := testOrchestrator(llm2, newFakeTools(), store, allowGate{}, config.AgentConfig{})
	next, _, err := o2.HandleTurn(context.Background(), domain.TurnRequest{
		ThreadID: resp.ThreadID, Message: "again",
	})
	if err != nil {
		t.Fatal(err)
	}
	if next.Answer != "fine now" {
		t.Fatalf("thread unusable after cap: %q", next.Answer)
	}
}

func TestDeniedTurnTouchesNothing(t *testing.T) {
	llm := &mockLLM{script: []domain.ChatResponse{answerResp("never")}}
	store := newMemStore()
	o := testOrchestrator(llm, newFakeTools(), store, denyGate{retryAfter: 42 * time.Second}, config.AgentConfig{})

	resp, pending, err := o.HandleTurn(context.Background(), domain.TurnRequest{
		ThreadID: "th_1", PrincipalID: "user-1", Message: "hi",
	})
	if err != nil || pending != nil {
		t.Fatalf("denial must be a well-formed response, got err=%v pending=%v", err, pending)
	}
	if resp.Admitted {
		t.Fatal("expected denial")
	}
	if resp.RetryAfter != 42*time.Second {
		t.Fatalf("retry_after = %v", resp.RetryAfter)
	}
	if llm.callCount() != 0 {
		t.Fatal("denied turn must not invoke the model")
	}
	if store.saveCount() != 0 {
		t.Fatal("denied turn must not touch thread state")
	}
}

func TestModelErrorAbortsWithoutCheckpoint(t *testing.T) {
	llm := &mockLLM{err: errors.New("provider down")}
	store := newMemStore()
	o := testOrchestrator(llm, newFakeTools(), store, allowGate{}, config.AgentConfig{})

	_, _, err := o.HandleTurn(context.Background(), domain.TurnRequest{Message: "hi"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if store.saveCount() != 0 {
		t.Fatal("failed turn must not persist partial state")
	}
}

func TestCancellationSkipsCheckpoint(t *testing.T) {
	llm := &mockLLM{script: []domain.ChatResponse{answerResp("slow")}, callDelay: 200 * time.Millisecond}
	store := newMemStore()
	o := testOrchestrator(llm, newFakeTools(), store, allowGate{}, config.AgentConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := o.HandleTurn(ctx, domain.TurnRequest{ThreadID: "th_1", Message: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if store.saveCount() != 0 {
		t.Fatal("cancelled turn must not checkpoint")
	}

	// The thread lock was released; the next turn proceeds.
	llm.callDelay = 0
	resp, _, err := o.HandleTurn(context.Background(), domain.TurnRequest{ThreadID: "th_1", Message: "retry"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Answer != "slow" {
		t.Fatalf("got %q", resp.Answer)
	}
}

func TestCheckpointWriteFailureIsFatalForTurn(t *testing.T) {
	llm := &mockLLM{script: []domain.ChatResponse{answerResp("hi")}}
	store := newMemStore()
	store.saveErr = domain.NewDomainError("checkpoint.Save", domain.ErrCheckpointUnavailable, "disk gone")
	o := testOrchestrator(llm, newFakeTools(), store, allowGate{}, config.AgentConfig{})

	_, _, err := o.HandleTurn(context.Background(), domain.TurnRequest{Message: "hi"})
	if !errors.Is(err, domain.ErrCheckpointUnavailable) {
		t.Fatalf("expected ErrCheckpointUnavailable, got %v", err)
	}
}

func TestToolResultsCarrySourcesIntoResponse(t *testing.T) {
	search := &scriptedTool{
		name:    "search_knowledge_base",
		content: "refund context",
		sources: []domain.Source{
			{DocumentID: "d1", Title: "Refunds", Score: 0.8},
			{DocumentID: "d2", Title: "Shipping", Score: 0.4},
		},
	}
	llm := &mockLLM{script: []domain.ChatResponse{
		toolCallResp(call("c1", "search_knowledge_base")),
		answerResp("per the refund policy..."),
	}}
	store := newMemStore()
	o := testOrchestrator(llm, newFakeTools(search), store, allowGate{}, config.AgentConfig{})

	resp, _, err := o.HandleTurn(context.Background(), domain.TurnRequest{Message: "refunds?"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Sources) != 2 {
		t.Fatalf("expected 2 citations, got %+v", resp.Sources)
	}
	if resp.Sources[0].DocumentID != "d1" {
		t.Fatalf("citation order lost: %+v", resp.Sources)
	}
}

// filterEchoTool records the category filter it observes on its context.
type filterEchoTool struct {
	observed string
}

func (f *filterEchoTool) Name() string        { return "echo_filter" }
func (f *filterEchoTool) Description() string { return "records the turn's category filter" }
func (f *filterEchoTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: "echo_filter", Parameters: json.RawMessage(`{"type":"object"}`)}
}

func (f *filterEchoTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	f.observed = domain.CategoryFilterFromContext(ctx)
	return &domain.ToolResult{Content: "ok"}, nil
}

func TestCallerCategoryFilterReachesTools(t *testing.T) {
	echo := &filterEchoTool{}
	llm := &mockLLM{script: []domain.ChatResponse{
		toolCallResp(call("c1", "echo_filter")),
		answerResp("done"),
	}}
	o := testOrchestrator(llm, newFakeTools(echo), newMemStore(), allowGate{}, config.AgentConfig{})

	_, _, err := o.HandleTurn(context.Background(), domain.TurnRequest{
		Message:        "refunds?",
		CategoryFilter: "billing",
	})
	if err != nil {
		t.Fatal(err)
	}
	if echo.observed != "billing" {
		t.Fatalf("tool observed filter %q, want billing", echo.observed)
	}
}

func TestCallerCategoryFilterSurvivesResume(t *testing.T) {
	echo := &filterEchoTool{}
	llm := &mockLLM{script: []domain.ChatResponse{
		toolCallResp(call("c1", "echo_filter")),
		answerResp("done"),
	}}
	o := testOrchestrator(llm, newFakeTools(echo), newMemStore(), allowGate{},
		config.AgentConfig{Interrupt: true})

	_, pending, err := o.HandleTurn(context.Background(), domain.TurnRequest{
		ThreadID:       "th_1",
		Message:        "refunds?",
		CategoryFilter: "billing",
	})
	if err != nil || pending == nil {
		t.Fatalf("expected suspension, got pending=%v err=%v", pending, err)
	}

	if _, _, err := o.Resume(context.Background(), "th_1", Decision{Kind: DecisionContinue}); err != nil {
		t.Fatal(err)
	}
	if echo.observed != "billing" {
		t.Fatalf("resumed tool observed filter %q, want billing", echo.observed)
	}
}

func TestInterruptSuspendsBeforeToolExecution(t *testing.T) {
	guarded := &scriptedTool{name: "guarded", content: "sensitive"}
	llm := &mockLLM{script: []domain.ChatResponse{
		toolCallResp(call("c1", "guarded")),
		answerResp("after approval"),
	}}
	store := newMemStore()
	o := testOrchestrator(llm, newFakeTools(guarded), store, allowGate{},
		config.AgentConfig{Interrupt: true})

	resp, pending, err := o.HandleTurn(context.Background(), domain.TurnRequest{ThreadID: "th_1", Message: "do it"})
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Fatal("suspended turn must not produce a response yet")
	}
	if pending == nil || pending.ThreadID != "th_1" {
		t.Fatalf("expected a pending turn, got %+v", pending)
	}
	if len(pending.ProposedCalls) != 1 || pending.ProposedCalls[0].Name != "guarded" {
		t.Fatalf("pending turn should expose the proposed calls: %+v", pending.ProposedCalls)
	}
	if guarded.executed.Load() != 0 {
		t.Fatal("tool must not run before the decision")
	}
	if store.saveCount() != 0 {
		t.Fatal("no checkpoint while suspended")
	}
	if !o.Suspended("th_1") {
		t.Fatal("thread should report as suspended")
	}

	// Continue: the tool executes and the turn finalizes.
	final, pending2, err := o.Resume(context.Background(), "th_1", Decision{Kind: DecisionContinue})
	if err != nil {
		t.Fatal(err)
	}
	if pending2 != nil {
		t.Fatal("interrupt fires once per batch in this script")
	}
	if final.Answer != "after approval" {
		t.Fatalf("got %q", final.Answer)
	}
	if guarded.executed.Load() != 1 {
		t.Fatal("tool should have executed after continue")
	}
	if store.saveCount() != 1 {
		t.Fatal("resumed turn checkpoints once at finalize")
	}
}

func TestResumeAbortDiscardsTurn(t *testing.T) {
	guarded := &scriptedTool{name: "guarded", content: "sensitive"}
	llm := &mockLLM{script: []domain.ChatResponse{
		toolCallResp(call("c1", "guarded")),
		answerResp("unreachable"),
	}}
	store := newMemStore()
	o := testOrchestrator(llm, newFakeTools(guarded), store, allowGate{},
		config.AgentConfig{Interrupt: true})

	_, pending, err := o.HandleTurn(context.Background(), domain.TurnRequest{ThreadID: "th_1", Message: "do it"})
	if err != nil || pending == nil {
		t.Fatalf("expected suspension, err=%v", err)
	}

	_, _, err = o.Resume(context.Background(), "th_1", Decision{Kind: DecisionAbort})
	if !errors.Is(err, domain.ErrTurnAborted) {
		t.Fatalf("expected ErrTurnAborted, got %v", err)
	}
	if guarded.executed.Load() != 0 {
		t.Fatal("aborted turn must not execute tools")
	}
	if store.saveCount() != 0 {
		t.Fatal("aborted turn must not checkpoint")
	}

	// The thread lock was released; a fresh turn works.
	llm2 := &mockLLM{script: []domain.ChatResponse{answerResp("clean slate")}}
	o2 := testOrchestrator(llm2, newFakeTools(), store, allowGate{}, config.AgentConfig{})
	resp, _, err := o2.HandleTurn(context.Background(), domain.TurnRequest{ThreadID: "th_1", Message: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Answer != "clean slate" {
		t.Fatalf("got %q", resp.Answer)
	}
}

func TestResumeModifyRunsReplacementCalls(t *testing.T) {
	original := &scriptedTool{name: "original", content: "from original"}
	replacement := &scriptedTool{name: "replacement", content: "from replacement"}
	llm := &mockLLM{script: []domain.ChatResponse{
		toolCallResp(call("c1", "original")),
		answerResp("done"),
	}}
	store := newMemStore()
	o := testOrchestrator(llm, newFakeTools(original, replacement), store, allowGate{},
		config.AgentConfig{Interrupt: true})

	_, pending, err := o.HandleTurn(context.Background(), domain.TurnRequest{ThreadID: "th_1", Message: "go"})
	if err != nil || pending == nil {
		t.Fatalf("expected suspension, err=%v", err)
	}

	resp, _, err := o.Resume(context.Background(), "th_1", Decision{
		Kind:          DecisionModify,
		ModifiedCalls: []domain.ToolCall{call("c1", "replacement")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if original.executed.Load() != 0 {
		t.Fatal("original call must not run after modify")
	}
	if replacement.executed.Load() != 1 {
		t.Fatal("replacement call should have run")
	}

	// History records the call that actually ran.
	conv := store.get(resp.ThreadID)
	for _, m := range conv.Messages {
		if m.Role == domain.RoleAssistant && len(m.ToolCalls) > 0 {
			if m.ToolCalls[0].Name != "replacement" {
				t.Fatalf("history shows %q, want the modified call", m.ToolCalls[0].Name)
			}
		}
	}
}

func TestResumeWithoutSuspensionFails(t *testing.T) {
	o := testOrchestrator(&mockLLM{script: []domain.ChatResponse{answerResp("x")}},
		newFakeTools(), newMemStore(), allowGate{}, config.AgentConfig{})

	_, _, err := o.Resume(context.Background(), "th_missing", Decision{Kind: DecisionContinue})
	if !errors.Is(err, domain.ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestConcurrentTurnsOnOneThreadSerialize(t *testing.T) {
	llm := &mockLLM{script: []domain.ChatResponse{answerResp("ok")}, callDelay: 10 * time.Millisecond}
	store := newMemStore()
	o := testOrchestrator(llm, newFakeTools(), store, allowGate{}, config.AgentConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, err := o.HandleTurn(context.Background(), domain.TurnRequest{
				ThreadID: "th_1", Message: fmt.Sprintf("msg %d", n),
			})
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	conv := store.get("th_1")
	if len(conv.Messages) != 8 {
		t.Fatalf("expected 8 messages from 4 serialized turns, got %d", len(conv.Messages))
	}
	if conv.Metadata[domain.MetaTurns] != 4 {
		t.Fatalf("turn counter = %d, want 4", conv.Metadata[domain.MetaTurns])
	}
}
