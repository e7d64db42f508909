package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"promptdesk/internal/domain"
	"promptdesk/internal/infra/config"
	"promptdesk/internal/infra/tracer"
)

// Answer returned when the iteration cap is reached before the model
// produces a terminal response.
const fallbackAnswer = "I could not complete that request within the allowed number of steps. " +
	"Try narrowing the question or asking it differently."

// Orchestrator runs the agent loop: admit, load the thread, iterate
// model decisions and tool executions until a terminal answer, then
// checkpoint exactly once. It is safe for concurrent use; turns on the
// same thread are serialized.
type Orchestrator struct {
	provider domain.LLMProvider
	tools    domain.ToolExecutor
	store    domain.CheckpointStore
	gate     domain.AdmissionGate
	builder  *ContextBuilder
	locker   *ThreadLocker
	bus      domain.EventBus
	logger   *slog.Logger

	model         string
	maxTokens     int
	temperature   float64
	maxIterations int
	interrupt     bool

	pendingMu sync.Mutex
	pending   map[string]*PendingTurn
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Provider    domain.LLMProvider
	Tools       domain.ToolExecutor
	Checkpoints domain.CheckpointStore
	Gate        domain.AdmissionGate
	Bus         domain.EventBus
	Logger      *slog.Logger
}

func NewOrchestrator(deps Deps, agentCfg config.AgentConfig, llmCfg config.LLMConfig) *Orchestrator {
	maxIter := agentCfg.MaxIterations
	if maxIter <= 0 {
		maxIter = 10
	}
	return &Orchestrator{
		provider:      deps.Provider,
		tools:         deps.Tools,
		store:         deps.Checkpoints,
		gate:          deps.Gate,
		builder:       NewContextBuilder(agentCfg.SystemPrompt, agentCfg.MaxMessages),
		locker:        NewThreadLocker(),
		bus:           deps.Bus,
		logger:        deps.Logger,
		model:         llmCfg.Model,
		maxTokens:     llmCfg.MaxTokens,
		temperature:   llmCfg.Temperature,
		maxIterations: maxIter,
		interrupt:     agentCfg.Interrupt,
		pending:       make(map[string]*PendingTurn),
	}
}

// turnState is the in-memory state of one turn. It is discarded without
// a checkpoint write on error, cancellation or abort.
type turnState struct {
	req      domain.TurnRequest
	threadID string
	conv     *domain.Conversation
	release  func()
	stream   bool
	sources  []domain.Source
	trace    []domain.ToolTraceEntry
	usage    domain.Usage
}

// HandleTurn processes one inbound message synchronously. When the turn
// suspends before tool execution the returned PendingTurn is non-nil
// and the response is nil; the caller resolves it with Resume.
func (o *Orchestrator) HandleTurn(ctx context.Context, req domain.TurnRequest) (*domain.TurnResponse, *PendingTurn, error) {
	return o.startTurn(ctx, req, false)
}

// HandleTurnStream behaves like HandleTurn but streams model output as
// stream.* events on the bus while the turn runs.
func (o *Orchestrator) HandleTurnStream(ctx context.Context, req domain.TurnRequest) (*domain.TurnResponse, *PendingTurn, error) {
	return o.startTurn(ctx, req, true)
}

func (o *Orchestrator) startTurn(ctx context.Context, req domain.TurnRequest, stream bool) (*domain.TurnResponse, *PendingTurn, error) {
	admission := o.gate.Admit(req.PrincipalID)
	if !admission.Allowed {
		o.logger.Info("turn denied by rate limit",
			"principal", req.PrincipalID, "retry_after", admission.RetryAfter)
		o.publish(ctx, domain.EventTurnDenied, req.ThreadID, map[string]any{
			"principal":   req.PrincipalID,
			"retry_after": admission.RetryAfter.Seconds(),
		})
		return &domain.TurnResponse{
			ThreadID:   req.ThreadID,
			Admitted:   false,
			RetryAfter: admission.RetryAfter,
		}, nil, nil
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = "th_" + ulid.Make().String()
	}
	ctx = domain.ContextWithThreadID(ctx, threadID)

	ctx, span := tracer.StartSpan(ctx, "orchestrator.turn")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("thread_id", threadID))

	release, err := o.locker.Acquire(ctx, threadID)
	if err != nil {
		return nil, nil, domain.WrapOp("Orchestrator.HandleTurn", err)
	}

	conv, err := o.loadThread(ctx, threadID)
	if err != nil {
		release()
		tracer.RecordError(span, err)
		return nil, nil, err
	}

	conv.Messages = append(conv.Messages, domain.Message{
		Role:      domain.RoleUser,
		Content:   req.Message,
		Timestamp: time.Now(),
	})

	o.publish(ctx, domain.EventTurnStarted, threadID, map[string]any{
		"principal": req.PrincipalID,
	})
	if stream {
		o.publish(ctx, domain.EventStreamStarted, threadID, nil)
	}

	st := &turnState{
		req:      req,
		threadID: threadID,
		conv:     conv,
		release:  release,
		stream:   stream,
	}
	return o.loop(ctx, st, 0)
}

func (o *Orchestrator) loadThread(ctx context.Context, threadID string) (*domain.Conversation, error) {
	conv, err := o.store.Load(ctx, threadID)
	if errors.Is(err, domain.ErrThreadNotFound) {
		now := time.Now()
		return &domain.Conversation{
			ThreadID:  threadID,
			Metadata:  make(map[domain.MetadataKey]int64),
			CreatedAt: now,
			UpdatedAt: now,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if conv.Metadata == nil {
		conv.Metadata = make(map[domain.MetadataKey]int64)
	}
	return conv, nil
}

// loop drives MODEL_DECIDE / TOOL_EXEC iterations until a terminal
// answer, a suspension or the iteration cap.
func (o *Orchestrator) loop(ctx context.Context, st *turnState, startIter int) (*domain.TurnResponse, *PendingTurn, error) {
	for iter := startIter; iter < o.maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, st, domain.WrapOp("Orchestrator.HandleTurn", err))
		}

		resp, err := o.callModel(ctx, st, iter)
		if err != nil {
			return o.fail(ctx, st, err)
		}

		st.usage.PromptTokens += resp.Usage.PromptTokens
		st.usage.CompletionTokens += resp.Usage.CompletionTokens
		st.usage.TotalTokens += resp.Usage.TotalTokens
		st.conv.Messages = append(st.conv.Messages, resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			return o.finalize(ctx, st, resp.Message.Content)
		}

		if o.interrupt {
			return nil, o.suspend(ctx, st, resp.Message.ToolCalls, iter), nil
		}

		o.runTools(ctx, st, resp.Message.ToolCalls)
	}

	// Iteration cap: answer with the fallback and keep the thread
	// usable, history included.
	o.logger.Warn("iteration cap reached", "thread_id", st.threadID, "cap", o.maxIterations)
	st.conv.Messages = append(st.conv.Messages, domain.Message{
		Role:      domain.RoleAssistant,
		Content:   fallbackAnswer,
		Timestamp: time.Now(),
	})
	return o.finalize(ctx, st, fallbackAnswer)
}

// callModel performs one MODEL_DECIDE step, streaming if requested and
// supported by the provider.
func (o *Orchestrator) callModel(ctx context.Context, st *turnState, iter int) (*domain.ChatResponse, error) {
	req := domain.ChatRequest{
		Model:       o.model,
		Messages:    o.builder.Build(st.conv),
		Tools:       o.tools.Schemas(),
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	}

	o.publish(ctx, domain.EventLLMCallStarted, st.threadID, map[string]any{"iteration": iter})
	start := time.Now()

	var resp *domain.ChatResponse
	var err error
	if streamer, ok := o.provider.(domain.StreamingLLMProvider); ok && st.stream {
		resp, err = o.consumeStream(ctx, st, streamer, req, iter)
	} else {
		resp, err = o.provider.Chat(ctx, req)
	}
	if err != nil {
		return nil, domain.WrapOp("Orchestrator.HandleTurn", err)
	}

	o.publish(ctx, domain.EventLLMCallCompleted, st.threadID, map[string]any{
		"iteration":   iter,
		"duration_ms": time.Since(start).Milliseconds(),
		"tool_calls":  len(resp.Message.ToolCalls),
	})
	return resp, nil
}

func (o *Orchestrator) consumeStream(ctx context.Context, st *turnState, provider domain.StreamingLLMProvider, req domain.ChatRequest, iter int) (*domain.ChatResponse, error) {
	req.Stream = true
	deltas, err := provider.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}

	acc := newStreamAccumulator()
	for {
		select {
		case <-ctx.Done():
			o.publishStreamError(ctx, st.threadID, ctx.Err())
			return nil, ctx.Err()
		case delta, ok := <-deltas:
			if !ok {
				return acc.response(), nil
			}
			acc.add(delta)
			if delta.Content != "" {
				o.publishPayload(ctx, domain.EventStreamDelta, st.threadID, domain.StreamDeltaPayload{
					Content:   delta.Content,
					Iteration: iter,
				})
			}
			if delta.Done {
				return acc.response(), nil
			}
		}
	}
}

// runTools executes a batch of tool calls in parallel and appends their
// results in request order, regardless of completion order.
func (o *Orchestrator) runTools(ctx context.Context, st *turnState, calls []domain.ToolCall) {
	// A caller-supplied category restriction travels with every tool
	// execution of the turn, including resumed ones.
	if st.req.CategoryFilter != "" {
		ctx = domain.ContextWithCategoryFilter(ctx, st.req.CategoryFilter)
	}

	results := make([]domain.Message, len(calls))
	entries := make([]domain.ToolTraceEntry, len(calls))
	sources := make([][]domain.Source, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call domain.ToolCall) {
			defer wg.Done()
			o.publish(ctx, domain.EventToolCallStarted, st.threadID, map[string]any{
				"tool": call.Name, "call_id": call.ID,
			})
			start := time.Now()
			msg, srcs, isErr := o.executeOne(ctx, call)
			results[i] = msg
			sources[i] = srcs
			entries[i] = domain.ToolTraceEntry{
				ToolName: call.Name,
				Duration: time.Since(start),
				IsError:  isErr,
			}
			o.publish(ctx, domain.EventToolCallCompleted, st.threadID, map[string]any{
				"tool": call.Name, "call_id": call.ID, "error": isErr,
			})
		}(i, call)
	}
	wg.Wait()

	st.conv.Messages = append(st.conv.Messages, results...)
	st.trace = append(st.trace, entries...)
	for _, srcs := range sources {
		st.sources = append(st.sources, srcs...)
	}
}

// executeOne runs a single tool call. Failures never abort the turn:
// unknown tools, invalid arguments, timeouts and execution errors all
// become error-flagged tool results the model can react to.
func (o *Orchestrator) executeOne(ctx context.Context, call domain.ToolCall) (domain.Message, []domain.Source, bool) {
	result, err := o.dispatch(ctx, call)
	if err != nil {
		o.logger.Warn("tool call failed",
			"tool", call.Name, "code", string(domain.ErrorCodeOf(err)), "error", err)
		return toolMessage(call, fmt.Sprintf("tool error: %v", err)), nil, true
	}
	if result.IsError {
		return toolMessage(call, result.Content), result.Sources, true
	}
	return toolMessage(call, result.Content), result.Sources, false
}

func (o *Orchestrator) dispatch(ctx context.Context, call domain.ToolCall) (*domain.ToolResult, error) {
	t, err := o.tools.Get(call.Name)
	if err != nil {
		return nil, err
	}
	result, err := t.Execute(ctx, call.Arguments)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, domain.NewDomainError("Orchestrator.dispatch", domain.ErrToolFailure,
			call.Name+" returned no result")
	}
	return result, nil
}

func toolMessage(call domain.ToolCall, content string) domain.Message {
	return domain.Message{
		Role:      domain.RoleTool,
		Content:   content,
		Name:      call.Name,
		ToolCalls: []domain.ToolCall{{ID: call.ID, Name: call.Name}},
		Timestamp: time.Now(),
	}
}

// suspend parks the turn before tool execution. The thread lock stays
// held and nothing is checkpointed until the caller decides.
func (o *Orchestrator) suspend(ctx context.Context, st *turnState, calls []domain.ToolCall, iter int) *PendingTurn {
	p := &PendingTurn{
		ThreadID:      st.threadID,
		ProposedCalls: calls,
		state:         st,
		iteration:     iter,
	}
	o.pendingMu.Lock()
	o.pending[st.threadID] = p
	o.pendingMu.Unlock()

	o.publish(ctx, domain.EventToolInterrupt, st.threadID, map[string]any{
		"tools": toolNames(calls),
	})
	o.logger.Info("turn suspended awaiting decision",
		"thread_id", st.threadID, "tools", toolNames(calls))
	return p
}

// Resume resolves a suspended turn with the caller's decision and, for
// continue/modify, drives the loop to its next terminal state.
func (o *Orchestrator) Resume(ctx context.Context, threadID string, decision Decision) (*domain.TurnResponse, *PendingTurn, error) {
	o.pendingMu.Lock()
	p, ok := o.pending[threadID]
	delete(o.pending, threadID)
	o.pendingMu.Unlock()
	if !ok {
		return nil, nil, domain.NewDomainError("Orchestrator.Resume", domain.ErrThreadNotFound,
			"no suspended turn for "+threadID)
	}

	st := p.state
	ctx = domain.ContextWithThreadID(ctx, threadID)

	if decision.Kind == DecisionAbort {
		st.release()
		o.publish(ctx, domain.EventToolResumed, threadID, map[string]any{"decision": "abort"})
		o.logger.Info("suspended turn aborted", "thread_id", threadID)
		return nil, nil, domain.NewDomainError("Orchestrator.Resume", domain.ErrTurnAborted, threadID)
	}

	calls := p.ProposedCalls
	if decision.Kind == DecisionModify {
		calls = decision.ModifiedCalls
		// History must reflect what actually ran.
		if last := len(st.conv.Messages) - 1; last >= 0 && st.conv.Messages[last].Role == domain.RoleAssistant {
			st.conv.Messages[last].ToolCalls = calls
		}
	}
	o.publish(ctx, domain.EventToolResumed, threadID, map[string]any{
		"decision": string(decision.Kind),
		"tools":    toolNames(calls),
	})

	o.runTools(ctx, st, calls)
	return o.loop(ctx, st, p.iteration+1)
}

// Suspended reports whether a thread has a turn awaiting a decision.
func (o *Orchestrator) Suspended(threadID string) bool {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	_, ok := o.pending[threadID]
	return ok
}

// finalize writes the single checkpoint for the turn and builds the
// response. A failed write aborts the turn with no partial state.
func (o *Orchestrator) finalize(ctx context.Context, st *turnState, answer string) (*domain.TurnResponse, *PendingTurn, error) {
	defer st.release()

	st.conv.Metadata[domain.MetaTurns]++
	st.conv.Metadata[domain.MetaPromptTokens] += int64(st.usage.PromptTokens)
	st.conv.Metadata[domain.MetaCompletionTokens] += int64(st.usage.CompletionTokens)
	st.conv.Metadata[domain.MetaToolCalls] += int64(len(st.trace))
	st.conv.UpdatedAt = time.Now()

	if err := o.store.Save(ctx, st.threadID, st.conv); err != nil {
		o.logger.Error("checkpoint write failed", "thread_id", st.threadID, "error", err)
		return nil, nil, err
	}

	if st.stream {
		o.publishPayload(ctx, domain.EventStreamCompleted, st.threadID, domain.StreamCompletedPayload{
			Content: answer,
			Usage:   &st.usage,
		})
	}
	o.publish(ctx, domain.EventTurnCompleted, st.threadID, map[string]any{
		"tool_calls":   len(st.trace),
		"total_tokens": st.usage.TotalTokens,
	})

	return &domain.TurnResponse{
		ThreadID:  st.threadID,
		Answer:    answer,
		Sources:   dedupeSources(st.sources),
		ToolTrace: st.trace,
		Usage:     st.usage,
		Admitted:  true,
	}, nil, nil
}

// fail abandons the turn without a checkpoint write.
func (o *Orchestrator) fail(ctx context.Context, st *turnState, err error) (*domain.TurnResponse, *PendingTurn, error) {
	st.release()
	if st.stream {
		o.publishStreamError(ctx, st.threadID, err)
	}
	o.logger.Error("turn failed",
		"thread_id", st.threadID, "code", string(domain.ErrorCodeOf(err)), "error", err)
	return nil, nil, err
}

func (o *Orchestrator) publish(ctx context.Context, t domain.EventType, threadID string, payload map[string]any) {
	if o.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	o.bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		ThreadID:  threadID,
		Payload:   raw,
	})
}

func (o *Orchestrator) publishPayload(ctx context.Context, t domain.EventType, threadID string, payload any) {
	if o.bus == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	o.bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		ThreadID:  threadID,
		Payload:   raw,
	})
}

func (o *Orchestrator) publishStreamError(ctx context.Context, threadID string, err error) {
	o.publishPayload(ctx, domain.EventStreamError, threadID, domain.StreamErrorPayload{
		Error: err.Error(),
	})
}

func toolNames(calls []domain.ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

// dedupeSources keeps the best-scoring source per document, preserving
// first-seen order.
func dedupeSources(sources []domain.Source) []domain.Source {
	if len(sources) == 0 {
		return nil
	}
	seen := make(map[string]int, len(sources))
	out := make([]domain.Source, 0, len(sources))
	for _, s := range sources {
		if pos, ok := seen[s.DocumentID]; ok {
			if s.Score > out[pos].Score {
				out[pos].Score = s.Score
			}
			continue
		}
		seen[s.DocumentID] = len(out)
		out = append(out, s)
	}
	return out
}
