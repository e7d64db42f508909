// Package llm provides LLM provider adapters speaking the
// OpenAI-compatible chat completions protocol.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"promptdesk/internal/domain"
	"promptdesk/internal/infra/config"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint.
// It implements domain.StreamingLLMProvider.
type OpenAIClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewOpenAIClient builds a client from the LLM config section.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

// Chat sends a synchronous chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	wireReq := c.toWireRequest(req, false)

	var wireResp openaiResponse
	if err := c.doJSONRequest(ctx, wireReq, &wireResp); err != nil {
		return nil, err
	}
	return fromWireResponse(&wireResp)
}

// ChatStream sends a streaming request and returns a channel of deltas.
// The channel is closed when the stream ends or ctx is cancelled.
func (c *OpenAIClient) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	wireReq := c.toWireRequest(req, true)

	body, err := c.doStreamRequest(ctx, wireReq)
	if err != nil {
		return nil, err
	}
	return parseSSEStream(ctx, body), nil
}

// --- wire types ---

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	StreamOpts  *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiToolCall struct {
	Index    *int           `json:"index,omitempty"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function openaiCallFunc `json:"function"`
}

type openaiCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
	Created int64          `json:"created"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	Delta        openaiMessage `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- mapping ---

func (c *OpenAIClient) toWireRequest(req domain.ChatRequest, stream bool) *openaiRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}

	out := &openaiRequest{
		Model:       model,
		Messages:    make([]openaiMessage, 0, len(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if stream {
		out.StreamOpts = &streamOptions{IncludeUsage: true}
	}

	for _, m := range req.Messages {
		wm := openaiMessage{
			Role:    string(m.Role),
			Content: m.Content,
			Name:    m.Name,
		}
		switch m.Role {
		case domain.RoleTool:
			// Tool result messages reference the call they answer.
			if len(m.ToolCalls) > 0 {
				wm.ToolCallID = m.ToolCalls[0].ID
			}
		case domain.RoleAssistant:
			for _, tc := range m.ToolCalls {
				wm.ToolCalls = append(wm.ToolCalls, openaiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openaiCallFunc{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		}
		out.Messages = append(out.Messages, wm)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func fromWireResponse(resp *openaiResponse) (*domain.ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, domain.NewDomainError("llm.Chat", domain.ErrProviderUnavailable, "response has no choices")
	}
	choice := resp.Choices[0]

	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   choice.Message.Content,
		Timestamp: time.Unix(resp.Created, 0),
	}
	for _, tc := range choice.Message.ToolCalls {
		call, err := fromWireToolCall(tc)
		if err != nil {
			return nil, err
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}

	out := &domain.ChatResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		Message:   msg,
		CreatedAt: time.Unix(resp.Created, 0),
	}
	if resp.Usage != nil {
		out.Usage = domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

func fromWireToolCall(tc openaiToolCall) (domain.ToolCall, error) {
	args := tc.Function.Arguments
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		return domain.ToolCall{}, domain.NewDomainError("llm.Chat", domain.ErrToolValidation,
			fmt.Sprintf("tool call %q has malformed arguments", tc.Function.Name))
	}
	return domain.ToolCall{
		ID:        tc.ID,
		Name:      tc.Function.Name,
		Arguments: json.RawMessage(args),
	}, nil
}
