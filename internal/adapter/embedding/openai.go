// Package embedding provides EmbeddingProvider implementations and
// decorators (query cache, outbound throttle).
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"promptdesk/internal/domain"
	"promptdesk/internal/infra/config"
)

const (
	defaultEmbedBaseURL = "https://api.openai.com/v1"
	defaultDimensions   = 1536
	maxEmbedResponse    = 32 << 20
)

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimensions int
}

func NewOpenAIEmbedder(cfg config.EmbeddingConfig) *OpenAIEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultEmbedBaseURL
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = defaultDimensions
	}
	return &OpenAIEmbedder{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: dims,
	}
}

func (e *OpenAIEmbedder) Name() string    { return "openai" }
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(embedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, domain.NewDomainError("embedding.Embed", domain.ErrEmbeddingFailed, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, domain.NewDomainError("embedding.Embed", domain.ErrEmbeddingFailed, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewDomainError("embedding.Embed", domain.ErrEmbeddingFailed, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEmbedResponse))
	if err != nil {
		return nil, domain.NewDomainError("embedding.Embed", domain.ErrEmbeddingFailed, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewDomainError("embedding.Embed", domain.ErrEmbeddingFailed,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	var wire embedResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, domain.NewDomainError("embedding.Embed", domain.ErrEmbeddingFailed, err.Error())
	}
	if len(wire.Data) != len(texts) {
		return nil, domain.NewDomainError("embedding.Embed", domain.ErrEmbeddingFailed,
			fmt.Sprintf("expected %d vectors, got %d", len(texts), len(wire.Data)))
	}

	// The API may return data out of order; the index field is
	// authoritative.
	sort.Slice(wire.Data, func(i, j int) bool { return wire.Data[i].Index < wire.Data[j].Index })

	out := make([][]float32, len(wire.Data))
	for i, d := range wire.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
