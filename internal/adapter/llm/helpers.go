package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"promptdesk/internal/domain"
)

const maxResponseBytes = 10 << 20

// doJSONRequest posts the request body and decodes the JSON response.
func (c *OpenAIClient) doJSONRequest(ctx context.Context, wireReq *openaiRequest, out any) error {
	resp, err := c.post(ctx, wireReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.NewDomainError("llm.request", domain.ErrProviderUnavailable, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return mapHTTPError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return domain.NewDomainError("llm.request", domain.ErrProviderUnavailable,
			fmt.Sprintf("malformed response body: %v", err))
	}
	return nil
}

// doStreamRequest posts the request and returns the raw response body for
// SSE parsing. The caller owns closing the body.
func (c *OpenAIClient) doStreamRequest(ctx context.Context, wireReq *openaiRequest) (io.ReadCloser, error) {
	resp, err := c.post(ctx, wireReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		return nil, mapHTTPError(resp.StatusCode, body)
	}
	return resp.Body, nil
}

func (c *OpenAIClient) post(ctx context.Context, wireReq *openaiRequest) (*http.Response, error) {
	payload, err := json.Marshal(wireReq)
	if err != nil {
		return nil, domain.NewDomainError("llm.request", domain.ErrProviderUnavailable, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, domain.NewDomainError("llm.request", domain.ErrProviderUnavailable, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewDomainError("llm.request", domain.ErrProviderUnavailable, err.Error())
	}
	return resp, nil
}

// mapHTTPError converts non-200 provider responses into domain sentinels.
func mapHTTPError(status int, body []byte) error {
	detail := providerErrorDetail(body)
	if detail == "" {
		detail = fmt.Sprintf("HTTP %d", status)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return domain.NewDomainError("llm.request", domain.ErrProviderRateLimit, detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewDomainError("llm.request", domain.ErrProviderAuth, detail)
	case status == http.StatusRequestEntityTooLarge:
		return domain.NewDomainError("llm.request", domain.ErrContextOverflow, detail)
	case status >= 500:
		return domain.NewDomainError("llm.request", domain.ErrProviderUnavailable, detail)
	default:
		return domain.NewDomainError("llm.request", domain.ErrProviderUnavailable,
			fmt.Sprintf("unexpected status %d: %s", status, detail))
	}
}

func providerErrorDetail(body []byte) string {
	var wrapper struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return ""
	}
	if wrapper.Error.Type != "" {
		return fmt.Sprintf("%s: %s", wrapper.Error.Type, wrapper.Error.Message)
	}
	return wrapper.Error.Message
}
