package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"promptdesk/internal/domain"
)

const (
	streamChannelBuffer  = 16
	maxToolCallsPerDelta = 50
)

// parseSSEStream reads server-sent events from body and emits StreamDelta
// values. The returned channel is closed when the stream terminates with
// [DONE], the body ends, or ctx is cancelled. Unparseable data lines are
// skipped rather than aborting the stream.
func parseSSEStream(ctx context.Context, body io.ReadCloser) <-chan domain.StreamDelta {
	out := make(chan domain.StreamDelta, streamChannelBuffer)

	go func() {
		defer close(out)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			if data == "[DONE]" {
				select {
				case out <- domain.StreamDelta{Done: true}:
				case <-ctx.Done():
				}
				return
			}

			var chunk openaiResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			delta, ok := deltaFromChunk(&chunk)
			if !ok {
				continue
			}
			select {
			case out <- delta:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// deltaFromChunk converts a wire chunk into a StreamDelta. Chunks with
// neither content, tool calls, nor usage are dropped.
func deltaFromChunk(chunk *openaiResponse) (domain.StreamDelta, bool) {
	var delta domain.StreamDelta

	if chunk.Usage != nil {
		delta.Usage = &domain.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	if len(chunk.Choices) > 0 {
		d := chunk.Choices[0].Delta
		delta.Content = d.Content
		// Tool call fragments are positioned by their wire index so the
		// accumulator can merge argument fragments elementwise. Arguments
		// are partial JSON here and must not be validated.
		for i, tc := range d.ToolCalls {
			pos := i
			if tc.Index != nil {
				pos = *tc.Index
			}
			if pos < 0 || pos >= maxToolCallsPerDelta {
				continue
			}
			for len(delta.ToolCalls) <= pos {
				delta.ToolCalls = append(delta.ToolCalls, domain.ToolCall{})
			}
			delta.ToolCalls[pos] = domain.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			}
		}
	}

	if delta.Content == "" && len(delta.ToolCalls) == 0 && delta.Usage == nil {
		return domain.StreamDelta{}, false
	}
	return delta, true
}
