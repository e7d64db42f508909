// Package tokenizer provides token counters for context budget decisions.
package tokenizer

import (
	"log/slog"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"promptdesk/internal/domain"
)

// Per-message framing overhead in the chat completion format.
const messageOverheadTokens = 4

// TiktokenCounter counts tokens with a real BPE encoding.
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewCounter returns a counter for the given encoding name. When the
// encoding cannot be loaded (tiktoken fetches vocabularies lazily and may
// be offline), it falls back to the heuristic counter so retrieval and
// truncation keep working with coarser budgets.
func NewCounter(encodingName string, logger *slog.Logger) domain.TokenCounter {
	if encodingName == "" {
		encodingName = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, using heuristic counter",
			"encoding", encodingName, "error", err)
		return HeuristicCounter{}
	}
	return &TiktokenCounter{encoding: enc}
}

func (c *TiktokenCounter) CountText(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

func (c *TiktokenCounter) CountMessages(msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageOverheadTokens
		total += c.CountText(m.Content)
		for _, tc := range m.ToolCalls {
			total += c.CountText(tc.Name)
			total += c.CountText(string(tc.Arguments))
		}
	}
	return total
}

// HeuristicCounter estimates roughly four characters per token. It is the
// offline fallback and the counter used in tests.
type HeuristicCounter struct{}

func (HeuristicCounter) CountText(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

func (h HeuristicCounter) CountMessages(msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageOverheadTokens
		total += h.CountText(m.Content)
		for _, tc := range m.ToolCalls {
			total += h.CountText(tc.Name)
			total += h.CountText(string(tc.Arguments))
		}
	}
	return total
}
