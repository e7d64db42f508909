package tool

import (
	"context"
	"encoding/json"
	"time"

	"promptdesk/internal/domain"
)

// Timeboxed wraps a tool with a per-call deadline. Execution runs in its
// own goroutine so a tool that ignores its context cannot stall the
// turn; the goroutine is abandoned on timeout and its result dropped.
type Timeboxed struct {
	domain.Tool
	timeout time.Duration
}

func NewTimeboxed(t domain.Tool, timeout time.Duration) *Timeboxed {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Timeboxed{Tool: t, timeout: timeout}
}

type execOutcome struct {
	result *domain.ToolResult
	err    error
}

func (tb *Timeboxed) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, tb.timeout)
	defer cancel()

	done := make(chan execOutcome, 1)
	go func() {
		result, err := tb.Tool.Execute(ctx, params)
		done <- execOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == context.DeadlineExceeded {
			return nil, domain.NewDomainError("tool.Execute", domain.ErrToolTimeout, tb.Name())
		}
		return out.result, out.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, domain.NewDomainError("tool.Execute", domain.ErrToolTimeout, tb.Name())
		}
		return nil, ctx.Err()
	}
}
