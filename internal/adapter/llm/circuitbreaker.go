package llm

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sony/gobreaker/v2"

	"promptdesk/internal/domain"
	"promptdesk/internal/infra/config"
)

// BreakerProvider wraps an LLMProvider with a circuit breaker so a flapping
// backend fails fast instead of tying up turns in timeouts. Streaming calls
// share the same breaker state as synchronous ones.
type BreakerProvider struct {
	inner   domain.StreamingLLMProvider
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
	logger  *slog.Logger
}

// NewBreakerProvider wires a circuit breaker around inner using the breaker
// config section. Returns inner unchanged when the breaker is disabled.
func NewBreakerProvider(inner domain.StreamingLLMProvider, cfg config.BreakerConfig, logger *slog.Logger) domain.StreamingLLMProvider {
	if !cfg.Enabled {
		return inner
	}

	settings := gobreaker.Settings{
		Name:     "llm-" + inner.Name(),
		Interval: cfg.Interval,
		Timeout:  cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		IsSuccessful: func(err error) bool {
			// Client-side mistakes should not trip the breaker.
			if err == nil {
				return true
			}
			return errors.Is(err, domain.ErrProviderAuth) ||
				errors.Is(err, domain.ErrContextOverflow) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("llm circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &BreakerProvider{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[*domain.ChatResponse](settings),
		logger:  logger,
	}
}

func (p *BreakerProvider) Name() string { return p.inner.Name() }

func (p *BreakerProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		return p.inner.Chat(ctx, req)
	})
	if err != nil {
		return nil, mapBreakerError(err)
	}
	return resp, nil
}

func (p *BreakerProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	var stream <-chan domain.StreamDelta
	_, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		s, err := p.inner.ChatStream(ctx, req)
		if err != nil {
			return nil, err
		}
		stream = s
		return nil, nil
	})
	if err != nil {
		return nil, mapBreakerError(err)
	}
	return stream, nil
}

func mapBreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewDomainError("llm.breaker", domain.ErrProviderUnavailable, "circuit breaker open")
	}
	return err
}
