package embedding

import (
	"context"

	"golang.org/x/time/rate"

	"promptdesk/internal/domain"
)

// ThrottledEmbedder bounds outbound request rate to the embedding
// backend. Ingest can otherwise burst hundreds of batch requests and
// trip provider-side limits.
type ThrottledEmbedder struct {
	inner   domain.EmbeddingProvider
	limiter *rate.Limiter
}

// NewThrottledEmbedder allows maxQPS requests per second with a burst of
// one. A non-positive maxQPS disables throttling.
func NewThrottledEmbedder(inner domain.EmbeddingProvider, maxQPS float64) domain.EmbeddingProvider {
	if maxQPS <= 0 {
		return inner
	}
	return &ThrottledEmbedder{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(maxQPS), 1),
	}
}

func (t *ThrottledEmbedder) Name() string    { return t.inner.Name() }
func (t *ThrottledEmbedder) Dimensions() int { return t.inner.Dimensions() }

func (t *ThrottledEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.Embed(ctx, texts)
}
