package embedding

import (
	"container/list"
	"context"
	"sync"

	"promptdesk/internal/domain"
)

// CachedEmbedder wraps an EmbeddingProvider with an LRU cache keyed by
// input text. Query embeddings repeat heavily across turns; ingest
// traffic mostly misses and flows through.
type CachedEmbedder struct {
	inner domain.EmbeddingProvider

	mu      sync.Mutex
	maxSize int
	order   *list.List               // front = most recent
	entries map[string]*list.Element // text -> element holding cacheEntry
}

type cacheEntry struct {
	text   string
	vector []float32
}

func NewCachedEmbedder(inner domain.EmbeddingProvider, maxSize int) *CachedEmbedder {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &CachedEmbedder{
		inner:   inner,
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *CachedEmbedder) Name() string    { return c.inner.Name() }
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// Embed serves cached vectors where possible and fetches only the
// misses, preserving input order in the result.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	var missTexts []string
	var missIdx []int
	c.mu.Lock()
	for i, text := range texts {
		if el, ok := c.entries[text]; ok {
			c.order.MoveToFront(el)
			out[i] = el.Value.(*cacheEntry).vector
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	c.mu.Unlock()

	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, domain.NewDomainError("embedding.cache", domain.ErrEmbeddingFailed,
			"inner provider returned wrong vector count")
	}

	c.mu.Lock()
	for j, vec := range vectors {
		out[missIdx[j]] = vec
		c.put(missTexts[j], vec)
	}
	c.mu.Unlock()
	return out, nil
}

// put inserts under c.mu.
func (c *CachedEmbedder) put(text string, vector []float32) {
	if el, ok := c.entries[text]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).vector = vector
		return
	}
	c.entries[text] = c.order.PushFront(&cacheEntry{text: text, vector: vector})
	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).text)
	}
}

// Len returns the number of cached vectors.
func (c *CachedEmbedder) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
