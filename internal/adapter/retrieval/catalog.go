package retrieval

import (
	"sync"

	"promptdesk/internal/domain"
)

// Catalog is the in-memory chunk lookup the engine resolves scored IDs
// against. It is the authority on which chunks exist and their categories.
type Catalog struct {
	mu     sync.RWMutex
	chunks map[string]domain.Chunk
}

func NewCatalog() *Catalog {
	return &Catalog{chunks: make(map[string]domain.Chunk)}
}

func (c *Catalog) Add(chunk domain.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks[chunk.ID] = chunk
}

func (c *Catalog) Get(chunkID string) (domain.Chunk, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.chunks[chunkID]
	return ch, ok
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.chunks)
}
