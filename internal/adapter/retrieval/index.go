package retrieval

import (
	"context"
	"math"
	"sort"
	"sync"

	"promptdesk/internal/domain"
)

// MemoryVectorIndex is a brute-force cosine similarity index. Corpora in
// the tens of thousands of chunks search in well under a millisecond,
// which keeps the dependency surface flat until scale demands ANN.
type MemoryVectorIndex struct {
	mu      sync.RWMutex
	entries []vectorEntry
	byID    map[string]int
}

type vectorEntry struct {
	chunkID string
	vector  []float32
	norm    float64
}

func NewMemoryVectorIndex() *MemoryVectorIndex {
	return &MemoryVectorIndex{byID: make(map[string]int)}
}

// Add stores or replaces the vector for a chunk.
func (ix *MemoryVectorIndex) Add(chunkID string, vector []float32) {
	entry := vectorEntry{chunkID: chunkID, vector: vector, norm: l2norm(vector)}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if pos, ok := ix.byID[chunkID]; ok {
		ix.entries[pos] = entry
		return
	}
	ix.byID[chunkID] = len(ix.entries)
	ix.entries = append(ix.entries, entry)
}

// Search returns the k nearest chunks by cosine similarity, descending,
// ties broken by ascending chunk ID.
func (ix *MemoryVectorIndex) Search(ctx context.Context, vector []float32, k int) ([]domain.VectorHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	qnorm := l2norm(vector)
	if qnorm == 0 {
		return nil, domain.NewDomainError("vector.Search", domain.ErrVectorSearch, "zero query vector")
	}

	ix.mu.RLock()
	hits := make([]domain.VectorHit, 0, len(ix.entries))
	for _, e := range ix.entries {
		if len(e.vector) != len(vector) || e.norm == 0 {
			continue
		}
		hits = append(hits, domain.VectorHit{
			ChunkID:    e.chunkID,
			Similarity: dot(vector, e.vector) / (qnorm * e.norm),
		})
	}
	ix.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len returns the number of indexed vectors.
func (ix *MemoryVectorIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func l2norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
