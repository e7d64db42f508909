package retrieval

import (
	"math"
	"strings"
	"sync"

	"promptdesk/internal/domain"
)

// BM25 constants. k1 controls term frequency saturation, b controls
// document length normalization.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// LexicalScorer scores chunks against a query by term relevance.
type LexicalScorer interface {
	Scores(query string) (map[string]float64, error)
}

// LexicalIndex is an in-memory BM25 inverted index over chunk text.
// Writes happen during ingest; reads during a turn take the shared lock.
type LexicalIndex struct {
	mu       sync.RWMutex
	termFreq map[string]map[string]int // chunkID -> term -> count
	docFreq  map[string]int            // term -> number of chunks containing it
	lengths  map[string]int            // chunkID -> term count
	totalLen int
}

func NewLexicalIndex() *LexicalIndex {
	return &LexicalIndex{
		termFreq: make(map[string]map[string]int),
		docFreq:  make(map[string]int),
		lengths:  make(map[string]int),
	}
}

// Add indexes one chunk. Re-adding a chunk ID replaces its postings.
func (ix *LexicalIndex) Add(chunk domain.Chunk) {
	terms := tokenize(chunk.Text)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if old, ok := ix.termFreq[chunk.ID]; ok {
		for term := range old {
			ix.docFreq[term]--
			if ix.docFreq[term] <= 0 {
				delete(ix.docFreq, term)
			}
		}
		ix.totalLen -= ix.lengths[chunk.ID]
	}

	freq := make(map[string]int, len(terms))
	for _, t := range terms {
		freq[t]++
	}
	for term := range freq {
		ix.docFreq[term]++
	}
	ix.termFreq[chunk.ID] = freq
	ix.lengths[chunk.ID] = len(terms)
	ix.totalLen += len(terms)
}

// Scores returns the raw BM25 score for every chunk sharing at least one
// term with the query. Scores are unnormalized; the engine normalizes by
// the pool maximum before fusion.
func (ix *LexicalIndex) Scores(query string) (map[string]float64, error) {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.termFreq)
	if n == 0 {
		return nil, nil
	}
	avgLen := float64(ix.totalLen) / float64(n)

	scores := make(map[string]float64)
	for _, term := range queryTerms {
		df := ix.docFreq[term]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		for chunkID, freq := range ix.termFreq {
			tf := float64(freq[term])
			if tf == 0 {
				continue
			}
			norm := 1 - bm25B + bm25B*float64(ix.lengths[chunkID])/avgLen
			scores[chunkID] += idf * tf * (bm25K1 + 1) / (tf + bm25K1*norm)
		}
	}
	return scores, nil
}

// Len returns the number of indexed chunks.
func (ix *LexicalIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.termFreq)
}

// tokenize lowercases, strips surrounding punctuation and drops terms
// shorter than two runes.
func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}<>*#`-_")
		if len(f) < 2 {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}
