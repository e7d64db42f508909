package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"promptdesk/internal/domain"
)

// Pool size multiplier for the vector search relative to topK, so fusion
// has headroom to reorder.
const vectorPoolFactor = 4

// Engine fuses semantic and lexical relevance into one ranking. It
// implements domain.Retriever.
type Engine struct {
	embedder domain.EmbeddingProvider
	vectors  domain.VectorIndex
	lexical  LexicalScorer
	catalog  *Catalog
	counter  domain.TokenCounter

	semanticWeight float64
	lexicalWeight  float64

	logger *slog.Logger
	events domain.EventBus
}

// EngineOptions configures fusion weights. Weights are used as given;
// callers validate them at config load time.
type EngineOptions struct {
	SemanticWeight float64
	LexicalWeight  float64
}

func NewEngine(
	embedder domain.EmbeddingProvider,
	vectors domain.VectorIndex,
	lexical LexicalScorer,
	catalog *Catalog,
	counter domain.TokenCounter,
	opts EngineOptions,
	logger *slog.Logger,
	events domain.EventBus,
) *Engine {
	return &Engine{
		embedder:       embedder,
		vectors:        vectors,
		lexical:        lexical,
		catalog:        catalog,
		counter:        counter,
		semanticWeight: opts.SemanticWeight,
		lexicalWeight:  opts.LexicalWeight,
		logger:         logger,
		events:         events,
	}
}

// Retrieve ranks chunks for the query. Candidates are sorted descending
// by fused score with ties broken by ascending chunk ID. When one
// sub-scorer fails the other carries the full weight; the degradation is
// logged and published, never surfaced as an error. Both failing is an
// error.
func (e *Engine) Retrieve(ctx context.Context, query string, topK int, categoryFilter string) ([]domain.Candidate, error) {
	if topK <= 0 {
		topK = 5
	}

	semantic, semErr := e.semanticScores(ctx, query, topK*vectorPoolFactor)
	lexical, lexErr := e.lexical.Scores(query)

	if semErr != nil && lexErr != nil {
		return nil, domain.NewDomainError("retrieval.Retrieve", domain.ErrVectorSearch,
			fmt.Sprintf("both scorers failed: semantic: %v; lexical: %v", semErr, lexErr))
	}

	wSem, wLex := e.semanticWeight, e.lexicalWeight
	if semErr != nil {
		e.degrade(ctx, "semantic", semErr)
		wSem, wLex = 0, 1
	}
	if lexErr != nil {
		e.degrade(ctx, "lexical", lexErr)
		wSem, wLex = 1, 0
	}

	normalizeLexical(lexical)

	// Union of both pools, resolved and category-filtered against the
	// catalog before fusion.
	ids := make(map[string]struct{}, len(semantic)+len(lexical))
	for id := range semantic {
		ids[id] = struct{}{}
	}
	for id := range lexical {
		ids[id] = struct{}{}
	}

	candidates := make([]domain.Candidate, 0, len(ids))
	for id := range ids {
		chunk, ok := e.catalog.Get(id)
		if !ok {
			continue
		}
		if categoryFilter != "" && chunk.Category != categoryFilter {
			continue
		}
		c := domain.Candidate{
			Chunk:    chunk,
			Semantic: semantic[id],
			Lexical:  lexical[id],
		}
		c.Fused = wSem*c.Semantic + wLex*c.Lexical
		candidates = append(candidates, c)
	}

	slices.SortFunc(candidates, func(a, b domain.Candidate) int {
		if a.Fused != b.Fused {
			return cmp.Compare(b.Fused, a.Fused)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

// FormatContext packs whole chunks, highest score first, into a context
// block under maxTokens. Chunks that would overflow the budget are
// dropped, never truncated.
func (e *Engine) FormatContext(candidates []domain.Candidate, maxTokens int) string {
	if maxTokens <= 0 || len(candidates) == 0 {
		return ""
	}

	var b strings.Builder
	used := 0
	for _, c := range candidates {
		block := fmt.Sprintf("[source: %s (%s)]\n%s\n\n", c.Title, c.ID, c.Text)
		cost := e.counter.CountText(block)
		if used+cost > maxTokens {
			continue
		}
		b.WriteString(block)
		used += cost
	}
	return strings.TrimRight(b.String(), "\n")
}

// semanticScores embeds the query and searches the vector index, returning
// cosine similarity clamped to [0,1] per chunk ID.
func (e *Engine) semanticScores(ctx context.Context, query string, k int) (map[string]float64, error) {
	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, domain.NewDomainError("retrieval.Retrieve", domain.ErrEmbeddingFailed,
			fmt.Sprintf("expected 1 query vector, got %d", len(vecs)))
	}

	hits, err := e.vectors.Search(ctx, vecs[0], k)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(hits))
	for _, h := range hits {
		scores[h.ChunkID] = clamp01(h.Similarity)
	}
	return scores, nil
}

func (e *Engine) degrade(ctx context.Context, scorer string, err error) {
	e.logger.Warn("retrieval degraded", "scorer", scorer, "error", err)
	if e.events != nil {
		e.events.Publish(ctx, domain.Event{
			Type:      domain.EventRetrievalDegraded,
			Timestamp: time.Now(),
			ThreadID:  domain.ThreadIDFromContext(ctx),
			Payload:   []byte(fmt.Sprintf("{\"scorer\":%q}", scorer)),
		})
	}
}

// normalizeLexical scales raw BM25 scores in place by the pool maximum.
func normalizeLexical(scores map[string]float64) {
	var maxScore float64
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	if maxScore <= 0 {
		return
	}
	for id, s := range scores {
		scores[id] = s / maxScore
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
