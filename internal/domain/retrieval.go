package domain

import "context"

// Chunk is one overlapping text window cut from a source document.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title,omitempty"`
	Category   string `json:"category,omitempty"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
	Tokens     int    `json:"tokens"`
}

// Candidate is a retrieval result: a chunk with its component scores
// and the fused score used for ranking. Semantic and Lexical are
// normalized to [0,1] independently before fusion.
type Candidate struct {
	Chunk
	Semantic float64 `json:"semantic_score"`
	Lexical  float64 `json:"lexical_score"`
	Fused    float64 `json:"fused_score"`
}

// EmbeddingProvider is the interface for text embedding backends.
type EmbeddingProvider interface {
	// Embed generates embeddings for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the dimensionality of the embedding vectors.
	Dimensions() int
	// Name returns the provider's identifier (e.g., "openai").
	Name() string
}

// VectorHit pairs a chunk ID with its cosine similarity to a query vector.
type VectorHit struct {
	ChunkID    string
	Similarity float64
}

// VectorIndex is the read side of the vector store the engine searches.
// Implementations are read-only during a turn.
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, k int) ([]VectorHit, error)
}

// Retriever produces ranked candidates for a query and formats them
// into model context under a token budget.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, categoryFilter string) ([]Candidate, error)
	FormatContext(candidates []Candidate, maxTokens int) string
}

// TokenCounter estimates token counts for budget decisions.
type TokenCounter interface {
	CountText(text string) int
	CountMessages(msgs []Message) int
}
