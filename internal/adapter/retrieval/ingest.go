package retrieval

import (
	"context"
	"log/slog"

	"promptdesk/internal/domain"
)

// Max texts per embedding request during ingest.
const embedBatchSize = 64

// Ingestor runs the corpus pipeline: document -> chunker -> embedder ->
// durable store + in-memory indexes.
type Ingestor struct {
	chunker  *Chunker
	embedder domain.EmbeddingProvider
	store    *CorpusStore
	vectors  *MemoryVectorIndex
	lexical  *LexicalIndex
	catalog  *Catalog
	logger   *slog.Logger
}

func NewIngestor(
	chunker *Chunker,
	embedder domain.EmbeddingProvider,
	store *CorpusStore,
	vectors *MemoryVectorIndex,
	lexical *LexicalIndex,
	catalog *Catalog,
	logger *slog.Logger,
) *Ingestor {
	return &Ingestor{
		chunker:  chunker,
		embedder: embedder,
		store:    store,
		vectors:  vectors,
		lexical:  lexical,
		catalog:  catalog,
		logger:   logger,
	}
}

// IngestDocument chunks, embeds, persists and indexes one document.
// Returns the number of chunks produced.
func (in *Ingestor) IngestDocument(ctx context.Context, doc Document) (int, error) {
	chunks := in.chunker.SplitAll(doc)
	if len(chunks) == 0 {
		in.logger.Warn("document produced no chunks", "document_id", doc.ID)
		return 0, nil
	}

	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, ch := range chunks[start:end] {
			texts = append(texts, ch.Text)
		}
		batch, err := in.embedder.Embed(ctx, texts)
		if err != nil {
			return 0, domain.WrapOp("ingest.IngestDocument", err)
		}
		vectors = append(vectors, batch...)
	}

	if in.store != nil {
		if err := in.store.SaveDocument(ctx, doc, chunks, vectors); err != nil {
			return 0, err
		}
	}
	for i, ch := range chunks {
		in.vectors.Add(ch.ID, vectors[i])
		in.lexical.Add(ch)
		in.catalog.Add(ch)
	}

	in.logger.Info("document ingested",
		"document_id", doc.ID,
		"chunks", len(chunks),
		"preview", chunkPreview(doc.Text))
	return len(chunks), nil
}

// LoadIndexes rebuilds the in-memory indexes from the durable store.
func (in *Ingestor) LoadIndexes(ctx context.Context) (int, error) {
	if in.store == nil {
		return 0, nil
	}
	n := 0
	err := in.store.ForEachChunk(ctx, func(ch domain.Chunk, vector []float32) error {
		if vector != nil {
			in.vectors.Add(ch.ID, vector)
		}
		in.lexical.Add(ch)
		in.catalog.Add(ch)
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	in.logger.Info("corpus indexes loaded", "chunks", n)
	return n, nil
}
