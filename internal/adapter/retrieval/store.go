package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"promptdesk/internal/domain"
)

const corpusSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	category   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	title       TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	idx         INTEGER NOT NULL,
	text        TEXT NOT NULL,
	tokens      INTEGER NOT NULL,
	embedding   BLOB
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
`

// CorpusStore persists documents, chunks and their embeddings in SQLite.
// It is the durable side of the corpus; the in-memory indexes are rebuilt
// from it at startup.
type CorpusStore struct {
	db *sql.DB
}

func OpenCorpusStore(path string) (*CorpusStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, domain.NewDomainError("corpus.Open", domain.ErrCorpusStore, err.Error())
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent ingest.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(corpusSchema); err != nil {
		db.Close()
		return nil, domain.NewDomainError("corpus.Open", domain.ErrCorpusStore, err.Error())
	}
	return &CorpusStore{db: db}, nil
}

func (s *CorpusStore) Close() error { return s.db.Close() }

// SaveDocument stores a document with its chunks and vectors in one
// transaction. Re-saving a document ID replaces its chunks.
func (s *CorpusStore) SaveDocument(ctx context.Context, doc Document, chunks []domain.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return domain.NewDomainError("corpus.SaveDocument", domain.ErrCorpusStore,
			fmt.Sprintf("%d chunks but %d vectors", len(chunks), len(vectors)))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewDomainError("corpus.SaveDocument", domain.ErrCorpusStore, err.Error())
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, title, category, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, category = excluded.category`,
		doc.ID, doc.Title, doc.Category, time.Now().UTC()); err != nil {
		return domain.NewDomainError("corpus.SaveDocument", domain.ErrCorpusStore, err.Error())
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, doc.ID); err != nil {
		return domain.NewDomainError("corpus.SaveDocument", domain.ErrCorpusStore, err.Error())
	}

	for i, ch := range chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (id, document_id, title, category, idx, text, tokens, embedding)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ch.ID, ch.DocumentID, ch.Title, ch.Category, ch.Index, ch.Text, ch.Tokens,
			encodeVector(vectors[i])); err != nil {
			return domain.NewDomainError("corpus.SaveDocument", domain.ErrCorpusStore, err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.NewDomainError("corpus.SaveDocument", domain.ErrCorpusStore, err.Error())
	}
	return nil
}

// ForEachChunk streams every stored chunk and its vector to fn. Used to
// rebuild the in-memory indexes at startup.
func (s *CorpusStore) ForEachChunk(ctx context.Context, fn func(chunk domain.Chunk, vector []float32) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, title, category, idx, text, tokens, embedding FROM chunks ORDER BY id`)
	if err != nil {
		return domain.NewDomainError("corpus.ForEachChunk", domain.ErrCorpusStore, err.Error())
	}
	defer rows.Close()

	for rows.Next() {
		var ch domain.Chunk
		var blob []byte
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.Title, &ch.Category,
			&ch.Index, &ch.Text, &ch.Tokens, &blob); err != nil {
			return domain.NewDomainError("corpus.ForEachChunk", domain.ErrCorpusStore, err.Error())
		}
		if err := fn(ch, decodeVector(blob)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return domain.NewDomainError("corpus.ForEachChunk", domain.ErrCorpusStore, err.Error())
	}
	return nil
}

// CountChunks returns the number of stored chunks.
func (s *CorpusStore) CountChunks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, domain.NewDomainError("corpus.CountChunks", domain.ErrCorpusStore, err.Error())
	}
	return n, nil
}

// Vectors are stored as little-endian float32 blobs.

func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v
}
