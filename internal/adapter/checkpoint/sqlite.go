// Package checkpoint provides durable and in-memory implementations of
// domain.CheckpointStore.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"promptdesk/internal/domain"
)

const threadSchema = `
CREATE TABLE IF NOT EXISTS threads (
	thread_id  TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// SQLiteStore persists conversation snapshots as JSON rows keyed by
// thread ID. Save is an upsert, so the last completed turn wins.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, domain.NewDomainError("checkpoint.Open", domain.ErrCheckpointUnavailable, err.Error())
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(threadSchema); err != nil {
		db.Close()
		return nil, domain.NewDomainError("checkpoint.Open", domain.ErrCheckpointUnavailable, err.Error())
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*domain.Conversation, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM threads WHERE thread_id = ?`, threadID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("checkpoint.Load", domain.ErrThreadNotFound, threadID)
	}
	if err != nil {
		return nil, domain.NewDomainError("checkpoint.Load", domain.ErrCheckpointUnavailable, err.Error())
	}

	var conv domain.Conversation
	if err := json.Unmarshal(payload, &conv); err != nil {
		return nil, domain.NewDomainError("checkpoint.Load", domain.ErrCheckpointUnavailable,
			"corrupt payload: "+err.Error())
	}
	return &conv, nil
}

func (s *SQLiteStore) Save(ctx context.Context, threadID string, conv *domain.Conversation) error {
	payload, err := json.Marshal(conv)
	if err != nil {
		return domain.NewDomainError("checkpoint.Save", domain.ErrCheckpointUnavailable, err.Error())
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (thread_id, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		threadID, payload, time.Now().UTC())
	if err != nil {
		return domain.NewDomainError("checkpoint.Save", domain.ErrCheckpointUnavailable, err.Error())
	}
	return nil
}
