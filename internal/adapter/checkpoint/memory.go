package checkpoint

import (
	"context"
	"sync"

	"promptdesk/internal/domain"
)

// MemoryStore is the non-durable CheckpointStore used in tests and by
// the memory backend. Snapshots are deep-copied on both sides so callers
// never alias stored state.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*domain.Conversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]*domain.Conversation)}
}

func (s *MemoryStore) Load(ctx context.Context, threadID string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.threads[threadID]
	if !ok {
		return nil, domain.NewDomainError("checkpoint.Load", domain.ErrThreadNotFound, threadID)
	}
	return copyConversation(conv), nil
}

func (s *MemoryStore) Save(ctx context.Context, threadID string, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = copyConversation(conv)
	return nil
}

// Len returns the number of stored threads.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

func copyConversation(conv *domain.Conversation) *domain.Conversation {
	out := *conv
	out.Messages = make([]domain.Message, len(conv.Messages))
	copy(out.Messages, conv.Messages)
	if conv.Metadata != nil {
		out.Metadata = make(map[domain.MetadataKey]int64, len(conv.Metadata))
		for k, v := range conv.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
