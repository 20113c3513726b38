package conversation

import (
	"context"
	"sort"
	"sync"

	"github.com/sprung-app/llm-orchestrator/internal/llm"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*llm.Conversation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*llm.Conversation)}
}

func cloneConversation(c *llm.Conversation) *llm.Conversation {
	out := *c
	out.Messages = llm.CloneMessages(c.Messages)
	return &out
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, id string) (*llm.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, nil
	}
	return cloneConversation(c), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, conv *llm.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = cloneConversation(conv)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
	return nil
}

// ListByObject implements Store. Results are ordered by most recent update.
func (s *MemoryStore) ListByObject(_ context.Context, objectID, objectType string) ([]*llm.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*llm.Conversation
	for _, c := range s.convs {
		if c.ObjectID == objectID && (objectType == "" || c.ObjectType == objectType) {
			out = append(out, cloneConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
