// Package conversation keeps multi-turn message histories in a write-through
// cache in front of a durable store.
package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sprung-app/llm-orchestrator/internal/llm"
	"github.com/sprung-app/llm-orchestrator/pkg/logger"
	"github.com/sprung-app/llm-orchestrator/pkg/metrics"
)

// Store is durable conversation storage.
type Store interface {
	// Load returns nil and no error when the conversation does not exist.
	Load(ctx context.Context, id string) (*llm.Conversation, error)
	Save(ctx context.Context, conv *llm.Conversation) error
	Delete(ctx context.Context, id string) error
	ListByObject(ctx context.Context, objectID, objectType string) ([]*llm.Conversation, error)
}

type entry struct {
	messages   []llm.Message
	objectID   string
	objectType string
	updatedAt  time.Time
}

// Coordinator is the single owner of the conversation cache.
type Coordinator struct {
	store Store
	log   *logger.Logger

	mu    sync.Mutex
	cache map[string]*entry
	loads singleflight.Group
}

// NewCoordinator creates a coordinator backed by store.
func NewCoordinator(store Store, log *logger.Logger) *Coordinator {
	return &Coordinator{
		store: store,
		log:   logger.OrNop(log).Named("conversation"),
		cache: make(map[string]*entry),
	}
}

// Messages returns a copy of the conversation's messages, loading from the
// store on a cache miss. An unknown conversation yields an empty list.
func (c *Coordinator) Messages(ctx context.Context, id string) ([]llm.Message, error) {
	conv, err := c.Conversation(ctx, id)
	if err != nil || conv == nil {
		return nil, err
	}
	return conv.Messages, nil
}

// Conversation returns a copy of the full conversation, or nil when unknown.
func (c *Coordinator) Conversation(ctx context.Context, id string) (*llm.Conversation, error) {
	if conv := c.cached(id); conv != nil {
		return conv, nil
	}

	v, err, _ := c.loads.Do(id, func() (any, error) {
		return c.store.Load(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	loaded, _ := v.(*llm.Conversation)
	if loaded == nil || len(loaded.Messages) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	// A Persist that raced with the load wins.
	if _, ok := c.cache[id]; !ok {
		c.cache[id] = &entry{
			messages:   llm.CloneMessages(loaded.Messages),
			objectID:   loaded.ObjectID,
			objectType: loaded.ObjectType,
			updatedAt:  loaded.UpdatedAt,
		}
	}
	c.mu.Unlock()

	return c.cached(id), nil
}

func (c *Coordinator) cached(id string) *llm.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[id]
	if !ok {
		return nil
	}
	return &llm.Conversation{
		ID:         id,
		Messages:   llm.CloneMessages(e.messages),
		ObjectID:   e.objectID,
		ObjectType: e.objectType,
		UpdatedAt:  e.updatedAt,
	}
}

// Persist replaces the conversation's messages. The cache is updated before
// the store; a store failure is returned but the cache keeps the new list.
// Empty object tags keep the existing ones.
func (c *Coordinator) Persist(ctx context.Context, id string, msgs []llm.Message, objectID, objectType string) error {
	now := time.Now().UTC()

	c.mu.Lock()
	prev := c.cache[id]
	e := &entry{
		messages:   llm.CloneMessages(msgs),
		objectID:   objectID,
		objectType: objectType,
		updatedAt:  now,
	}
	prevLen := 0
	if prev != nil {
		prevLen = len(prev.messages)
		if e.objectID == "" {
			e.objectID = prev.objectID
		}
		if e.objectType == "" {
			e.objectType = prev.objectType
		}
	}
	c.cache[id] = e
	conv := &llm.Conversation{
		ID:         id,
		Messages:   llm.CloneMessages(e.messages),
		ObjectID:   e.objectID,
		ObjectType: e.objectType,
		UpdatedAt:  now,
	}
	c.mu.Unlock()

	for i := prevLen; i < len(msgs); i++ {
		metrics.MessagesTotal.WithLabelValues(string(msgs[i].Role)).Inc()
	}

	if err := c.store.Save(ctx, conv); err != nil {
		c.log.Error("failed to persist conversation",
			zap.String("conversation_id", id),
			zap.Int("messages", len(msgs)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to persist conversation %s: %w", id, err)
	}
	return nil
}

// Append adds messages to the end of a conversation and persists it.
func (c *Coordinator) Append(ctx context.Context, id string, msgs ...llm.Message) error {
	conv, err := c.Conversation(ctx, id)
	if err != nil {
		return err
	}
	var existing []llm.Message
	var objectID, objectType string
	if conv != nil {
		existing = conv.Messages
		objectID, objectType = conv.ObjectID, conv.ObjectType
	}
	return c.Persist(ctx, id, append(existing, msgs...), objectID, objectType)
}

// Delete removes a conversation from the cache and the store.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.cache, id)
	c.mu.Unlock()

	if err := c.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

// ListByObject returns conversations tagged with the given object.
func (c *Coordinator) ListByObject(ctx context.Context, objectID, objectType string) ([]*llm.Conversation, error) {
	convs, err := c.store.ListByObject(ctx, objectID, objectType)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

// Cached reports whether id is currently in the cache.
func (c *Coordinator) Cached(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cache[id]
	return ok
}
