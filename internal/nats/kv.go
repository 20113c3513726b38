package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/sprung-app/llm-orchestrator/internal/llm"
)

// ConversationBucket is the default KV bucket holding conversations.
const ConversationBucket = "SPRUNG_CONVERSATIONS"

// ConversationKV stores conversations in a JetStream key-value bucket, one key
// per conversation id.
type ConversationKV struct {
	kv jetstream.KeyValue
}

// NewConversationKV binds to bucket, creating it when missing.
func NewConversationKV(ctx context.Context, client *Client, bucket string) (*ConversationKV, error) {
	if bucket == "" {
		bucket = ConversationBucket
	}
	js := client.JetStream()

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "LLM conversations keyed by id",
			History:     1,
			Storage:     jetstream.FileStorage,
			Compression: true,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to bind conversation bucket %s: %w", bucket, err)
	}
	return &ConversationKV{kv: kv}, nil
}

// NewConversationKVFromBucket wraps an existing bucket handle.
func NewConversationKVFromBucket(kv jetstream.KeyValue) *ConversationKV {
	return &ConversationKV{kv: kv}
}

// Load implements conversation.Store.
func (s *ConversationKV) Load(ctx context.Context, id string) (*llm.Conversation, error) {
	entry, err := s.kv.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}

	var conv llm.Conversation
	if err := json.Unmarshal(entry.Value(), &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

// Save implements conversation.Store.
func (s *ConversationKV) Save(ctx context.Context, conv *llm.Conversation) error {
	stored := *conv
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if _, err := s.kv.Put(ctx, conv.ID, data); err != nil {
		return fmt.Errorf("failed to put conversation %s: %w", conv.ID, err)
	}
	return nil
}

// Delete implements conversation.Store.
func (s *ConversationKV) Delete(ctx context.Context, id string) error {
	if err := s.kv.Purge(ctx, id); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

// ListByObject implements conversation.Store, newest first. The bucket has no secondary
// index, so every key is read.
func (s *ConversationKV) ListByObject(ctx context.Context, objectID, objectType string) ([]*llm.Conversation, error) {
	keys, err := s.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation keys: %w", err)
	}

	var out []*llm.Conversation
	for _, key := range keys {
		conv, err := s.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		if conv == nil || conv.ObjectID != objectID {
			continue
		}
		if objectType != "" && conv.ObjectType != objectType {
			continue
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
