package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sprung-app/llm-orchestrator/internal/capability"
	"github.com/sprung-app/llm-orchestrator/internal/executor"
	"github.com/sprung-app/llm-orchestrator/internal/llm"
	"github.com/sprung-app/llm-orchestrator/internal/stream"
	"github.com/sprung-app/llm-orchestrator/pkg/metrics"
)

// lock serializes turns of one conversation. The returned func unlocks.
func (s *LLMService) lock(convID string) func() {
	s.lockMu.Lock()
	mu, ok := s.convLocks[convID]
	if !ok {
		mu = &sync.Mutex{}
		s.convLocks[convID] = mu
	}
	s.lockMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func newConversationID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func opening(systemPrompt, userMessage string) []llm.Message {
	msgs := make([]llm.Message, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, llm.SystemMessage(systemPrompt))
	}
	return append(msgs, llm.UserMessage(userMessage))
}

// chatRequest splits system messages out of the history into the request's
// system prompt.
func chatRequest(model string, history []llm.Message) *llm.Request {
	req := &llm.Request{Model: model}
	for _, m := range history {
		if m.Role == llm.RoleSystem {
			req.System = joinNonEmpty(req.System, m.Text)
			continue
		}
		req.Messages = append(req.Messages, m)
	}
	return req
}

func (s *LLMService) completeTurn(ctx context.Context, c llm.Client, backend llm.Backend, name, model string, history []llm.Message) (*llm.Response, error) {
	req := chatRequest(model, history)
	send := c.ExecuteText
	if hasImages(history) {
		send = c.ExecuteTextWithImages
	}

	resp, err := executor.Execute(ctx, s.exec, s.call(name, backend, model), func(ctx context.Context) (*llm.Response, error) {
		return send(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	recordUsage(resp, model)
	return resp, nil
}

// StartConversation opens a conversation and returns its id and the first
// reply. Nothing is persisted when the request fails.
func (s *LLMService) StartConversation(ctx context.Context, backend llm.Backend, systemPrompt, userMessage, model, objectID, objectType string) (string, string, error) {
	c, model, err := s.prepare(ctx, backend, model)
	if err != nil {
		return "", "", err
	}

	id := newConversationID()
	history := opening(systemPrompt, userMessage)
	resp, err := s.completeTurn(ctx, c, backend, "start_conversation", model, history)
	if err != nil {
		return "", "", err
	}

	metrics.ConversationsTotal.WithLabelValues(string(backend)).Inc()
	history = append(history, llm.AssistantMessage(resp))
	if err := s.convs.Persist(ctx, id, history, objectID, objectType); err != nil {
		return id, resp.Text, err
	}
	return id, resp.Text, nil
}

// ContinueConversation appends a user turn, with optional images, and
// returns the reply.
func (s *LLMService) ContinueConversation(ctx context.Context, backend llm.Backend, convID, userMessage string, images []llm.Attachment, model string) (string, error) {
	unlock := s.lock(convID)
	defer unlock()

	history, err := s.history(ctx, convID)
	if err != nil {
		return "", err
	}
	history = append(history, llm.UserMessage(userMessage, images...))

	var required []capability.Capability
	if hasImages(history) {
		required = append(required, capability.Vision)
	}
	c, model, err := s.prepare(ctx, backend, model, required...)
	if err != nil {
		return "", err
	}

	resp, err := s.completeTurn(ctx, c, backend, "continue_conversation", model, history)
	if err != nil {
		return "", err
	}

	history = append(history, llm.AssistantMessage(resp))
	if err := s.convs.Persist(ctx, convID, history, "", ""); err != nil {
		return resp.Text, err
	}
	return resp.Text, nil
}

func (s *LLMService) history(ctx context.Context, convID string) ([]llm.Message, error) {
	history, err := s.convs.Messages(ctx, convID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, llm.NewClientError("conversation %s not found", convID)
	}
	return history, nil
}

// StartConversationStreaming opens a conversation and streams the first
// reply. The conversation is persisted once, after the stream completes.
func (s *LLMService) StartConversationStreaming(ctx context.Context, backend llm.Backend, systemPrompt, userMessage, model, objectID, objectType string) (*stream.Stream, string, error) {
	c, model, err := s.prepare(ctx, backend, model)
	if err != nil {
		return nil, "", err
	}

	id := newConversationID()
	history := opening(systemPrompt, userMessage)
	st, err := s.openStream(ctx, c, backend, "start_conversation_stream", model, id, history, objectID, objectType, nil)
	if err != nil {
		return nil, "", err
	}
	metrics.ConversationsTotal.WithLabelValues(string(backend)).Inc()
	return st, id, nil
}

// ContinueConversationStreaming streams the reply to a new user turn. The
// conversation stays locked until the stream ends.
func (s *LLMService) ContinueConversationStreaming(ctx context.Context, backend llm.Backend, convID, userMessage string, images []llm.Attachment, model string) (*stream.Stream, string, error) {
	unlock := s.lock(convID)

	history, err := s.history(ctx, convID)
	if err != nil {
		unlock()
		return nil, "", err
	}
	history = append(history, llm.UserMessage(userMessage, images...))

	var required []capability.Capability
	if hasImages(history) {
		required = append(required, capability.Vision)
	}
	c, model, err := s.prepare(ctx, backend, model, required...)
	if err != nil {
		unlock()
		return nil, "", err
	}

	st, err := s.openStream(ctx, c, backend, "continue_conversation_stream", model, convID, history, "", "", unlock)
	if err != nil {
		unlock()
		return nil, "", err
	}
	return st, convID, nil
}

// openStream starts a streaming turn. The accumulator persists the history
// plus the assistant reply exactly once, on clean completion only.
func (s *LLMService) openStream(ctx context.Context, c llm.Client, backend llm.Backend, name, model, convID string, history []llm.Message, objectID, objectType string, onClose func()) (*stream.Stream, error) {
	streamer, ok := c.(llm.Streamer)
	if !ok {
		return nil, llm.NewClientError("backend %s does not support streaming", backend)
	}

	req := chatRequest(model, history)
	persistCtx := context.WithoutCancel(ctx)
	opts := []stream.Option{
		stream.WithAccumulator(func(full string) {
			msgs := append(llm.CloneMessages(history), llm.Message{Role: llm.RoleAssistant, Text: full})
			if err := s.convs.Persist(persistCtx, convID, msgs, objectID, objectType); err != nil {
				s.logger.Error("failed to persist streamed reply",
					zap.String("conversation_id", convID),
					zap.Error(err),
				)
			}
		}),
	}
	if onClose != nil {
		opts = append(opts, stream.WithOnClose(onClose))
	}

	return s.exec.OpenStream(ctx, s.call(name, backend, model), func(ctx context.Context) (llm.ChunkSource, error) {
		return streamer.OpenStream(ctx, req)
	}, opts...)
}

// Messages returns a conversation's history.
func (s *LLMService) Messages(ctx context.Context, convID string) ([]llm.Message, error) {
	return s.convs.Messages(ctx, convID)
}

// Conversation returns a conversation, or nil when unknown.
func (s *LLMService) Conversation(ctx context.Context, convID string) (*llm.Conversation, error) {
	return s.convs.Conversation(ctx, convID)
}

// Conversations lists conversations attached to an object.
func (s *LLMService) Conversations(ctx context.Context, objectID, objectType string) ([]*llm.Conversation, error) {
	return s.convs.ListByObject(ctx, objectID, objectType)
}

// DeleteConversation removes a conversation.
func (s *LLMService) DeleteConversation(ctx context.Context, convID string) error {
	unlock := s.lock(convID)
	defer unlock()

	return s.convs.Delete(ctx, convID)
}
