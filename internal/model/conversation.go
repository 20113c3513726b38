package model

import (
	"time"

	"github.com/sprung-app/llm-orchestrator/internal/llm"
)

// StartConversationRequest is the body of POST /api/v1/conversations.
type StartConversationRequest struct {
	Backend      string `json:"backend"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Message      string `json:"message"`
	Model        string `json:"model,omitempty"`
	ObjectID     string `json:"object_id,omitempty"`
	ObjectType   string `json:"object_type,omitempty"`
	Stream       bool   `json:"stream,omitempty"`
}

// ContinueConversationRequest is the body of
// POST /api/v1/conversations/{id}/messages.
type ContinueConversationRequest struct {
	Backend string  `json:"backend"`
	Message string  `json:"message"`
	Images  []Image `json:"images,omitempty"`
	Model   string  `json:"model,omitempty"`
	Stream  bool    `json:"stream,omitempty"`
}

// ReplyResponse is returned by non-streaming conversation turns.
type ReplyResponse struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// Conversation is a conversation as exposed over the API.
type Conversation struct {
	ID           string    `json:"id"`
	ObjectID     string    `json:"object_id,omitempty"`
	ObjectType   string    `json:"object_type,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Messages     []Message `json:"messages,omitempty"`
}

// FromConversation converts a stored conversation. Messages are included only
// when withMessages is set.
func FromConversation(c *llm.Conversation, withMessages bool) Conversation {
	out := Conversation{
		ID:           c.ID,
		ObjectID:     c.ObjectID,
		ObjectType:   c.ObjectType,
		UpdatedAt:    c.UpdatedAt,
		MessageCount: len(c.Messages),
	}
	if withMessages {
		out.Messages = make([]Message, len(c.Messages))
		for i, m := range c.Messages {
			out.Messages[i] = FromMessage(m)
		}
	}
	return out
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}
