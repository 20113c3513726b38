package middleware

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/sprung-app/llm-orchestrator/internal/llm"
)

// Request limits.
const (
	MaxMessageBytes = 100_000
	MaxImages       = 8
	MaxImageBytes   = 10 << 20
	MaxAgents       = 32
	MaxTagLength    = 128
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > MaxMessageBytes {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateTaskID validates an activity task ID.
func ValidateTaskID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid task ID format")
	}
	return nil
}

// ValidateBackend parses a backend name.
func ValidateBackend(name string) (llm.Backend, error) {
	b, ok := llm.ParseBackend(name)
	if !ok {
		return "", fmt.Errorf("unknown backend %q", name)
	}
	return b, nil
}

// ValidateObjectTag validates an object id or type used to tag conversations.
func ValidateObjectTag(tag string) error {
	if len(tag) > MaxTagLength {
		return errors.New("object tag exceeds maximum length")
	}
	if !utf8.ValidString(tag) {
		return errors.New("object tag must be valid UTF-8")
	}
	return nil
}

// ValidateAttachments checks image count and size.
func ValidateAttachments(atts []llm.Attachment) error {
	if len(atts) > MaxImages {
		return fmt.Errorf("at most %d images are allowed", MaxImages)
	}
	for i, a := range atts {
		if len(a.Data) == 0 {
			return fmt.Errorf("image %d is empty", i)
		}
		if len(a.Data) > MaxImageBytes {
			return fmt.Errorf("image %d exceeds maximum size", i)
		}
	}
	return nil
}

// ValidateAgentCount bounds a dispatch batch.
func ValidateAgentCount(n int) error {
	if n == 0 {
		return errors.New("at least one agent is required")
	}
	if n > MaxAgents {
		return fmt.Errorf("at most %d agents per dispatch", MaxAgents)
	}
	return nil
}
