// Package model defines the request and response bodies of the HTTP API.
package model

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sprung-app/llm-orchestrator/internal/llm"
)

// Image is an inline image attachment.
type Image struct {
	// Data is base64 encoded.
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

// Attachment decodes the image.
func (i Image) Attachment() (llm.Attachment, error) {
	data, err := base64.StdEncoding.DecodeString(i.Data)
	if err != nil {
		return llm.Attachment{}, fmt.Errorf("invalid image data: %w", err)
	}
	mime := i.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return llm.Attachment{Data: data, MIMEType: mime}, nil
}

// Attachments decodes a list of images.
func Attachments(images []Image) ([]llm.Attachment, error) {
	if len(images) == 0 {
		return nil, nil
	}
	out := make([]llm.Attachment, len(images))
	for i, img := range images {
		a, err := img.Attachment()
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is one turn as exposed over the API. Images are reported by count
// only.
type Message struct {
	Role       llm.Role   `json:"role"`
	Content    string     `json:"content"`
	Images     []Image    `json:"images,omitempty"`
	ImageCount int        `json:"image_count,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// FromMessage converts a stored message for output.
func FromMessage(m llm.Message) Message {
	out := Message{
		Role:       m.Role,
		Content:    m.Text,
		ImageCount: len(m.Attachments),
		ToolCallID: m.ToolCallID,
	}
	for _, c := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, FromToolCall(c))
	}
	return out
}

// FromToolCall converts a tool call for output. Arguments that are not a JSON
// object are dropped.
func FromToolCall(c llm.ToolCall) ToolCall {
	tc := ToolCall{ID: c.ID, Name: c.Name}
	var args map[string]any
	if err := llm.DecodeJSON(string(c.Arguments), &args); err == nil {
		tc.Arguments = args
	}
	return tc
}

// ToMessage converts an incoming message.
func (m Message) ToMessage() (llm.Message, error) {
	atts, err := Attachments(m.Images)
	if err != nil {
		return llm.Message{}, err
	}
	return llm.Message{Role: m.Role, Text: m.Content, Attachments: atts, ToolCallID: m.ToolCallID}, nil
}

// Usage is token accounting for a completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Completion is a raw completion, tool calls included.
type Completion struct {
	ID         string     `json:"id,omitempty"`
	Model      string     `json:"model,omitempty"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      Usage      `json:"usage"`
	LatencyMs  int64      `json:"latency_ms"`
}

// FromResponse converts a normalized response.
func FromResponse(r *llm.Response) Completion {
	c := Completion{
		ID:         r.ID,
		Model:      r.Model,
		Content:    r.Text,
		StopReason: r.StopReason,
		Usage:      Usage{InputTokens: r.Usage.InputTokens, OutputTokens: r.Usage.OutputTokens},
		LatencyMs:  r.Latency.Milliseconds(),
	}
	for _, tc := range r.ToolCalls {
		c.ToolCalls = append(c.ToolCalls, FromToolCall(tc))
	}
	return c
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	Requested  int    `json:"requested_tokens,omitempty"`
	Available  int    `json:"available_tokens,omitempty"`
}

// TokenEvent is one streamed text delta.
type TokenEvent struct {
	Token string `json:"token"`
	Index int    `json:"index"`
}

// DoneEvent ends a streamed reply.
type DoneEvent struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Cancelled      bool   `json:"cancelled,omitempty"`
}

// HeartbeatEvent keeps idle SSE connections open.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
