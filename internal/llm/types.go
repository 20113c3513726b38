package llm

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Backend selects the adapter a façade call is routed to.
type Backend string

const (
	// BackendOpenRouter routes through OpenRouter's OpenAI-compatible API and
	// declares per-model capability metadata.
	BackendOpenRouter Backend = "openrouter"
	// BackendAnthropic talks to the Anthropic Messages API.
	BackendAnthropic Backend = "anthropic"
	// BackendOpenAI talks to the OpenAI Responses API with response chains.
	BackendOpenAI Backend = "openai"
)

// ParseBackend converts a string into a Backend.
func ParseBackend(s string) (Backend, bool) {
	switch Backend(s) {
	case BackendOpenRouter, BackendAnthropic, BackendOpenAI:
		return Backend(s), true
	}
	return "", false
}

// Role represents the role of a message sender.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Attachment is binary content sent alongside a message, usually an image.
type Attachment struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mime_type"`
}

// DataURL encodes the attachment as a base64 data URL.
func (a Attachment) DataURL() string {
	return "data:" + a.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// Message is one turn of a conversation. Messages are treated as immutable
// once appended to a conversation.
type Message struct {
	Role        Role         `json:"role"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = make([]Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			out.Attachments[i] = Attachment{MIMEType: a.MIMEType, Data: append([]byte(nil), a.Data...)}
		}
	}
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, c := range m.ToolCalls {
			out.ToolCalls[i] = ToolCall{ID: c.ID, Name: c.Name, Arguments: append(json.RawMessage(nil), c.Arguments...)}
		}
	}
	return out
}

// CloneMessages deep-copies a message list.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// UserMessage builds a user message with optional attachments.
func UserMessage(text string, attachments ...Attachment) Message {
	return Message{Role: RoleUser, Text: text, Attachments: attachments}
}

// SystemMessage builds a system message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Text: text}
}

// AssistantMessage builds an assistant message from a response.
func AssistantMessage(resp *Response) Message {
	return Message{Role: RoleAssistant, Text: resp.Text, ToolCalls: resp.ToolCalls}
}

// ToolResultMessage builds the tool-role reply to a tool call.
func ToolResultMessage(callID, output string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Text: output}
}

// Conversation is an ordered, append-only message history.
type Conversation struct {
	ID         string    `json:"id"`
	Messages   []Message `json:"messages"`
	ObjectID   string    `json:"object_id,omitempty"`
	ObjectType string    `json:"object_type,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool describes a function the model may call. Parameters is a JSON-schema
// shaped object converted per backend.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict"`
}

// ToolChoiceMode controls whether and which tools the model calls.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice is a tool-choice policy. Function is set only for ToolChoiceFunction.
type ToolChoice struct {
	Mode     ToolChoiceMode `json:"mode"`
	Function string         `json:"function,omitempty"`
}

// ForceFunction returns a policy forcing a call to the named function.
func ForceFunction(name string) ToolChoice {
	return ToolChoice{Mode: ToolChoiceFunction, Function: name}
}

// ResponseFormat selects plain text or JSON output.
type ResponseFormat string

const (
	FormatText       ResponseFormat = "text"
	FormatJSONObject ResponseFormat = "json_object"
	FormatJSONSchema ResponseFormat = "json_schema"
)

// JSONSchema is an explicit schema object for schema-constrained output.
type JSONSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema"`
	Strict      bool           `json:"strict"`
}

// Request is the backend-agnostic request every adapter accepts.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
	Format      ResponseFormat
	Schema      *JSONSchema
	Tools       []Tool
	ToolChoice  ToolChoice
}

// TurnRequest continues a server-side response chain. Input carries only the
// new items for this turn: user text or tool results.
type TurnRequest struct {
	Model              string
	Instructions       string
	PreviousResponseID string
	Input              []Message
	Tools              []Tool
	ToolChoice         ToolChoice
	MaxTokens          int
}

// Usage is token accounting for a response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the normalized completion returned by every adapter.
type Response struct {
	ID         string        `json:"id"`
	Model      string        `json:"model"`
	Text       string        `json:"text"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	StopReason string        `json:"stop_reason"`
	Usage      Usage         `json:"usage"`
	Latency    time.Duration `json:"latency"`
}

// StreamChunk is an incremental unit of a streaming response. The final
// chunk, once observed, ends the stream.
type StreamChunk struct {
	Delta   string `json:"delta,omitempty"`
	IsFinal bool   `json:"is_final"`
	Raw     any    `json:"-"`
}

// ChunkSource is a raw, pull-based stream. Recv returns io.EOF after the last
// chunk.
type ChunkSource interface {
	Recv() (StreamChunk, error)
	Close() error
}
