package model

import (
	"encoding/json"

	"github.com/sprung-app/llm-orchestrator/internal/capability"
	"github.com/sprung-app/llm-orchestrator/internal/llm"
)

// TextRequest is the body of POST /api/v1/llm/text.
type TextRequest struct {
	Backend     string   `json:"backend"`
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// VisionRequest is the body of POST /api/v1/llm/vision.
type VisionRequest struct {
	Backend string  `json:"backend"`
	Prompt  string  `json:"prompt"`
	Images  []Image `json:"images"`
	Model   string  `json:"model,omitempty"`
}

// TextResponse carries a plain reply.
type TextResponse struct {
	Content string `json:"content"`
}

// StructuredRequest is the body of POST /api/v1/llm/structured. Flexible
// selects the path that falls back to json_object mode.
type StructuredRequest struct {
	Backend    string         `json:"backend"`
	Prompt     string         `json:"prompt"`
	Model      string         `json:"model,omitempty"`
	SchemaName string         `json:"schema_name,omitempty"`
	Schema     map[string]any `json:"schema"`
	Flexible   bool           `json:"flexible,omitempty"`
}

// StructuredResponse carries the validated JSON object.
type StructuredResponse struct {
	Result json.RawMessage `json:"result"`
}

// ToolsRequest is the body of POST /api/v1/llm/tools.
type ToolsRequest struct {
	Backend    string         `json:"backend"`
	Messages   []Message      `json:"messages"`
	Tools      []llm.Tool     `json:"tools"`
	ToolChoice llm.ToolChoice `json:"tool_choice"`
	Model      string         `json:"model,omitempty"`
}

// ModelsResponse lists cached capability records.
type ModelsResponse struct {
	Models   []capability.Record `json:"models"`
	Backends []llm.Backend       `json:"backends"`
}

// RefreshResponse reports a catalog refresh.
type RefreshResponse struct {
	Models int `json:"models"`
}
