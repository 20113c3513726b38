package model

import (
	"encoding/json"
	"time"

	"github.com/sprung-app/llm-orchestrator/internal/activity"
	"github.com/sprung-app/llm-orchestrator/internal/artifact"
)

// AgentSpec describes one sub-agent in a dispatch request.
type AgentSpec struct {
	Type           string         `json:"type"`
	Name           string         `json:"name"`
	SystemPrompt   string         `json:"system_prompt,omitempty"`
	Prompt         string         `json:"prompt"`
	Model          string         `json:"model,omitempty"`
	MaxTurns       int            `json:"max_turns,omitempty"`
	MaxToolCalls   int            `json:"max_tool_calls,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	ResultSchema   map[string]any `json:"result_schema,omitempty"`
}

// DispatchRequest is the body of POST /api/v1/agents.
type DispatchRequest struct {
	Agents []AgentSpec `json:"agents"`
}

// AgentResult is the outcome of one sub-agent.
type AgentResult struct {
	AgentID    string          `json:"agent_id"`
	Type       string          `json:"type"`
	Name       string          `json:"name"`
	Status     activity.Status `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Turns      int             `json:"turns"`
	ToolCalls  int             `json:"tool_calls"`
	DurationMs int64           `json:"duration_ms"`
}

// DispatchResponse lists results in request order.
type DispatchResponse struct {
	Results   []AgentResult `json:"results"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

// CardRequest asks for one knowledge card.
type CardRequest struct {
	Title       string   `json:"title"`
	Focus       string   `json:"focus,omitempty"`
	ArtifactIDs []string `json:"artifact_ids,omitempty"`
	ObjectID    string   `json:"object_id,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// KnowledgeCardsRequest is the body of POST /api/v1/knowledge-cards.
type KnowledgeCardsRequest struct {
	Cards []CardRequest `json:"cards"`
}

// CardResult is the outcome of one card request.
type CardResult struct {
	Title   string             `json:"title"`
	AgentID string             `json:"agent_id"`
	Status  activity.Status    `json:"status"`
	Card    *artifact.Artifact `json:"card,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// KnowledgeCardsResponse lists card results in request order.
type KnowledgeCardsResponse struct {
	Cards []CardResult `json:"cards"`
}

// ActivityResponse lists tracked tasks.
type ActivityResponse struct {
	Tasks  []activity.Task `json:"tasks"`
	Counts activity.Counts `json:"counts"`
}

// ReplayResponse is a page of persisted activity events.
type ReplayResponse struct {
	Events       []activity.Event `json:"events"`
	LastSequence uint64           `json:"last_sequence"`
	HasMore      bool             `json:"has_more"`
}

// Timeout returns the per-agent timeout, zero when unset.
func (s AgentSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}
