package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sprung-app/llm-orchestrator/internal/artifact"
	"github.com/sprung-app/llm-orchestrator/internal/llm"
	"github.com/sprung-app/llm-orchestrator/pkg/metrics"
)

// Names of the tools a sub-agent may call.
const (
	ToolGetArtifact   = "get_artifact"
	ToolListArtifacts = "list_artifacts"
	ToolReturnResult  = "return_result"
)

// ToolResult is the outcome of one tool call. Final is set only when the
// agent returned its result.
type ToolResult struct {
	Output  string
	IsError bool
	Final   json.RawMessage
}

// RestrictedExecutor runs the narrow tool surface available to a sub-agent.
// It reads artifacts and never writes shared state.
type RestrictedExecutor struct {
	artifacts    artifact.Reader
	resultSchema map[string]any
	maxCalls     int

	mu    sync.Mutex
	calls int
	final json.RawMessage
}

// NewRestrictedExecutor creates a tool executor. A zero maxCalls means no
// limit. resultSchema, when set, constrains the return_result payload.
func NewRestrictedExecutor(artifacts artifact.Reader, resultSchema map[string]any, maxCalls int) *RestrictedExecutor {
	return &RestrictedExecutor{artifacts: artifacts, resultSchema: resultSchema, maxCalls: maxCalls}
}

// Tools returns the tool definitions offered to the model.
func (r *RestrictedExecutor) Tools() []llm.Tool {
	result := r.resultSchema
	if result == nil {
		result = map[string]any{"type": "object"}
	}
	return []llm.Tool{
		{
			Name:        ToolGetArtifact,
			Description: "Read the full text of one artifact by id.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": map[string]any{"type": "string", "description": "Artifact id"},
				},
				"required": []any{"id"},
			},
		},
		{
			Name:        ToolListArtifacts,
			Description: "List available artifacts with short summaries. Filters are optional.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kind":      map[string]any{"type": "string", "description": "document, transcript or knowledge_card"},
					"object_id": map[string]any{"type": "string", "description": "Only artifacts attached to this object"},
				},
			},
		},
		{
			Name:        ToolReturnResult,
			Description: "Return your final result. Call exactly once when finished.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"result": result,
				},
				"required": []any{"result"},
			},
		},
	}
}

// Calls returns the number of tool calls executed so far.
func (r *RestrictedExecutor) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Final returns the returned result, if any.
func (r *RestrictedExecutor) Final() (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.final, r.final != nil
}

// ErrToolBudgetExhausted is returned once the tool call budget is spent.
var ErrToolBudgetExhausted = errors.New("tool call budget exhausted")

// Execute runs one tool call. Tool failures come back as error results for
// the model; only budget exhaustion is returned as an error.
func (r *RestrictedExecutor) Execute(ctx context.Context, call llm.ToolCall) (ToolResult, error) {
	r.mu.Lock()
	if r.maxCalls > 0 && r.calls >= r.maxCalls {
		r.mu.Unlock()
		return ToolResult{}, fmt.Errorf("%w after %d calls", ErrToolBudgetExhausted, r.maxCalls)
	}
	r.calls++
	r.mu.Unlock()

	var res ToolResult
	switch call.Name {
	case ToolGetArtifact:
		res = r.getArtifact(ctx, call.Arguments)
	case ToolListArtifacts:
		res = r.listArtifacts(ctx, call.Arguments)
	case ToolReturnResult:
		res = r.returnResult(call.Arguments)
	default:
		res = errorResult("tool %q is not available to this agent", call.Name)
		metrics.AgentToolCallsTotal.WithLabelValues("unknown", "rejected").Inc()
		return res, nil
	}

	outcome := "ok"
	if res.IsError {
		outcome = "error"
	}
	metrics.AgentToolCallsTotal.WithLabelValues(call.Name, outcome).Inc()
	return res, nil
}

func errorResult(format string, args ...any) ToolResult {
	return ToolResult{Output: "error: " + fmt.Sprintf(format, args...), IsError: true}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	return json.Unmarshal(raw, v)
}

func (r *RestrictedExecutor) getArtifact(ctx context.Context, raw json.RawMessage) ToolResult {
	var args struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("invalid arguments: %v", err)
	}
	if args.ID == "" {
		return errorResult("id is required")
	}

	a, err := r.artifacts.Get(ctx, args.ID)
	if errors.Is(err, artifact.ErrNotFound) {
		return errorResult("artifact %s not found", args.ID)
	}
	if err != nil {
		return errorResult("failed to read artifact %s: %v", args.ID, err)
	}

	out, err := json.Marshal(map[string]any{
		"id":    a.ID,
		"kind":  a.Kind,
		"title": a.Title,
		"text":  a.Text,
	})
	if err != nil {
		return errorResult("failed to encode artifact: %v", err)
	}
	return ToolResult{Output: string(out)}
}

func (r *RestrictedExecutor) listArtifacts(ctx context.Context, raw json.RawMessage) ToolResult {
	var args struct {
		Kind     string `json:"kind"`
		ObjectID string `json:"object_id"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("invalid arguments: %v", err)
	}

	list, err := r.artifacts.List(ctx, artifact.Filter{Kind: artifact.Kind(args.Kind), ObjectID: args.ObjectID})
	if err != nil {
		return errorResult("failed to list artifacts: %v", err)
	}
	if list == nil {
		list = []artifact.Summary{}
	}
	out, err := json.Marshal(list)
	if err != nil {
		return errorResult("failed to encode artifacts: %v", err)
	}
	return ToolResult{Output: string(out)}
}

func (r *RestrictedExecutor) returnResult(raw json.RawMessage) ToolResult {
	var args struct {
		Result json.RawMessage `json:"result"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("invalid arguments: %v", err)
	}
	if len(args.Result) == 0 || string(args.Result) == "null" {
		return errorResult("result is required")
	}

	if r.resultSchema != nil {
		var obj map[string]any
		if err := json.Unmarshal(args.Result, &obj); err != nil {
			return errorResult("result must be a JSON object")
		}
		if err := llm.ValidateRequired(r.resultSchema, obj); err != nil {
			return errorResult("%v", err)
		}
	}

	r.mu.Lock()
	r.final = append(json.RawMessage(nil), args.Result...)
	r.mu.Unlock()
	return ToolResult{Output: "result accepted", Final: args.Result}
}
