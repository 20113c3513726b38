// Package service provides the LLM façade the rest of the application calls.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sprung-app/llm-orchestrator/internal/capability"
	"github.com/sprung-app/llm-orchestrator/internal/conversation"
	"github.com/sprung-app/llm-orchestrator/internal/executor"
	"github.com/sprung-app/llm-orchestrator/internal/llm"
	"github.com/sprung-app/llm-orchestrator/pkg/logger"
	"github.com/sprung-app/llm-orchestrator/pkg/metrics"
)

// LLMService routes requests to a backend after checking the model's
// capabilities, and runs them under the executor's retry policy.
type LLMService struct {
	clients   map[llm.Backend]llm.Client
	defaults  map[llm.Backend]string
	validator *capability.Validator
	exec      *executor.Executor
	convs     *conversation.Coordinator
	logger    *logger.Logger

	lockMu    sync.Mutex
	convLocks map[string]*sync.Mutex
}

// Option configures an LLMService.
type Option func(*LLMService)

// WithClient registers a backend adapter and the model used when a request
// names none.
func WithClient(c llm.Client, defaultModel string) Option {
	return func(s *LLMService) {
		s.clients[c.Backend()] = c
		if defaultModel != "" {
			s.defaults[c.Backend()] = defaultModel
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *LLMService) { s.logger = l }
}

// NewLLMService creates the façade.
func NewLLMService(validator *capability.Validator, exec *executor.Executor, convs *conversation.Coordinator, opts ...Option) *LLMService {
	s := &LLMService{
		clients:   make(map[llm.Backend]llm.Client),
		defaults:  make(map[llm.Backend]string),
		validator: validator,
		exec:      exec,
		convs:     convs,
		convLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrNop(s.logger).Named("llm")
	return s
}

// Backends lists the configured backends.
func (s *LLMService) Backends() []llm.Backend {
	out := make([]llm.Backend, 0, len(s.clients))
	for b := range s.clients {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Client returns the adapter for backend.
func (s *LLMService) Client(backend llm.Backend) (llm.Client, error) {
	c, ok := s.clients[backend]
	if !ok {
		return nil, llm.NewClientError("backend %s is not configured", backend)
	}
	return c, nil
}

// Validator returns the capability validator.
func (s *LLMService) Validator() *capability.Validator {
	return s.validator
}

// Executor returns the request executor.
func (s *LLMService) Executor() *executor.Executor {
	return s.exec
}

// prepare resolves the client and model and enforces capabilities. Backends
// that publish no capability metadata skip validation.
func (s *LLMService) prepare(ctx context.Context, backend llm.Backend, model string, required ...capability.Capability) (llm.Client, string, error) {
	c, err := s.Client(backend)
	if err != nil {
		return nil, "", err
	}
	if model == "" {
		model = s.defaults[backend]
	}
	if model == "" {
		return nil, "", llm.NewClientError("model id is required")
	}
	if llm.Declares(c) && s.validator != nil {
		if err := s.validator.Validate(ctx, model, required...); err != nil {
			return nil, "", err
		}
	}
	return c, model, nil
}

func (s *LLMService) call(name string, backend llm.Backend, model string) executor.Call {
	return executor.Call{Name: name, Backend: string(backend), ModelID: model}
}

func recordUsage(resp *llm.Response, model string) {
	if resp == nil {
		return
	}
	if resp.Model != "" {
		model = resp.Model
	}
	metrics.RecordTokens(model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
}

// ExecuteText sends a single prompt and returns the reply text.
func (s *LLMService) ExecuteText(ctx context.Context, backend llm.Backend, prompt, model string, temperature *float64) (string, error) {
	c, model, err := s.prepare(ctx, backend, model)
	if err != nil {
		return "", err
	}

	req := &llm.Request{Model: model, Messages: []llm.Message{llm.UserMessage(prompt)}, Temperature: temperature}
	resp, err := executor.Execute(ctx, s.exec, s.call("execute_text", backend, model), func(ctx context.Context) (*llm.Response, error) {
		return c.ExecuteText(ctx, req)
	})
	if err != nil {
		return "", err
	}
	recordUsage(resp, model)
	return resp.Text, nil
}

// ExecuteVision sends a prompt with images. The model must support vision.
func (s *LLMService) ExecuteVision(ctx context.Context, backend llm.Backend, prompt string, images []llm.Attachment, model string) (string, error) {
	if len(images) == 0 {
		return "", llm.NewClientError("vision request requires at least one image")
	}
	c, model, err := s.prepare(ctx, backend, model, capability.Vision)
	if err != nil {
		return "", err
	}

	req := &llm.Request{Model: model, Messages: []llm.Message{llm.UserMessage(prompt, images...)}}
	resp, err := executor.Execute(ctx, s.exec, s.call("execute_vision", backend, model), func(ctx context.Context) (*llm.Response, error) {
		return c.ExecuteTextWithImages(ctx, req)
	})
	if err != nil {
		return "", err
	}
	recordUsage(resp, model)
	return resp.Text, nil
}

// ExecuteStructured is the dictionary convenience path: the generic schema is
// wrapped into a strict named schema.
func (s *LLMService) ExecuteStructured(ctx context.Context, backend llm.Backend, prompt, model, schemaName string, schema map[string]any) (json.RawMessage, error) {
	if schemaName == "" {
		schemaName = "response"
	}
	return s.ExecuteStructuredWithSchema(ctx, backend, prompt, model, llm.JSONSchema{Name: schemaName, Schema: schema, Strict: true})
}

// ExecuteStructuredWithSchema requests output constrained by an explicit
// schema and returns the validated JSON.
func (s *LLMService) ExecuteStructuredWithSchema(ctx context.Context, backend llm.Backend, prompt, model string, schema llm.JSONSchema) (json.RawMessage, error) {
	c, model, err := s.prepare(ctx, backend, model, capability.StructuredOutput, capability.JSONSchema)
	if err != nil {
		return nil, err
	}
	return s.structured(ctx, c, backend, "execute_structured", prompt, model, llm.FormatJSONSchema, &schema)
}

func (s *LLMService) structured(ctx context.Context, c llm.Client, backend llm.Backend, name, prompt, model string, format llm.ResponseFormat, schema *llm.JSONSchema) (json.RawMessage, error) {
	req := &llm.Request{Model: model, Messages: []llm.Message{llm.UserMessage(prompt)}, Format: format, Schema: schema}
	resp, err := executor.Execute(ctx, s.exec, s.call(name, backend, model), func(ctx context.Context) (*llm.Response, error) {
		return c.ExecuteStructured(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	recordUsage(resp, model)
	return decodeObject(resp.Text, schema)
}

// decodeObject extracts the JSON object from a reply and checks the schema's
// required keys.
func decodeObject(text string, schema *llm.JSONSchema) (json.RawMessage, error) {
	var obj map[string]any
	if err := llm.DecodeJSON(text, &obj); err != nil {
		return nil, err
	}
	if schema != nil {
		if err := llm.ValidateRequired(schema.Schema, obj); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(llm.ExtractJSON(text)), nil
}

// ExecuteFlexibleJSON uses schema mode while the model handles it and falls
// back to json_object mode, schema in the prompt, once schema-mode failures
// pile up. Outcomes are reported back to the validator.
func (s *LLMService) ExecuteFlexibleJSON(ctx context.Context, backend llm.Backend, prompt, model string, schema llm.JSONSchema) (json.RawMessage, error) {
	c, model, err := s.prepare(ctx, backend, model, capability.StructuredOutput)
	if err != nil {
		return nil, err
	}

	declares := llm.Declares(c) && s.validator != nil
	useSchema := !declares || s.validator.ShouldUseSchema(model)

	format := llm.FormatJSONObject
	if useSchema {
		format = llm.FormatJSONSchema
	}
	out, err := s.structured(ctx, c, backend, "execute_flexible_json", prompt, model, format, &schema)
	if !declares {
		return out, err
	}

	if err != nil && useSchema && schemaRejected(err) {
		s.validator.RecordSchemaOutcome(model, true, false)
		s.logger.Warn("schema mode rejected, retrying with json_object",
			zap.String("model", model),
			zap.Error(err),
		)
		useSchema = false
		out, err = s.structured(ctx, c, backend, "execute_flexible_json", prompt, model, llm.FormatJSONObject, &schema)
	}

	switch {
	case err == nil:
		s.validator.RecordSchemaOutcome(model, useSchema, true)
	case isOutputFailure(err):
		s.validator.RecordSchemaOutcome(model, useSchema, false)
	}
	return out, err
}

// schemaRejected reports whether the backend refused the request itself,
// which is how unsupported response_format parameters surface.
func schemaRejected(err error) bool {
	var lerr *llm.Error
	return errors.As(err, &lerr) && lerr.Kind == llm.KindClient && lerr.StatusCode == 400
}

func isOutputFailure(err error) bool {
	return errors.Is(err, llm.ErrDecodingFailed) || errors.Is(err, llm.ErrUnexpectedFormat)
}

// ExecuteWithTools sends a full message history with tool definitions and
// returns the raw completion, tool calls included. It does not loop.
func (s *LLMService) ExecuteWithTools(ctx context.Context, backend llm.Backend, messages []llm.Message, tools []llm.Tool, choice llm.ToolChoice, model string) (*llm.Response, error) {
	var required []capability.Capability
	if hasImages(messages) {
		required = append(required, capability.Vision)
	}
	c, model, err := s.prepare(ctx, backend, model, required...)
	if err != nil {
		return nil, err
	}
	tc, ok := c.(llm.ToolCaller)
	if !ok {
		return nil, llm.NewClientError("backend %s does not support tool calling", backend)
	}
	if choice.Mode == llm.ToolChoiceFunction && !hasTool(tools, choice.Function) {
		return nil, llm.NewClientError("tool choice names unknown function %q", choice.Function)
	}

	var system string
	msgs := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			system = joinNonEmpty(system, m.Text)
			continue
		}
		msgs = append(msgs, m)
	}

	req := &llm.Request{Model: model, System: system, Messages: msgs, Tools: tools, ToolChoice: choice}
	resp, err := executor.Execute(ctx, s.exec, s.call("execute_with_tools", backend, model), func(ctx context.Context) (*llm.Response, error) {
		return tc.ExecuteWithTools(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	recordUsage(resp, model)
	return resp, nil
}

func hasImages(msgs []llm.Message) bool {
	for _, m := range msgs {
		if len(m.Attachments) > 0 {
			return true
		}
	}
	return false
}

func hasTool(tools []llm.Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}

// CancelAll cancels every in-flight request and stream.
func (s *LLMService) CancelAll() {
	s.exec.CancelAll()
}
