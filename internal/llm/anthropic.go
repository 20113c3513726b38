package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicClient is the Anthropic Messages API client. Structured output is
// requested through the system prompt since the API has no JSON mode.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg ClientConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return &AnthropicClient{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    maxTokens,
	}, nil
}

// Backend returns the backend name.
func (c *AnthropicClient) Backend() Backend {
	return BackendAnthropic
}

// ExecuteText sends a text-only completion request.
func (c *AnthropicClient) ExecuteText(ctx context.Context, req *Request) (*Response, error) {
	return c.complete(ctx, req)
}

// ExecuteTextWithImages sends a completion with image attachments.
func (c *AnthropicClient) ExecuteTextWithImages(ctx context.Context, req *Request) (*Response, error) {
	if err := requireImages(req); err != nil {
		return nil, err
	}
	return c.complete(ctx, req)
}

// ExecuteStructured asks for JSON through the system prompt and strips any
// code fences from the reply.
func (c *AnthropicClient) ExecuteStructured(ctx context.Context, req *Request) (*Response, error) {
	if err := requireJSONFormat(req); err != nil {
		return nil, err
	}
	resp, err := c.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Text = ExtractJSON(resp.Text)
	return resp, nil
}

// ExecuteStructuredWithImages is ExecuteStructured with image attachments.
func (c *AnthropicClient) ExecuteStructuredWithImages(ctx context.Context, req *Request) (*Response, error) {
	if err := requireImages(req); err != nil {
		return nil, err
	}
	return c.ExecuteStructured(ctx, req)
}

// ExecuteWithTools sends a completion that may return tool_use blocks.
func (c *AnthropicClient) ExecuteWithTools(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Tools) == 0 {
		return nil, NewClientError("tool request has no tools")
	}
	return c.complete(ctx, req)
}

func (c *AnthropicClient) complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	out := &Response{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		Latency: time.Since(start),
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: append(json.RawMessage(nil), b.Input...),
			})
		}
	}
	out.Text = text.String()
	return out, nil
}

// OpenStream starts a streaming completion.
func (c *AnthropicClient) OpenStream(ctx context.Context, req *Request) (ChunkSource, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	return &messageStream{stream: c.client.Messages.NewStreaming(ctx, params)}, nil
}

type messageStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

func (s *messageStream) Recv() (StreamChunk, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				return StreamChunk{Delta: delta.Text, Raw: event}, nil
			}
		case anthropic.MessageStopEvent:
			return StreamChunk{IsFinal: true, Raw: event}, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return StreamChunk{}, err
	}
	return StreamChunk{}, io.EOF
}

func (s *messageStream) Close() error {
	return s.stream.Close()
}

func (c *AnthropicClient) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	if model == "" {
		return anthropic.MessageNewParams{}, NewClientError("model id is required")
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	system := req.System
	if req.Format == FormatJSONObject || req.Format == FormatJSONSchema {
		system = joinPrompt(system, SchemaInstruction(req.Schema))
	}

	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = joinPrompt(system, m.Text)
		case RoleTool:
			block := anthropic.NewToolResultBlock(m.ToolCallID, m.Text, false)
			// Consecutive tool results share one user turn.
			if n := len(messages); n > 0 && messages[n-1].Role == anthropic.MessageParamRoleUser && isToolResultTurn(messages[n-1]) {
				messages[n-1].Content = append(messages[n-1].Content, block)
				continue
			}
			messages = append(messages, anthropic.NewUserMessage(block))
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Text))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, json.RawMessage(argumentsJSON(string(tc.Arguments))), tc.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			var blocks []anthropic.ContentBlockParamUnion
			for _, a := range m.Attachments {
				blocks = append(blocks, anthropic.NewImageBlockBase64(a.MIMEType, base64.StdEncoding.EncodeToString(a.Data)))
			}
			if m.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Text))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, NewClientError("request has no messages")
	}
	params.Messages = messages

	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if len(req.Tools) > 0 && req.ToolChoice.Mode != ToolChoiceNone {
		for _, t := range req.Tools {
			props, required := schemaProperties(t.Parameters)
			params.Tools = append(params.Tools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: anthropic.String(t.Description),
					InputSchema: anthropic.ToolInputSchemaParam{
						Properties: props,
						Required:   required,
					},
				},
			})
		}
		switch req.ToolChoice.Mode {
		case ToolChoiceRequired:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case ToolChoiceFunction:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: req.ToolChoice.Function}}
		default:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		}
	}

	return params, nil
}

func isToolResultTurn(m anthropic.MessageParam) bool {
	for _, b := range m.Content {
		if b.OfToolResult == nil {
			return false
		}
	}
	return len(m.Content) > 0
}
