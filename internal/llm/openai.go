package llm

import (
	"context"
	"errors"
	"io"
	"math"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultMaxTokens         = 4096
)

// OpenRouterClient talks to OpenRouter's OpenAI-compatible chat completions
// API. It is the only backend that publishes per-model capability metadata.
type OpenRouterClient struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int
}

// NewOpenRouterClient creates a new OpenRouter client.
func NewOpenRouterClient(cfg ClientConfig) (*OpenRouterClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenRouter API key is required")
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.HTTPClient = newRateLimitHTTPClient()
	oc.BaseURL = defaultOpenRouterBaseURL
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return &OpenRouterClient{
		client:       openai.NewClientWithConfig(oc),
		defaultModel: cfg.DefaultModel,
		maxTokens:    maxTokens,
	}, nil
}

// Backend returns the backend name.
func (c *OpenRouterClient) Backend() Backend {
	return BackendOpenRouter
}

// DeclaresCapabilities reports that OpenRouter publishes capability metadata.
func (c *OpenRouterClient) DeclaresCapabilities() bool {
	return true
}

// ExecuteText sends a text-only completion request.
func (c *OpenRouterClient) ExecuteText(ctx context.Context, req *Request) (*Response, error) {
	return c.complete(ctx, req)
}

// ExecuteTextWithImages sends a completion with image attachments.
func (c *OpenRouterClient) ExecuteTextWithImages(ctx context.Context, req *Request) (*Response, error) {
	if err := requireImages(req); err != nil {
		return nil, err
	}
	return c.complete(ctx, req)
}

// ExecuteStructured sends a JSON-mode or schema-mode completion.
func (c *OpenRouterClient) ExecuteStructured(ctx context.Context, req *Request) (*Response, error) {
	if err := requireJSONFormat(req); err != nil {
		return nil, err
	}
	return c.complete(ctx, req)
}

// ExecuteStructuredWithImages is ExecuteStructured with image attachments.
func (c *OpenRouterClient) ExecuteStructuredWithImages(ctx context.Context, req *Request) (*Response, error) {
	if err := requireImages(req); err != nil {
		return nil, err
	}
	return c.ExecuteStructured(ctx, req)
}

// ExecuteWithTools sends a completion that may return tool calls.
func (c *OpenRouterClient) ExecuteWithTools(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Tools) == 0 {
		return nil, NewClientError("tool request has no tools")
	}
	return c.complete(ctx, req)
}

func (c *OpenRouterClient) complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	chatReq, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, NewUnexpectedFormatError("completion has no choices")
	}

	choice := resp.Choices[0]
	out := &Response{
		ID:         resp.ID,
		Model:      resp.Model,
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		Latency: time.Since(start),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: argumentsJSON(tc.Function.Arguments),
		})
	}
	return out, nil
}

// OpenStream starts a streaming completion.
func (c *OpenRouterClient) OpenStream(ctx context.Context, req *Request) (ChunkSource, error) {
	chatReq, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true

	s, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	return &chatStream{stream: s}, nil
}

type chatStream struct {
	stream *openai.ChatCompletionStream
}

func (s *chatStream) Recv() (StreamChunk, error) {
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return StreamChunk{}, io.EOF
	}
	if err != nil {
		return StreamChunk{}, err
	}

	chunk := StreamChunk{Raw: resp}
	if len(resp.Choices) > 0 {
		chunk.Delta = resp.Choices[0].Delta.Content
		chunk.IsFinal = resp.Choices[0].FinishReason != ""
	}
	return chunk, nil
}

func (s *chatStream) Close() error {
	s.stream.Close()
	return nil
}

func (c *OpenRouterClient) buildRequest(req *Request) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	if model == "" {
		return openai.ChatCompletionRequest{}, NewClientError("model id is required")
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	system := req.System
	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: maxTokens,
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
		// go-openai omits a zero temperature, which leaves the provider default.
		if chatReq.Temperature == 0 {
			chatReq.Temperature = math.SmallestNonzeroFloat32
		}
	}

	switch req.Format {
	case FormatJSONSchema:
		schema := req.Schema.Schema
		if req.Schema.Strict {
			schema = NormalizeStrictSchema(schema)
		}
		raw, err := rawSchema(schema)
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:        req.Schema.Name,
				Description: req.Schema.Description,
				Schema:      raw,
				Strict:      req.Schema.Strict,
			},
		}
	case FormatJSONObject:
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
		if req.Schema != nil {
			system = joinPrompt(system, SchemaInstruction(req.Schema))
		}
	}

	if system != "" {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, toChatMessage(m))
	}

	if len(req.Tools) > 0 && req.ToolChoice.Mode != ToolChoiceNone {
		for _, t := range req.Tools {
			chatReq.Tools = append(chatReq.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Strict:      t.Strict,
					Parameters:  t.Parameters,
				},
			})
		}
		switch req.ToolChoice.Mode {
		case ToolChoiceRequired:
			chatReq.ToolChoice = "required"
		case ToolChoiceFunction:
			chatReq.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: req.ToolChoice.Function},
			}
		default:
			chatReq.ToolChoice = "auto"
		}
	}

	return chatReq, nil
}

func toChatMessage(m Message) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{Role: string(m.Role)}

	switch {
	case m.Role == RoleTool:
		msg.Content = m.Text
		msg.ToolCallID = m.ToolCallID
	case len(m.Attachments) > 0:
		if m.Text != "" {
			msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: m.Text,
			})
		}
		for _, a := range m.Attachments {
			msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    a.DataURL(),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	default:
		msg.Content = m.Text
	}

	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}
	return msg
}

func argumentsJSON(s string) []byte {
	if s == "" {
		return []byte("{}")
	}
	return []byte(s)
}

func joinPrompt(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += p
	}
	return out
}
