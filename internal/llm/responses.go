package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

// ResponsesClient talks to the OpenAI Responses API. Conversation state can
// live server side: a turn continues from the previous response ID.
type ResponsesClient struct {
	client       oai.Client
	defaultModel string
	maxTokens    int
}

// NewResponsesClient creates a new OpenAI Responses client.
func NewResponsesClient(cfg ClientConfig) (*ResponsesClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return &ResponsesClient{
		client:       oai.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    maxTokens,
	}, nil
}

// Backend returns the backend name.
func (c *ResponsesClient) Backend() Backend {
	return BackendOpenAI
}

// ExecuteText sends a text-only request.
func (c *ResponsesClient) ExecuteText(ctx context.Context, req *Request) (*Response, error) {
	return c.ExecuteTurn(ctx, turnFromRequest(req))
}

// ExecuteTextWithImages sends a request with image attachments.
func (c *ResponsesClient) ExecuteTextWithImages(ctx context.Context, req *Request) (*Response, error) {
	if err := requireImages(req); err != nil {
		return nil, err
	}
	return c.ExecuteTurn(ctx, turnFromRequest(req))
}

// ExecuteStructured sends a JSON-mode or schema-mode request.
func (c *ResponsesClient) ExecuteStructured(ctx context.Context, req *Request) (*Response, error) {
	if err := requireJSONFormat(req); err != nil {
		return nil, err
	}
	params, err := c.buildParams(turnFromRequest(req))
	if err != nil {
		return nil, err
	}

	switch req.Format {
	case FormatJSONSchema:
		schema := req.Schema.Schema
		if req.Schema.Strict {
			schema = NormalizeStrictSchema(schema)
		}
		format := responses.ResponseFormatTextJSONSchemaConfigParam{
			Name:   req.Schema.Name,
			Schema: schema,
			Strict: oai.Bool(req.Schema.Strict),
		}
		if req.Schema.Description != "" {
			format.Description = oai.String(req.Schema.Description)
		}
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{OfJSONSchema: &format},
		}
	default:
		obj := shared.NewResponseFormatJSONObjectParam()
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{OfJSONObject: &obj},
		}
		// json_object mode requires the word JSON somewhere in the input.
		params.Instructions = oai.String(joinPrompt(req.System, SchemaInstruction(req.Schema)))
	}

	return c.send(ctx, params)
}

// ExecuteStructuredWithImages is ExecuteStructured with image attachments.
func (c *ResponsesClient) ExecuteStructuredWithImages(ctx context.Context, req *Request) (*Response, error) {
	if err := requireImages(req); err != nil {
		return nil, err
	}
	return c.ExecuteStructured(ctx, req)
}

// ExecuteWithTools sends a stateless tool request over the full history.
func (c *ResponsesClient) ExecuteWithTools(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Tools) == 0 {
		return nil, NewClientError("tool request has no tools")
	}
	return c.ExecuteTurn(ctx, turnFromRequest(req))
}

// ExecuteTurn sends one turn, continuing from PreviousResponseID when set.
func (c *ResponsesClient) ExecuteTurn(ctx context.Context, req *TurnRequest) (*Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, params)
}

func (c *ResponsesClient) send(ctx context.Context, params responses.ResponseNewParams) (*Response, error) {
	start := time.Now()

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return nil, err
	}

	out := &Response{
		ID:         resp.ID,
		Model:      string(resp.Model),
		StopReason: string(resp.Status),
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
		Latency: time.Since(start),
	}

	var text strings.Builder
	for _, item := range resp.Output {
		switch item.Type {
		case "function_call":
			callID := item.CallID
			if callID == "" {
				callID = item.ID
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        callID,
				Name:      item.Name,
				Arguments: argumentsJSON(item.Arguments),
			})
		case "message":
			for _, part := range item.AsMessage().Content {
				if part.Type != "output_text" {
					continue
				}
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString(part.Text)
			}
		}
	}
	out.Text = text.String()
	return out, nil
}

func (c *ResponsesClient) buildParams(req *TurnRequest) (responses.ResponseNewParams, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	if model == "" {
		return responses.ResponseNewParams{}, NewClientError("model id is required")
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	params := responses.ResponseNewParams{
		Model:           shared.ResponsesModel(model),
		MaxOutputTokens: oai.Int(int64(maxTokens)),
	}
	if req.PreviousResponseID != "" {
		params.PreviousResponseID = oai.String(req.PreviousResponseID)
	}

	instructions := req.Instructions
	items := make(responses.ResponseInputParam, 0, len(req.Input))
	for _, m := range req.Input {
		switch m.Role {
		case RoleSystem:
			instructions = joinPrompt(instructions, m.Text)
		case RoleTool:
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(m.ToolCallID, m.Text))
		case RoleAssistant:
			if m.Text != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(m.Text, responses.EasyInputMessageRoleAssistant))
			}
			for _, tc := range m.ToolCalls {
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(string(argumentsJSON(string(tc.Arguments))), tc.ID, tc.Name))
			}
		default:
			if len(m.Attachments) == 0 {
				items = append(items, responses.ResponseInputItemParamOfMessage(m.Text, responses.EasyInputMessageRoleUser))
				continue
			}
			content := make(responses.ResponseInputMessageContentListParam, 0, len(m.Attachments)+1)
			if m.Text != "" {
				content = append(content, responses.ResponseInputContentUnionParam{
					OfInputText: &responses.ResponseInputTextParam{Text: m.Text},
				})
			}
			for _, a := range m.Attachments {
				content = append(content, responses.ResponseInputContentUnionParam{
					OfInputImage: &responses.ResponseInputImageParam{
						Detail:   responses.ResponseInputImageDetailAuto,
						ImageURL: oai.String(a.DataURL()),
					},
				})
			}
			items = append(items, responses.ResponseInputItemParamOfMessage(content, responses.EasyInputMessageRoleUser))
		}
	}
	if len(items) == 0 {
		return responses.ResponseNewParams{}, NewClientError("request has no input")
	}
	params.Input = responses.ResponseNewParamsInputUnion{OfInputItemList: items}
	if instructions != "" {
		params.Instructions = oai.String(instructions)
	}

	// The chain API only honours automatic tool choice; "none" drops the tools.
	if req.ToolChoice.Mode != ToolChoiceNone {
		for _, t := range req.Tools {
			params.Tools = append(params.Tools, responses.ToolParamOfFunction(t.Name, t.Parameters, t.Strict))
		}
	}

	return params, nil
}

func turnFromRequest(req *Request) *TurnRequest {
	return &TurnRequest{
		Model:        req.Model,
		Instructions: req.System,
		Input:        req.Messages,
		Tools:        req.Tools,
		ToolChoice:   req.ToolChoice,
		MaxTokens:    req.MaxTokens,
	}
}
