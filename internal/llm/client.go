// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"fmt"
)

// Client is the capability-agnostic contract every backend adapter satisfies.
// The façade composes on top of it plus the optional interfaces below.
type Client interface {
	// Backend identifies the adapter.
	Backend() Backend

	// ExecuteText sends a text-only completion request.
	ExecuteText(ctx context.Context, req *Request) (*Response, error)

	// ExecuteTextWithImages sends a completion whose user turns carry image attachments.
	ExecuteTextWithImages(ctx context.Context, req *Request) (*Response, error)

	// ExecuteStructured sends a request whose reply must be JSON. The request's
	// Format selects json_object or json_schema mode.
	ExecuteStructured(ctx context.Context, req *Request) (*Response, error)

	// ExecuteStructuredWithImages is ExecuteStructured with image attachments.
	ExecuteStructuredWithImages(ctx context.Context, req *Request) (*Response, error)
}

// Streamer is implemented by backends that can stream completions.
type Streamer interface {
	OpenStream(ctx context.Context, req *Request) (ChunkSource, error)
}

// ToolCaller is implemented by backends that support function calling over a
// full message history.
type ToolCaller interface {
	ExecuteWithTools(ctx context.Context, req *Request) (*Response, error)
}

// ChainedClient is implemented by backends that keep conversation state
// server side and continue from an opaque previous-response token.
type ChainedClient interface {
	ExecuteTurn(ctx context.Context, req *TurnRequest) (*Response, error)
}

// CapabilityDeclarer is implemented by backends that publish per-model
// capability metadata. Only those backends go through generic validation.
type CapabilityDeclarer interface {
	DeclaresCapabilities() bool
}

// Declares reports whether c publishes capability metadata.
func Declares(c Client) bool {
	d, ok := c.(CapabilityDeclarer)
	return ok && d.DeclaresCapabilities()
}

// ClientConfig carries the credentials for a single backend.
type ClientConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// NewClient creates a new LLM client based on backend.
func NewClient(backend Backend, cfg ClientConfig) (Client, error) {
	switch backend {
	case BackendOpenRouter:
		return NewOpenRouterClient(cfg)
	case BackendAnthropic:
		return NewAnthropicClient(cfg)
	case BackendOpenAI:
		return NewResponsesClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported backend %q", backend)
	}
}

func requireImages(req *Request) error {
	for _, m := range req.Messages {
		if len(m.Attachments) > 0 {
			return nil
		}
	}
	return NewClientError("request has no image attachments")
}

func requireJSONFormat(req *Request) error {
	switch req.Format {
	case FormatJSONObject:
		return nil
	case FormatJSONSchema:
		if req.Schema == nil || len(req.Schema.Schema) == 0 {
			return NewClientError("json_schema format requires a schema")
		}
		return nil
	default:
		return NewClientError("structured request must use json_object or json_schema format")
	}
}
