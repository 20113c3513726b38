package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/sprung-app/llm-orchestrator/internal/llm"
)

const (
	defaultCatalogURL = "https://openrouter.ai/api/v1"
	maxCatalogBytes   = 16 << 20
)

// OpenRouterCatalog reads model metadata from OpenRouter's public model list.
// It implements both Prober and Lister.
type OpenRouterCatalog struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenRouterCatalog creates a catalog client. An empty baseURL uses the
// public endpoint.
func NewOpenRouterCatalog(baseURL, apiKey string) *OpenRouterCatalog {
	if baseURL == "" {
		baseURL = defaultCatalogURL
	}
	return &OpenRouterCatalog{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type catalogModel struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Architecture struct {
		InputModalities  []string `json:"input_modalities"`
		OutputModalities []string `json:"output_modalities"`
	} `json:"architecture"`
	SupportedParameters []string `json:"supported_parameters"`
}

type catalogResponse struct {
	Data []catalogModel `json:"data"`
}

// ListModels returns a record for every model in the catalog.
func (c *OpenRouterCatalog) ListModels(ctx context.Context) ([]Record, error) {
	models, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	records := make([]Record, 0, len(models))
	for _, m := range models {
		r := m.record()
		r.CheckedAt = now
		records = append(records, r)
	}
	return records, nil
}

// Probe returns the live record for a single model.
func (c *OpenRouterCatalog) Probe(ctx context.Context, modelID string) (Record, error) {
	models, err := c.fetch(ctx)
	if err != nil {
		return Record{}, err
	}
	for _, m := range models {
		if m.ID == modelID {
			r := m.record()
			r.CheckedAt = time.Now()
			return r, nil
		}
	}
	return Record{}, &llm.StatusError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("%s is not a valid model ID", modelID)}
}

func (c *OpenRouterCatalog) fetch(ctx context.Context) ([]catalogModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &llm.StatusError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to list models: %s", string(body)),
			RetryAfter: llm.ParseRetryAfterHeader(resp.Header.Get("Retry-After")),
		}
	}

	var parsed catalogResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}
	return parsed.Data, nil
}

func (m catalogModel) record() Record {
	params := m.SupportedParameters
	inputs := m.Architecture.InputModalities

	vision := slices.Contains(inputs, "image")
	textOnly := len(inputs) > 0 && !slices.ContainsFunc(inputs, func(s string) bool { return s != "text" })

	return Record{
		ModelID:                  m.ID,
		SupportsVision:           vision,
		SupportsStructuredOutput: slices.Contains(params, "response_format") || slices.Contains(params, "structured_outputs"),
		SupportsJSONSchema:       slices.Contains(params, "structured_outputs"),
		SupportsReasoning:        slices.Contains(params, "reasoning") || slices.Contains(params, "include_reasoning"),
		IsTextOnly:               textOnly,
	}
}
