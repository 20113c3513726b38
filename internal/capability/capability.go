// Package capability tracks what each model supports and gates requests on it.
package capability

import (
	"strings"
	"time"
)

// Capability is a feature a request may depend on.
type Capability string

const (
	Vision           Capability = "vision"
	StructuredOutput Capability = "structured_output"
	JSONSchema       Capability = "json_schema"
	Reasoning        Capability = "reasoning"
)

// FailureHistory counts consecutive schema-mode failures.
type FailureHistory struct {
	Consecutive int       `json:"consecutive"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Record is the cached capability metadata for one model.
type Record struct {
	ModelID                  string         `json:"model_id"`
	SupportsVision           bool           `json:"supports_vision"`
	SupportsStructuredOutput bool           `json:"supports_structured_output"`
	SupportsJSONSchema       bool           `json:"supports_json_schema"`
	SupportsReasoning        bool           `json:"supports_reasoning"`
	IsTextOnly               bool           `json:"is_text_only"`
	Failures                 FailureHistory `json:"failures"`
	CheckedAt                time.Time      `json:"checked_at,omitempty"`
}

// Supports reports whether the record claims c.
func (r Record) Supports(c Capability) bool {
	switch c {
	case Vision:
		return r.SupportsVision && !r.IsTextOnly
	case StructuredOutput:
		return r.SupportsStructuredOutput
	case JSONSchema:
		return r.SupportsJSONSchema
	case Reasoning:
		return r.SupportsReasoning
	}
	return false
}

// Missing returns the subset of required the record does not support.
func (r Record) Missing(required []Capability) []Capability {
	var missing []Capability
	for _, c := range required {
		if !r.Supports(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

func joinCapabilities(cs []Capability) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}
