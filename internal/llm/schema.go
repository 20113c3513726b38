package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// rawSchema marshals a schema map into the json.Marshaler the chat API expects.
func rawSchema(schema map[string]any) (json.RawMessage, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, NewClientError("invalid schema: %v", err)
	}
	return b, nil
}

// NormalizeStrictSchema returns a copy of schema that satisfies strict-mode
// constraints: every object disallows additional properties and lists all of
// its properties as required.
func NormalizeStrictSchema(schema map[string]any) map[string]any {
	out, _ := normalizeNode(schema).(map[string]any)
	return out
}

func normalizeNode(node any) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = normalizeNode(child)
		}
		if props, ok := out["properties"].(map[string]any); ok {
			keys := make([]string, 0, len(props))
			for k := range props {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			required := make([]any, len(keys))
			for i, k := range keys {
				required[i] = k
			}
			out["required"] = required
			out["additionalProperties"] = false
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = normalizeNode(child)
		}
		return out
	default:
		return v
	}
}

// schemaProperties splits an object schema into its properties and required list.
func schemaProperties(schema map[string]any) (any, []string) {
	props := schema["properties"]
	if props == nil {
		props = map[string]any{}
	}
	return props, requiredKeys(schema)
}

func requiredKeys(schema map[string]any) []string {
	switch r := schema["required"].(type) {
	case []string:
		return append([]string(nil), r...)
	case []any:
		out := make([]string, 0, len(r))
		for _, v := range r {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ValidateRequired checks that a decoded JSON object carries every top-level
// key the schema marks as required.
func ValidateRequired(schema map[string]any, value map[string]any) error {
	var missing []string
	for _, key := range requiredKeys(schema) {
		if _, ok := value[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return NewUnexpectedFormatError("missing required keys: %s", strings.Join(missing, ", "))
	}
	return nil
}

// SchemaInstruction renders the schema as a prompt suffix for backends or
// modes that cannot enforce it natively.
func SchemaInstruction(schema *JSONSchema) string {
	if schema == nil {
		return "Respond with a single valid JSON object and nothing else."
	}
	b, err := json.MarshalIndent(schema.Schema, "", "  ")
	if err != nil {
		return "Respond with a single valid JSON object and nothing else."
	}
	return fmt.Sprintf("Respond with a single valid JSON object matching this JSON schema and nothing else:\n%s", b)
}

// ExtractJSON strips markdown code fences and surrounding prose from a
// reply, returning the outermost JSON object or array.
func ExtractJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if json.Valid([]byte(s)) {
		return s
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return s
	}
	return s[start : end+1]
}

// DecodeJSON decodes a model reply into v after stripping fences.
func DecodeJSON(text string, v any) error {
	body := ExtractJSON(text)
	if body == "" {
		return NewUnexpectedFormatError("empty response")
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return NewDecodingError(err)
	}
	return nil
}
