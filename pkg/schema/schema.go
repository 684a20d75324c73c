// Package schema parses and validates task output. Agents request JSON
// from the runner; the raw output is extracted, enum values are
// normalized (models are sloppy about case and sometimes emit
// pipe-joined alternatives), and the result is validated against the
// agent's JSON Schema.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrNoJSON means no JSON object could be located in the output.
var ErrNoJSON = errors.New("no JSON object in output")

// ErrValidation wraps schema validation failures.
var ErrValidation = errors.New("output does not match schema")

// Default returns the minimal output contract applied when an agent
// declares no schema of its own.
func Default() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{"type": "string"},
			"result":  map[string]any{"type": "string"},
		},
		"required": []any{"summary"},
	}
}

// Parse extracts the JSON object from raw task output, normalizes enum
// values against the schema, and validates. The normalized payload is
// returned even when validation fails, so non-validator callers can
// pass it through alongside an AGENT_SCHEMA_WARNING.
func Parse(output string, schemaMap map[string]any) (map[string]any, error) {
	raw, err := ExtractJSON(output)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	payload = NormalizeEnums(payload, schemaMap)
	if err := Validate(payload, schemaMap); err != nil {
		return payload, err
	}
	return payload, nil
}

// ExtractJSON locates the JSON object within raw model output. Markdown
// code fences are stripped; otherwise the slice from the first '{' to
// the last '}' is taken. Models wrap JSON in prose often enough that
// requiring a bare object would fail half the fleet.
func ExtractJSON(output string) (string, error) {
	trimmed := strings.TrimSpace(output)
	if fenced, ok := stripCodeFence(trimmed); ok {
		trimmed = fenced
	}
	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start < 0 || end < start {
		return "", fmt.Errorf("%w: %q", ErrNoJSON, preview(output))
	}
	return trimmed[start : end+1], nil
}

func stripCodeFence(s string) (string, bool) {
	if !strings.HasPrefix(s, "```") {
		return "", false
	}
	body := s[3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		// Drop the info string ("json", "JSON", ...).
		body = body[nl+1:]
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body), true
}

func preview(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}

// NormalizeEnums rewrites string values of enum-typed properties to the
// schema's canonical spelling: case-insensitive matching, and
// pipe-joined alternatives ("SIMPLE|COMPLEX") collapse to the first
// segment that names a valid option. Values that match nothing are left
// untouched for validation to reject. Normalization is idempotent.
func NormalizeEnums(payload map[string]any, schemaMap map[string]any) map[string]any {
	if payload == nil || schemaMap == nil {
		return payload
	}
	props, ok := schemaMap["properties"].(map[string]any)
	if !ok {
		return payload
	}
	for name, raw := range props {
		propSchema, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		value, present := payload[name]
		if !present {
			continue
		}
		if options := enumOptions(propSchema); options != nil {
			if s, ok := value.(string); ok {
				payload[name] = normalizeEnumValue(s, options)
			}
			continue
		}
		// Recurse into nested objects.
		if nested, ok := value.(map[string]any); ok {
			payload[name] = NormalizeEnums(nested, propSchema)
		}
	}
	return payload
}

func enumOptions(propSchema map[string]any) []string {
	raw, ok := propSchema["enum"].([]any)
	if !ok {
		return nil
	}
	options := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			options = append(options, s)
		}
	}
	if len(options) == 0 {
		return nil
	}
	return options
}

func normalizeEnumValue(value string, options []string) string {
	if canonical, ok := matchEnum(value, options); ok {
		return canonical
	}
	if strings.Contains(value, "|") {
		for _, part := range strings.Split(value, "|") {
			if canonical, ok := matchEnum(strings.TrimSpace(part), options); ok {
				return canonical
			}
		}
	}
	return value
}

func matchEnum(value string, options []string) (string, bool) {
	for _, opt := range options {
		if strings.EqualFold(value, opt) {
			return opt, true
		}
	}
	return "", false
}

// Validate checks a payload against a JSON Schema given as a generic
// map (the shape agent definitions carry).
func Validate(payload any, schemaMap map[string]any) error {
	if schemaMap == nil {
		return nil
	}
	raw, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("invalid JSON schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return fmt.Errorf("failed to resolve JSON schema: %w", err)
	}
	if err := resolved.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
