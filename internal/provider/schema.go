package provider

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// SchemaFor derives a structured-output schema from a Go type.
func SchemaFor[T any](name string) (Schema, error) {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		return Schema{}, fmt.Errorf("inferring schema %q: %w", name, err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return Schema{}, fmt.Errorf("encoding schema %q: %w", name, err)
	}
	return Schema{Name: name, Definition: data}, nil
}

// MustSchemaFor is SchemaFor for package-level schema variables.
func MustSchemaFor[T any](name string) Schema {
	s, err := SchemaFor[T](name)
	if err != nil {
		panic(err)
	}
	return s
}

// Map decodes the schema definition into a generic JSON object, the shape
// most SDKs accept.
func (s Schema) Map() (map[string]any, error) {
	if len(s.Definition) == 0 {
		return map[string]any{"type": "object"}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(s.Definition, &m); err != nil {
		return nil, fmt.Errorf("decoding schema %q: %w", s.Name, err)
	}
	return m, nil
}

// Validate parses raw as JSON and checks it against the schema. Any parse or
// validation failure wraps ErrSchemaViolation; nothing is repaired.
func Validate(schema Schema, raw []byte) (json.RawMessage, error) {
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, fmt.Errorf("%w: response is not valid JSON: %v", ErrSchemaViolation, err)
	}
	if len(schema.Definition) == 0 {
		return json.RawMessage(raw), nil
	}

	var s jsonschema.Schema
	if err := json.Unmarshal(schema.Definition, &s); err != nil {
		return nil, fmt.Errorf("decoding schema %q: %w", schema.Name, err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving schema %q: %w", schema.Name, err)
	}
	if err := resolved.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return json.RawMessage(raw), nil
}
