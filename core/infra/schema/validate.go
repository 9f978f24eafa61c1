// Package schema compiles and caches JSON schemas for the bridge config
// and connection state validation.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled JSON schema.
type Schema struct {
	id       string
	compiled *jsonschema.Schema
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*Schema{}
)

// Compile compiles a schema payload under id.
func Compile(id string, schema []byte) (*Schema, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	resourceID := schemaID(id)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{id: id, compiled: compiled}, nil
}

// Validate checks value against the schema. Values that are not raw JSON are
// round-tripped through encoding/json so YAML-decoded and typed Go values
// validate the same way.
func (s *Schema) Validate(value any) error {
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := s.compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// ValidateSchema validates a value against a JSON schema payload. Compiled
// schemas are cached by id and payload.
func ValidateSchema(id string, schema []byte, value any) error {
	key := id + "\x00" + string(schema)
	cacheMu.Lock()
	compiled, ok := cache[key]
	cacheMu.Unlock()
	if !ok {
		var err error
		compiled, err = Compile(id, schema)
		if err != nil {
			return err
		}
		cacheMu.Lock()
		cache[key] = compiled
		cacheMu.Unlock()
	}
	return compiled.Validate(value)
}

func normalizeValue(value any) (any, error) {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = encoded
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
