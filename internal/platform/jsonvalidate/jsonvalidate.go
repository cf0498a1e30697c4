// Package jsonvalidate checks JSON documents from external services against
// compiled JSON schemas before they are decoded into Go types.
package jsonvalidate

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

type Schema struct {
	id       string
	compiled *jsonschema.Schema
}

// Compile parses schema once so it can validate many documents.
func Compile(id string, schema []byte) (*Schema, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("schema %s is empty", id)
	}
	resourceID := "inmemory://" + id
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

// MustCompile is Compile for schemas embedded in the binary.
func MustCompile(id string, schema string) *Schema {
	s, err := Compile(id, []byte(schema))
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks data and, when it conforms, decodes it into out.
func (s *Schema) Validate(data []byte, out any) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", s.id, err)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return fmt.Errorf("%s schema validation failed: %w", s.id, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", s.id, err)
	}
	return nil
}
