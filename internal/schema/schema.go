// Package schema compiles and applies JSON Schemas for function inputs, run inputs, and run
// results.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const resourceURL = "mem://schema.json"

// Schema is a compiled JSON Schema.
type Schema struct {
	compiled *jsonschema.Schema
}

// Compile parses raw as a JSON Schema document.
func Compile(raw json.RawMessage) (*Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("empty schema")
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	s, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{compiled: s}, nil
}

// Validate checks doc against the schema.
func (s *Schema) Validate(doc json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return s.compiled.Validate(v)
}

// Validate compiles raw and checks doc against it.
func Validate(raw, doc json.RawMessage) error {
	s, err := Compile(raw)
	if err != nil {
		return err
	}
	return s.Validate(doc)
}
