// Package validate checks an incoming itinerary create-request against a
// JSON Schema before the Initialization Service ever writes a skeleton.
// A malformed request is rejected at the boundary as invalid_input rather
// than surfacing as a fatal pipeline error later.
package validate

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "itinera://create-request.schema.json"

const createRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["destination", "startDate", "endDate"],
  "properties": {
    "userId": {"type": "string"},
    "origin": {"type": "string"},
    "destination": {"type": "string", "minLength": 1},
    "startDate": {"type": "string", "format": "date"},
    "endDate": {"type": "string", "format": "date"},
    "currency": {"type": "string"},
    "themes": {"type": "array", "items": {"type": "string"}},
    "party": {
      "type": "object",
      "properties": {
        "adults": {"type": "integer", "minimum": 0},
        "children": {"type": "integer", "minimum": 0}
      }
    },
    "budgetTier": {"type": "string", "enum": ["low", "medium", "high"]},
    "interests": {"type": "array", "items": {"type": "string"}}
  }
}`

// Validator validates itinerary create-requests against the schema above.
type Validator struct {
	schema *jsonschema.Schema
}

// New compiles the create-request schema. It never fails on a
// well-formed build since the schema above is a fixed literal; the error
// return exists so callers can surface a wiring mistake rather than panic.
func New() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(createRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("validate: parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("validate: add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("validate: compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// ValidationError wraps a schema validation failure with the userMessage
// shape required by the error-event contract: human-readable, free of
// internal identifiers.
type ValidationError struct {
	cause error
}

func (e *ValidationError) Error() string { return e.cause.Error() }
func (e *ValidationError) Unwrap() error { return e.cause }

// UserMessage renders a message safe to surface on an invalid_input error
// event.
func (e *ValidationError) UserMessage() string {
	return "the itinerary request is invalid: " + e.cause.Error()
}

// ValidateJSON validates raw JSON request bytes against the create-request
// schema.
func (v *Validator) ValidateJSON(raw []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{cause: fmt.Errorf("malformed JSON: %w", err)}
	}
	if err := v.schema.Validate(instance); err != nil {
		return &ValidationError{cause: err}
	}
	return nil
}
