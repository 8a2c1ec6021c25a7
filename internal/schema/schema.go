// Package schema validates run submission payloads against a JSON Schema
// before they reach the queue.
package schema

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const submitSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "task_session_id": {
      "type": "string",
      "minLength": 1,
      "maxLength": 128
    },
    "runtime_mode": {
      "type": "string",
      "enum": ["intake", "plan", "build"]
    },
    "client_request_key": {
      "type": "string",
      "minLength": 1,
      "maxLength": 256
    },
    "input": {
      "type": "object"
    },
    "metadata": {
      "type": "object"
    },
    "max_attempts": {
      "type": "integer",
      "minimum": 1,
      "maximum": 10
    }
  },
  "required": ["task_session_id", "runtime_mode"],
  "additionalProperties": false
}`

// SubmitValidator checks run submission bodies against the submit schema.
type SubmitValidator struct {
	schema *jsonschema.Schema
}

// NewSubmitValidator compiles the embedded submit schema.
func NewSubmitValidator() (*SubmitValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(submitSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse submit schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("submit.json", doc); err != nil {
		return nil, fmt.Errorf("add submit schema resource: %w", err)
	}
	compiled, err := compiler.Compile("submit.json")
	if err != nil {
		return nil, fmt.Errorf("compile submit schema: %w", err)
	}
	return &SubmitValidator{schema: compiled}, nil
}

// Validate checks a decoded submission body. The value must come from
// jsonschema.UnmarshalJSON or encoding/json into any.
func (v *SubmitValidator) Validate(body any) error {
	if err := v.schema.Validate(body); err != nil {
		return fmt.Errorf("invalid submission: %w", err)
	}
	return nil
}

// ValidateJSON parses and validates a raw JSON submission body.
func (v *SubmitValidator) ValidateJSON(raw string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse submission: %w", err)
	}
	return v.Validate(doc)
}
