package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gantry-io/gantry/pkg/schema"
)

// templateSchemaJSON is the JSON Schema for TaskTemplate validation.
// Embedded as a constant to avoid filesystem dependencies.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://gantry.dev/schemas/template.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1
    },
    "namespace": { "type": "string" },
    "version": { "type": "string" },
    "description": { "type": "string" },
    "execution_mode": {
      "type": "string",
      "enum": ["auto", "sequential", "concurrent"]
    },
    "input_schema": {
      "type": "object"
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "handler"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "handler": {
          "type": "string",
          "minLength": 1
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "retry_limit": {
          "type": "integer",
          "minimum": 0
        },
        "retryable": { "type": "boolean" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "skip_if": { "$ref": "#/$defs/expression" },
        "result_path": { "type": "string" },
        "params": {}
      },
      "additionalProperties": false
    },
    "expression": {
      "type": "object",
      "required": ["source"],
      "properties": {
        "language": {
          "type": "string",
          "enum": ["cel", "expr", "jq"]
        },
        "source": {
          "type": "string",
          "minLength": 1
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates template documents and task inputs using
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	templateSchema *jsonschema.Schema

	// mu guards the cache for dynamic input-schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the template
// schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal template schema: %w", err)
	}
	if err := c.AddResource("https://gantry.dev/schemas/template.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add template schema resource: %w", err)
	}

	compiled, err := c.Compile("https://gantry.dev/schemas/template.json")
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}

	return &JSONSchemaValidator{
		templateSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateTemplateDocument validates a TaskTemplate against the embedded
// template JSON Schema.
func (v *JSONSchemaValidator) ValidateTemplateDocument(tpl *schema.TaskTemplate) error {
	if tpl == nil {
		return schema.NewError(schema.ErrCodeValidation, "template is nil")
	}

	doc, err := toJSONValue(tpl)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize template").WithCause(err)
	}

	if err := v.templateSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// ValidateInput validates a task request context against a template's
// input_schema. A template without an input schema accepts any context.
// The compiled schema is cached per schema document.
func (v *JSONSchemaValidator) ValidateInput(tpl *schema.TaskTemplate, input json.RawMessage) error {
	if tpl == nil || len(tpl.InputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(tpl.InputSchema)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"template %s has an invalid input schema", tpl.Name).WithCause(err)
	}

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(input)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "task context is not valid JSON").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions.
	url := fmt.Sprintf("gantry://input-schema/%d", len(v.cache))

	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// carrying all leaf violations.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
