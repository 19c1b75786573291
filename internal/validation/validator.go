package validation

import (
	"encoding/json"

	"github.com/gantry-io/gantry/pkg/schema"
)

// TemplateValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (handler refs, dependency refs, expressions)
// 3. DAG (cycles)
type TemplateValidator struct {
	jsonSchema *JSONSchemaValidator
	handlers   HandlerLookup
}

// NewTemplateValidator creates a TemplateValidator. lookup may be nil to
// skip handler existence checks.
func NewTemplateValidator(lookup HandlerLookup) (*TemplateValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &TemplateValidator{jsonSchema: jsv, handlers: lookup}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (tv *TemplateValidator) Validate(tpl *schema.TaskTemplate) *schema.ValidationResult {
	if tpl == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "template is nil")
		return r
	}

	result := validateStructural(tv.jsonSchema, tpl)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(tpl, tv.handlers))

	// Skip DAG analysis if semantic errors exist; the graph may be invalid.
	if result.Valid() {
		result.Merge(validateDAG(tpl))
	}

	return result
}

// ValidateTemplate returns an error when the template is invalid.
func (tv *TemplateValidator) ValidateTemplate(tpl *schema.TaskTemplate) error {
	return tv.Validate(tpl).ToError()
}

// ValidateInput checks a task request context against the template's input
// schema. Satisfies the engine's InputValidator.
func (tv *TemplateValidator) ValidateInput(tpl *schema.TaskTemplate, input json.RawMessage) error {
	return tv.jsonSchema.ValidateInput(tpl, input)
}

// validateStructural wraps the JSON Schema stage, converting its error
// output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, tpl *schema.TaskTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateTemplateDocument(tpl)
	if err == nil {
		return result
	}

	engErr, ok := err.(*schema.EngineError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if engErr.Details != nil {
		if violations, ok := engErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, engErr.Message)
	return result
}
