package handler

import (
	"context"
	"encoding/json"

	"github.com/gantry-io/gantry/internal/expressions"
	"github.com/gantry-io/gantry/pkg/schema"
)

const transformInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string"},
    "input": {}
  },
  "required": ["expression"]
}`

// TransformHandler implements the "transform.jq" handler: it applies a jq
// expression to its input. When no explicit input param is given, the
// invocation context (task context plus accumulated step results) is used.
type TransformHandler struct {
	engine *expressions.GoJQEngine
}

// NewTransformHandler creates a new transform.jq handler.
func NewTransformHandler(engine *expressions.GoJQEngine) *TransformHandler {
	if engine == nil {
		engine = expressions.NewGoJQEngine()
	}
	return &TransformHandler{engine: engine}
}

func (h *TransformHandler) Name() string { return "transform.jq" }

func (h *TransformHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Apply a jq expression to the step input or the task context.",
		InputSchema: json.RawMessage(transformInputSchema),
	}
}

func (h *TransformHandler) Validate(params map[string]any) error {
	if stringParam(params, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform.jq: missing required param 'expression'")
	}
	return nil
}

func (h *TransformHandler) Process(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	if err := h.Validate(inv.Params); err != nil {
		return nil, err
	}
	expression := stringParam(inv.Params, "expression", "")

	var input any
	if v, ok := inv.Params["input"]; ok {
		input = v
	} else {
		input = inv.Context
	}

	out, err := h.engine.EvaluateValue(ctx, expression, input)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "transform.jq: failed to marshal output").WithCause(err)
	}
	return data, nil
}
