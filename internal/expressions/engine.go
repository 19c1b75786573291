package expressions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gantry-io/gantry/pkg/schema"
)

// Engine evaluates expressions against task data.
// Three implementations: CEL (guards), Expr (logic), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Evaluator selects an engine per expression by its declared language and
// provides the two operations the orchestrator needs: boolean guards
// (skip_if) and result extraction (result_path).
type Evaluator struct {
	engines map[string]Engine
	jq      *GoJQEngine
}

// NewEvaluator constructs an Evaluator with all three engines.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create CEL engine: %w", err)
	}
	jq := NewGoJQEngine()
	ev := &Evaluator{
		engines: map[string]Engine{
			"cel":  celEngine,
			"expr": NewExprEngine(),
			"jq":   jq,
		},
		jq: jq,
	}
	return ev, nil
}

// Engine returns the engine for the given language, defaulting to CEL.
func (ev *Evaluator) Engine(language string) (Engine, error) {
	if language == "" {
		language = "cel"
	}
	e, ok := ev.engines[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression language %q", language)
	}
	return e, nil
}

// EvalBool evaluates a guard expression and coerces the result to bool.
// A non-boolean result is a validation error, not a truthiness guess.
func (ev *Evaluator) EvalBool(ctx context.Context, expr schema.Expression, data map[string]any) (bool, error) {
	engine, err := ev.Engine(expr.Language)
	if err != nil {
		return false, err
	}
	out, err := engine.Evaluate(ctx, expr.Source, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"guard expression %q returned %T, want bool", expr.Source, out)
	}
	return b, nil
}

// ExtractPath applies a jq expression to a handler's raw JSON output and
// returns the extracted value re-marshaled as JSON.
func (ev *Evaluator) ExtractPath(ctx context.Context, jqExpr string, input json.RawMessage) (json.RawMessage, error) {
	var parsed any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &parsed); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "result is not valid JSON").WithCause(err)
		}
	}
	out, err := ev.jq.EvaluateValue(ctx, jqExpr, parsed)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "marshal extracted result").WithCause(err)
	}
	return data, nil
}
