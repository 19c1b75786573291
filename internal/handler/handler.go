package handler

import (
	"context"
	"encoding/json"

	"github.com/gantry-io/gantry/internal/store"
)

// Invocation is the data supplied to a handler for one execution attempt.
type Invocation struct {
	Task *store.Task
	Step *store.WorkflowStep
	// Sequence is the 1-based attempt number for this step.
	Sequence int
	// Params are the step's handler-specific parameters from the template.
	Params map[string]any
	// Context merges the task's input context with the accumulated results
	// of completed steps (keyed by step name under "steps").
	Context map[string]any
}

// Handler is the user-supplied unit of work bound to a step. The engine
// invokes Process exactly once per execution attempt; a returned error is
// recorded as step failure, a returned value as the step's results.
//
// Handlers classify their failures through schema error constructors:
// NewPermanent stops retries, NewRateLimited carries an explicit backoff
// request, anything else is judged by the engine's retryability rules.
type Handler interface {
	Name() string
	Schema() HandlerSchema
	Validate(params map[string]any) error
	Process(ctx context.Context, inv Invocation) (json.RawMessage, error)
}

// HandlerSchema describes the input/output contract of a handler.
type HandlerSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// Info is a summary of a registered handler for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
