package handler

import (
	"context"
	"encoding/json"
)

// NoopHandler implements the "noop" handler: it validates nothing, does
// nothing, and echoes its params as results. Useful for DAG shape tests
// and as a placeholder binding.
type NoopHandler struct{}

// NewNoopHandler creates a new noop handler.
func NewNoopHandler() *NoopHandler { return &NoopHandler{} }

func (h *NoopHandler) Name() string { return "noop" }

func (h *NoopHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Does nothing and succeeds; echoes params as results.",
	}
}

func (h *NoopHandler) Validate(params map[string]any) error { return nil }

func (h *NoopHandler) Process(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	if len(inv.Params) == 0 {
		return json.RawMessage(`{}`), nil
	}
	data, err := json.Marshal(inv.Params)
	if err != nil {
		return nil, err
	}
	return data, nil
}
