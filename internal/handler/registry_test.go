package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-io/gantry/pkg/schema"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewNoopHandler()))

	h, err := r.Get("noop")
	require.NoError(t, err)
	assert.Equal(t, "noop", h.Name())
	assert.True(t, r.Has("noop"))
	assert.False(t, r.Has("ghost"))
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewNoopHandler()))

	err := r.Register(NewNoopHandler())
	require.Error(t, err)

	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeConflict, engErr.Code)
}

func TestRegistry_NilHandlerRejected(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(nil))
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("ghost")
	require.Error(t, err)

	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewTransformHandler(nil)))
	require.NoError(t, r.Register(NewNoopHandler()))
	require.NoError(t, r.Register(NewHTTPRequestHandler(HTTPConfig{})))

	infos := r.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "http.request", infos[0].Name)
	assert.Equal(t, "noop", infos[1].Name)
	assert.Equal(t, "transform.jq", infos[2].Name)
}

func TestNoopHandler(t *testing.T) {
	h := NewNoopHandler()
	ctx := context.Background()

	out, err := h.Process(ctx, Invocation{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out))

	out, err = h.Process(ctx, Invocation{Params: map[string]any{"echo": "me"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"me"}`, string(out))
}

func TestTransformHandler(t *testing.T) {
	h := NewTransformHandler(nil)
	ctx := context.Background()

	out, err := h.Process(ctx, Invocation{Params: map[string]any{
		"expression": ".items | length",
		"input":      map[string]any{"items": []any{1, 2, 3}},
	}})
	require.NoError(t, err)
	assert.Equal(t, "3", string(out))
}

func TestTransformHandler_DefaultsToContext(t *testing.T) {
	h := NewTransformHandler(nil)

	out, err := h.Process(context.Background(), Invocation{
		Params:  map[string]any{"expression": ".context.name"},
		Context: map[string]any{"context": map[string]any{"name": "gantry"}},
	})
	require.NoError(t, err)

	var s string
	require.NoError(t, json.Unmarshal(out, &s))
	assert.Equal(t, "gantry", s)
}

func TestTransformHandler_MissingExpression(t *testing.T) {
	h := NewTransformHandler(nil)
	_, err := h.Process(context.Background(), Invocation{Params: map[string]any{}})
	require.Error(t, err)

	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}
