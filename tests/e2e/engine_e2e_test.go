package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-io/gantry/internal/handler"
	"github.com/gantry-io/gantry/pkg/schema"
)

// TestLinearPipelineCompletes submits a four-step linear pipeline and
// verifies every step ran in dependency order and results flowed through.
func TestLinearPipelineCompletes(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context, handler.Invocation) (json.RawMessage, error) {
		return func(_ context.Context, inv handler.Invocation) (json.RawMessage, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return json.Marshal(map[string]any{"step": name})
		}
	}
	env.register(t, "fetch", record("fetch"))
	env.register(t, "parse", record("parse"))
	env.register(t, "enrich", record("enrich"))
	env.register(t, "publish", record("publish"))

	tpl := &schema.TaskTemplate{
		Name: "ingest",
		Steps: []schema.StepTemplate{
			{Name: "fetch", Handler: "fetch"},
			{Name: "parse", Handler: "parse", DependsOn: []string{"fetch"}},
			{Name: "enrich", Handler: "enrich", DependsOn: []string{"parse"}},
			{Name: "publish", Handler: "publish", DependsOn: []string{"enrich"}},
		},
	}
	env.storeTemplate(t, tpl, "1.0.0")

	task, err := env.service.SubmitTask(context.Background(), "ingest", "1.0.0", json.RawMessage(`{"source":"s3"}`))
	require.NoError(t, err)

	env.awaitTask(t, task.ID, schema.TaskStatusComplete)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"fetch", "parse", "enrich", "publish"}, order)

	for _, name := range []string{"fetch", "parse", "enrich", "publish"} {
		step := env.getStep(t, task.ID, name)
		assert.Equal(t, schema.StepStatusComplete, step.Status)
		assert.True(t, step.Processed)
		assert.Equal(t, 1, step.Attempts)
	}
}

// TestTransientFailureRecovers verifies a step that fails twice with a
// retryable error is retried with backoff and the task still completes.
func TestTransientFailureRecovers(t *testing.T) {
	env := newTestEnv(t)

	var calls atomic.Int32
	env.register(t, "flaky", func(_ context.Context, _ handler.Invocation) (json.RawMessage, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("connection reset")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	tpl := &schema.TaskTemplate{
		Name: "flaky-job",
		Steps: []schema.StepTemplate{
			{Name: "work", Handler: "flaky", RetryLimit: 5},
		},
	}
	env.storeTemplate(t, tpl, "1.0.0")

	task, err := env.service.SubmitTask(context.Background(), "flaky-job", "1.0.0", json.RawMessage(`{}`))
	require.NoError(t, err)

	env.awaitTask(t, task.ID, schema.TaskStatusComplete)

	assert.EqualValues(t, 3, calls.Load())
	step := env.getStep(t, task.ID, "work")
	assert.Equal(t, schema.StepStatusComplete, step.Status)
	assert.Equal(t, 3, step.Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(step.Results))
}

// TestDiamondPermanentFailure verifies a permanent failure on one branch
// blocks the join step and fails the task, while the healthy branch still
// completes.
func TestDiamondPermanentFailure(t *testing.T) {
	env := newTestEnv(t)

	env.register(t, "ok", func(_ context.Context, _ handler.Invocation) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	env.register(t, "doomed", func(_ context.Context, _ handler.Invocation) (json.RawMessage, error) {
		return nil, schema.NewPermanent("invalid credentials")
	})

	tpl := &schema.TaskTemplate{
		Name: "diamond",
		Steps: []schema.StepTemplate{
			{Name: "root", Handler: "ok"},
			{Name: "left", Handler: "ok", DependsOn: []string{"root"}},
			{Name: "right", Handler: "doomed", DependsOn: []string{"root"}},
			{Name: "join", Handler: "ok", DependsOn: []string{"left", "right"}},
		},
	}
	env.storeTemplate(t, tpl, "1.0.0")

	task, err := env.service.SubmitTask(context.Background(), "diamond", "1.0.0", json.RawMessage(`{}`))
	require.NoError(t, err)

	env.awaitTask(t, task.ID, schema.TaskStatusError)

	assert.Equal(t, schema.StepStatusComplete, env.getStep(t, task.ID, "left").Status)

	right := env.getStep(t, task.ID, "right")
	assert.Equal(t, schema.StepStatusError, right.Status)
	assert.Equal(t, 1, right.Attempts, "permanent errors must not be retried")

	join := env.getStep(t, task.ID, "join")
	assert.Equal(t, schema.StepStatusPending, join.Status)
	assert.False(t, join.Processed)
}

// TestSkipIfShortCircuits verifies a guarded step resolves without
// invoking its handler when the guard evaluates true.
func TestSkipIfShortCircuits(t *testing.T) {
	env := newTestEnv(t)

	var invoked atomic.Bool
	env.register(t, "guarded", func(_ context.Context, _ handler.Invocation) (json.RawMessage, error) {
		invoked.Store(true)
		return json.RawMessage(`{}`), nil
	})

	tpl := &schema.TaskTemplate{
		Name: "guarded-job",
		Steps: []schema.StepTemplate{
			{Name: "maybe", Handler: "guarded",
				SkipIf: &schema.Expression{Language: "cel", Source: `context.dry_run == true`}},
		},
	}
	env.storeTemplate(t, tpl, "1.0.0")

	task, err := env.service.SubmitTask(context.Background(), "guarded-job", "1.0.0", json.RawMessage(`{"dry_run":true}`))
	require.NoError(t, err)

	env.awaitTask(t, task.ID, schema.TaskStatusComplete)

	assert.False(t, invoked.Load(), "handler must not run when skip_if is true")
	step := env.getStep(t, task.ID, "maybe")
	assert.Equal(t, schema.StepStatusComplete, step.Status)
	assert.JSONEq(t, `{"skipped":true}`, string(step.Results))
}
