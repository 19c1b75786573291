package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-io/gantry/internal/handler"
	"github.com/gantry-io/gantry/pkg/schema"
)

// runToTerminal drives passes until the task reaches a terminal status.
// Production uses the scheduler for this loop; tests drive it directly.
func runToTerminal(t *testing.T, h *harness, taskID string) {
	t.Helper()
	for i := 0; i < 20; i++ {
		_, err := h.coord.ProcessPass(context.Background(), taskID)
		require.NoError(t, err)
		if schema.TerminalTask(h.getTask(t, taskID).Status) {
			return
		}
	}
	t.Fatalf("task %s did not reach a terminal status", taskID)
}

func TestCoordinator_LinearTaskRunsToCompletion(t *testing.T) {
	h := newHarness(t)

	var order []string
	for _, name := range []string{"build", "test", "release"} {
		name := name
		h.register(t, "record."+name, func(_ context.Context, _ handler.Invocation) (json.RawMessage, error) {
			order = append(order, name)
			return json.RawMessage(`{}`), nil
		})
	}

	task := h.createTask(t, map[string]string{
		"build": "record.build", "test": "record.test", "release": "record.release",
	}, map[string][]string{"test": {"build"}, "release": {"test"}}, `{}`)

	runToTerminal(t, h, task.ID)

	stored := h.getTask(t, task.ID)
	assert.Equal(t, schema.TaskStatusComplete, stored.Status)
	assert.Equal(t, []string{"build", "test", "release"}, order)

	for _, name := range []string{"build", "test", "release"} {
		step := h.getStep(t, task.ID, name)
		assert.Equal(t, schema.StepStatusComplete, step.Status)
		assert.True(t, step.Processed)
		assert.Equal(t, 1, step.Attempts)
	}
}

func TestCoordinator_PassOverTerminalTaskIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.createTask(t, map[string]string{"a": "noop"}, nil, `{}`)
	runToTerminal(t, h, task.ID)

	before := len(h.scheduler.calls)
	res, err := h.coord.ProcessPass(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Executed)
	assert.Nil(t, res.Context)
	assert.Len(t, h.scheduler.calls, before)
}

func TestCoordinator_DuplicatePassFindsNoViableSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.createTask(t, map[string]string{"a": "noop", "b": "noop"},
		map[string][]string{"b": {"a"}}, `{}`)

	// Simulate a racing pass holding the frontier step.
	claimed, err := h.store.ClaimStep(ctx, task.ID, "a")
	require.NoError(t, err)
	require.True(t, claimed)

	res, err := h.coord.ProcessPass(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Executed)
	require.NotNil(t, res.Context)
	assert.Equal(t, schema.ExecutionProcessing, res.Context.Status)
}

func TestCoordinator_TransientFailureRecoversOnLaterPass(t *testing.T) {
	h := newHarness(t)

	attempts := 0
	h.register(t, "flaky", func(_ context.Context, _ handler.Invocation) (json.RawMessage, error) {
		attempts++
		if attempts == 1 {
			return nil, schema.NewError(schema.ErrCodeExecution, "transient")
		}
		return json.RawMessage(`{}`), nil
	})

	task := h.createTask(t, map[string]string{"a": "flaky"}, nil, `{}`)

	// First pass fails the step and reenqueues the task.
	_, err := h.coord.ProcessPass(context.Background(), task.ID)
	require.NoError(t, err)

	stored := h.getTask(t, task.ID)
	assert.Equal(t, schema.TaskStatusPending, stored.Status)
	step := h.getStep(t, task.ID, "a")
	assert.Equal(t, schema.StepStatusError, step.Status)
	assert.Equal(t, 1, step.Attempts)

	// Clear the backoff window and run the next pass.
	past := stored.CreatedAt.AddDate(0, 0, -1)
	require.NoError(t, h.store.UpdateStep(context.Background(), task.ID, "a",
		stepLastAttempt(past)))

	runToTerminal(t, h, task.ID)
	assert.Equal(t, schema.TaskStatusComplete, h.getTask(t, task.ID).Status)
	assert.Equal(t, 2, h.getStep(t, task.ID, "a").Attempts)
}

func TestCoordinator_TaskWithTemplateUsesParams(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, "echo", func(_ context.Context, inv handler.Invocation) (json.RawMessage, error) {
		return json.Marshal(inv.Params)
	})

	tpl := &schema.TaskTemplate{
		Name: "templated",
		Steps: []schema.StepTemplate{
			{Name: "a", Handler: "echo", Params: map[string]any{"region": "us-east-1"}},
		},
	}
	require.NoError(t, h.store.StoreTemplate(ctx, storedTemplate(tpl, "1.0.0")))

	task, err := h.service.SubmitTask(ctx, "templated", "", json.RawMessage(`{}`))
	require.NoError(t, err)

	runToTerminal(t, h, task.ID)

	step := h.getStep(t, task.ID, "a")
	assert.JSONEq(t, `{"region": "us-east-1"}`, string(step.Results))
}
