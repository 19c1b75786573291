package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-io/gantry/pkg/schema"
)

func TestTransitionLogReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s)
	tl := NewTransitionLog(s)

	require.NoError(t, tl.Record(ctx, task.ID, "", "pending", "in_progress", nil))
	require.NoError(t, tl.Record(ctx, task.ID, "build", "pending", "in_progress", nil))
	require.NoError(t, tl.Record(ctx, task.ID, "build", "in_progress", "error", map[string]any{"message": "timeout"}))
	require.NoError(t, tl.Record(ctx, task.ID, "build", "error", "in_progress", nil))
	require.NoError(t, tl.Record(ctx, task.ID, "build", "in_progress", "complete", nil))
	require.NoError(t, tl.Record(ctx, task.ID, "", "in_progress", "complete", nil))

	taskStatus, steps, err := tl.Replay(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusComplete, taskStatus)

	build, ok := steps["build"]
	require.True(t, ok)
	assert.Equal(t, schema.StepStatusComplete, build.Status)
	assert.Equal(t, 2, build.Attempts)
	assert.NotNil(t, build.StartedAt)
	assert.NotNil(t, build.CompletedAt)
}

func TestTransitionLogReplay_Empty(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s)
	tl := NewTransitionLog(s)

	taskStatus, steps, err := tl.Replay(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, taskStatus)
	assert.Empty(t, steps)
}

func TestTransitionLogVerify_Agrees(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s)
	tl := NewTransitionLog(s)

	// Move build through its lifecycle in both the log and the
	// materialized row.
	require.NoError(t, tl.Record(ctx, task.ID, "build", "pending", "in_progress", nil))
	require.NoError(t, tl.Record(ctx, task.ID, "build", "in_progress", "complete", nil))
	status := schema.StepStatusComplete
	require.NoError(t, s.UpdateStep(ctx, task.ID, "build", StepUpdate{Status: &status}))

	diffs, err := tl.Verify(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, diffs)
}

func TestTransitionLogVerify_DetectsDrift(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s)
	tl := NewTransitionLog(s)

	// Materialized row says complete, but nothing was logged.
	status := schema.StepStatusComplete
	require.NoError(t, s.UpdateStep(ctx, task.ID, "build", StepUpdate{Status: &status}))

	diffs, err := tl.Verify(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Contains(t, diffs[0], "build")
}
