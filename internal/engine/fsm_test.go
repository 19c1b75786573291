package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/pkg/schema"
)

// recordingAppender captures appended transitions in memory.
type recordingAppender struct {
	mu          sync.Mutex
	transitions []*store.Transition
	fail        error
}

func (a *recordingAppender) AppendTransition(_ context.Context, t *store.Transition) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	a.transitions = append(a.transitions, t)
	return nil
}

func (a *recordingAppender) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.transitions)
}

func TestTaskFSM_ValidTransition(t *testing.T) {
	app := &recordingAppender{}
	fsm := NewTaskFSM(app, nil, nil)

	err := fsm.Transition(context.Background(), "t1", schema.TaskStatusPending, schema.TaskStatusInProgress)
	require.NoError(t, err)

	require.Len(t, app.transitions, 1)
	tr := app.transitions[0]
	assert.Equal(t, "t1", tr.TaskID)
	assert.Empty(t, tr.StepName)
	assert.Equal(t, string(schema.TaskStatusPending), tr.From)
	assert.Equal(t, string(schema.TaskStatusInProgress), tr.To)
}

func TestTaskFSM_InvalidTransition(t *testing.T) {
	app := &recordingAppender{}
	fsm := NewTaskFSM(app, nil, nil)

	err := fsm.Transition(context.Background(), "t1", schema.TaskStatusPending, schema.TaskStatusComplete)
	require.Error(t, err)

	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engErr.Code)
	assert.Zero(t, app.count())
}

func TestTaskFSM_TerminalStatesAreFinal(t *testing.T) {
	fsm := NewTaskFSM(&recordingAppender{}, nil, nil)
	ctx := context.Background()

	for _, terminal := range []schema.TaskStatus{
		schema.TaskStatusComplete, schema.TaskStatusError, schema.TaskStatusCancelled,
	} {
		for _, to := range []schema.TaskStatus{
			schema.TaskStatusPending, schema.TaskStatusInProgress, schema.TaskStatusComplete,
		} {
			assert.Error(t, fsm.Transition(ctx, "t1", terminal, to),
				"%s -> %s should be rejected", terminal, to)
		}
	}
}

func TestTaskFSM_ReenqueueTransition(t *testing.T) {
	app := &recordingAppender{}
	fsm := NewTaskFSM(app, nil, nil)

	err := fsm.Transition(context.Background(), "t1", schema.TaskStatusInProgress, schema.TaskStatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, app.count())
}

func TestTaskFSM_SafeTransition(t *testing.T) {
	fsm := NewTaskFSM(&recordingAppender{}, nil, nil)
	ctx := context.Background()

	assert.True(t, fsm.SafeTransition(ctx, "t1", schema.TaskStatusPending, schema.TaskStatusInProgress))
	assert.False(t, fsm.SafeTransition(ctx, "t1", schema.TaskStatusComplete, schema.TaskStatusPending))
}

func TestTaskFSM_AppendFailureSurfacesStoreError(t *testing.T) {
	app := &recordingAppender{fail: errors.New("disk full")}
	fsm := NewTaskFSM(app, nil, nil)

	err := fsm.Transition(context.Background(), "t1", schema.TaskStatusPending, schema.TaskStatusInProgress)
	require.Error(t, err)

	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeStore, engErr.Code)
}

func TestTaskFSM_BeforeHookAbortsTransition(t *testing.T) {
	app := &recordingAppender{}
	fsm := NewTaskFSM(app, nil, nil)

	fsm.OnBefore(schema.TaskStatusPending, schema.TaskStatusInProgress, func(from, to string) error {
		return errors.New("not yet")
	})

	err := fsm.Transition(context.Background(), "t1", schema.TaskStatusPending, schema.TaskStatusInProgress)
	require.Error(t, err)
	assert.Zero(t, app.count())
}

func TestTaskFSM_HookOrder(t *testing.T) {
	app := &recordingAppender{}
	fsm := NewTaskFSM(app, nil, nil)

	var order []string
	fsm.OnBefore(schema.TaskStatusPending, schema.TaskStatusInProgress, func(from, to string) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.TaskStatusPending, schema.TaskStatusInProgress, func(from, to string) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "t1", schema.TaskStatusPending, schema.TaskStatusInProgress))
	assert.Equal(t, []string{"before", "after"}, order)
}

func TestStepFSM_ValidLifecycle(t *testing.T) {
	app := &recordingAppender{}
	fsm := NewStepFSM(app, nil, nil)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "t1", "build", schema.StepStatusPending, schema.StepStatusInProgress))
	require.NoError(t, fsm.Transition(ctx, "t1", "build", schema.StepStatusInProgress, schema.StepStatusError))
	require.NoError(t, fsm.Transition(ctx, "t1", "build", schema.StepStatusError, schema.StepStatusInProgress))
	require.NoError(t, fsm.Transition(ctx, "t1", "build", schema.StepStatusInProgress, schema.StepStatusComplete))

	require.Equal(t, 4, app.count())
	assert.Equal(t, "build", app.transitions[0].StepName)
}

func TestStepFSM_CompleteIsTerminal(t *testing.T) {
	fsm := NewStepFSM(&recordingAppender{}, nil, nil)
	err := fsm.Transition(context.Background(), "t1", "build", schema.StepStatusComplete, schema.StepStatusInProgress)
	require.Error(t, err)

	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engErr.Code)
	assert.Equal(t, "build", engErr.Step)
}

func TestStepFSM_PendingCannotSkipToComplete(t *testing.T) {
	fsm := NewStepFSM(&recordingAppender{}, nil, nil)
	err := fsm.Transition(context.Background(), "t1", "build", schema.StepStatusPending, schema.StepStatusComplete)
	assert.Error(t, err)
}
