package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gantry-io/gantry/internal/events"
	"github.com/gantry-io/gantry/internal/expressions"
	"github.com/gantry-io/gantry/internal/handler"
	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/pkg/schema"
)

// fakeScheduler records Schedule calls; fail makes every call error.
type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduledCall
	fail  error
}

type scheduledCall struct {
	taskID string
	delay  time.Duration
}

func (f *fakeScheduler) Schedule(_ context.Context, taskID string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, scheduledCall{taskID: taskID, delay: delay})
	return nil
}

func (f *fakeScheduler) lastCall(t *testing.T) scheduledCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

// funcHandler adapts a closure into a Handler for tests.
type funcHandler struct {
	name string
	fn   func(ctx context.Context, inv handler.Invocation) (json.RawMessage, error)
}

func (h *funcHandler) Name() string                         { return h.name }
func (h *funcHandler) Schema() handler.HandlerSchema        { return handler.HandlerSchema{} }
func (h *funcHandler) Validate(params map[string]any) error { return nil }
func (h *funcHandler) Process(ctx context.Context, inv handler.Invocation) (json.RawMessage, error) {
	return h.fn(ctx, inv)
}

type harness struct {
	store      *store.LibSQLStore
	hub        *events.MemoryHub
	registry   *handler.Registry
	evaluator  *expressions.Evaluator
	scheduler  *fakeScheduler
	taskFSM    *TaskFSM
	stepFSM    *StepFSM
	discovery  *Discovery
	executor   *Executor
	reenqueuer *Reenqueuer
	finalizer  *Finalizer
	coord      *Coordinator
	service    *Service
	tun        Tunables
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s, err := store.NewLibSQLStore("file:"+filepath.Join(t.TempDir(), "engine.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	hub := events.NewMemoryHub()
	registry := handler.NewRegistry()
	require.NoError(t, registry.Register(handler.NewNoopHandler()))

	evaluator, err := expressions.NewEvaluator()
	require.NoError(t, err)

	tun := DefaultTunables()
	sched := &fakeScheduler{}

	taskFSM := NewTaskFSM(s, hub, nil)
	stepFSM := NewStepFSM(s, hub, nil)
	executor := NewExecutor(s, stepFSM, registry, evaluator, hub, s, tun, nil)
	discovery := NewDiscovery(s, tun)
	reenqueuer := NewReenqueuer(s, taskFSM, sched, hub, nil)
	finalizer := NewFinalizer(s, taskFSM, reenqueuer, hub, tun, nil)
	coord := NewCoordinator(s, taskFSM, discovery, executor, finalizer, nil)
	service := NewService(s, registry, taskFSM, sched, nil, hub, nil)

	return &harness{
		store:      s,
		hub:        hub,
		registry:   registry,
		evaluator:  evaluator,
		scheduler:  sched,
		taskFSM:    taskFSM,
		stepFSM:    stepFSM,
		discovery:  discovery,
		executor:   executor,
		reenqueuer: reenqueuer,
		finalizer:  finalizer,
		coord:      coord,
		service:    service,
		tun:        tun,
	}
}

func (h *harness) register(t *testing.T, name string, fn func(ctx context.Context, inv handler.Invocation) (json.RawMessage, error)) {
	t.Helper()
	require.NoError(t, h.registry.Register(&funcHandler{name: name, fn: fn}))
}

// createTask persists a task with the given steps and linear-or-explicit
// edges. Each entry is stepName -> handler name; deps wires edges.
func (h *harness) createTask(t *testing.T, stepHandlers map[string]string, deps map[string][]string, taskCtx string) *store.Task {
	t.Helper()
	now := time.Now().UTC()
	task := &store.Task{
		ID:        uuid.New().String(),
		Name:      "test-task",
		Status:    schema.TaskStatusPending,
		Context:   json.RawMessage(taskCtx),
		CreatedAt: now,
		UpdatedAt: now,
	}

	var steps []*store.WorkflowStep
	for name, hName := range stepHandlers {
		steps = append(steps, &store.WorkflowStep{
			TaskID:     task.ID,
			Name:       name,
			Handler:    hName,
			Status:     schema.StepStatusPending,
			RetryLimit: 3,
			Retryable:  true,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	var edges []store.StepEdge
	for child, parents := range deps {
		for _, p := range parents {
			edges = append(edges, store.StepEdge{TaskID: task.ID, Parent: p, Child: child})
		}
	}

	require.NoError(t, h.store.CreateTask(context.Background(), task, steps, edges))
	return task
}

func (h *harness) getStep(t *testing.T, taskID, name string) *store.WorkflowStep {
	t.Helper()
	step, err := h.store.GetStep(context.Background(), taskID, name)
	require.NoError(t, err)
	return step
}

func taskStatusUpdate(st schema.TaskStatus) store.TaskStatusUpdate {
	return store.TaskStatusUpdate{Status: st}
}

func stepLastAttempt(at time.Time) store.StepUpdate {
	return store.StepUpdate{LastAttemptedAt: &at}
}

func storedTemplate(tpl *schema.TaskTemplate, version string) *store.StoredTemplate {
	return &store.StoredTemplate{
		Name:       tpl.Name,
		Namespace:  tpl.Namespace,
		Version:    version,
		Definition: *tpl,
	}
}

func (h *harness) getTask(t *testing.T, taskID string) *store.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return task
}
