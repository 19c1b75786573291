package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gantry-io/gantry/internal/events"
	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// TransitionAppender is satisfied by the Store; FSMs use it to durably
// record every accepted transition in the append-only log.
type TransitionAppender interface {
	AppendTransition(ctx context.Context, t *store.Transition) error
}

// --- Task FSM ---

type taskHookKey struct {
	from, to schema.TaskStatus
}

// TaskFSM manages task lifecycle state transitions. Every accepted
// transition is appended to the transition log and published to the hub.
type TaskFSM struct {
	mu       sync.Mutex
	appender TransitionAppender
	hub      events.Hub
	logger   *slog.Logger
	before   map[taskHookKey][]TransitionHook
	after    map[taskHookKey][]TransitionHook
}

// NewTaskFSM creates a TaskFSM recording transitions via the given
// appender. hub may be nil.
func NewTaskFSM(appender TransitionAppender, hub events.Hub, logger *slog.Logger) *TaskFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskFSM{
		appender: appender,
		hub:      hub,
		logger:   logger,
		before:   make(map[taskHookKey][]TransitionHook),
		after:    make(map[taskHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a task transition.
func (f *TaskFSM) OnBefore(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a task transition.
func (f *TaskFSM) OnAfter(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a task state transition, appending it
// to the transition log. The caller persists the materialized status.
func (f *TaskFSM) Transition(ctx context.Context, taskID string, from, to schema.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTaskTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, to).
			WithDetails(map[string]any{"task_id": taskID, "from": string(from), "to": string(to)})
	}

	key := taskHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if err := f.appender.AppendTransition(ctx, &store.Transition{
		TaskID: taskID,
		From:   string(from),
		To:     string(to),
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record task transition: %s", err.Error()).WithCause(err)
	}

	if f.hub != nil {
		if eventType := taskEventType(to); eventType != "" {
			_ = f.hub.Publish(ctx, events.LifecycleEvent{
				TaskID:    taskID,
				EventType: eventType,
				Payload:   map[string]any{"from": string(from), "to": string(to)},
			})
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

// SafeTransition applies a transition and reports success. Guard
// violations are expected under concurrent processing; they are logged
// and reported as false, never raised.
func (f *TaskFSM) SafeTransition(ctx context.Context, taskID string, from, to schema.TaskStatus) bool {
	if err := f.Transition(ctx, taskID, from, to); err != nil {
		f.logger.DebugContext(ctx, "task transition rejected",
			"task_id", taskID, "from", from, "to", to, "error", err)
		return false
	}
	return true
}

func isValidTaskTransition(from, to schema.TaskStatus) bool {
	allowed, ok := ValidTaskTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func taskEventType(to schema.TaskStatus) string {
	switch to {
	case schema.TaskStatusInProgress:
		return schema.EventTaskStarted
	case schema.TaskStatusComplete:
		return schema.EventTaskCompleted
	case schema.TaskStatusError:
		return schema.EventTaskFailed
	case schema.TaskStatusCancelled:
		return schema.EventTaskCancelled
	case schema.TaskStatusPending:
		return schema.EventTaskReenqueued
	default:
		return ""
	}
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM manages step lifecycle state transitions.
type StepFSM struct {
	mu       sync.Mutex
	appender TransitionAppender
	hub      events.Hub
	logger   *slog.Logger
	before   map[stepHookKey][]TransitionHook
	after    map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a StepFSM recording transitions via the given
// appender. hub may be nil.
func NewStepFSM(appender TransitionAppender, hub events.Hub, logger *slog.Logger) *StepFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepFSM{
		appender: appender,
		hub:      hub,
		logger:   logger,
		before:   make(map[stepHookKey][]TransitionHook),
		after:    make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition. The executor
// uses the pending->in_progress after-hook as the explicit trigger point
// for handler invocation.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a step state transition, appending it
// to the transition log.
func (f *StepFSM) Transition(ctx context.Context, taskID, stepName string, from, to schema.StepStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepName).
			WithDetails(map[string]any{"task_id": taskID, "from": string(from), "to": string(to)})
	}

	key := stepHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if err := f.appender.AppendTransition(ctx, &store.Transition{
		TaskID:   taskID,
		StepName: stepName,
		From:     string(from),
		To:       string(to),
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record step transition: %s", err.Error()).
			WithStep(stepName).WithCause(err)
	}

	if f.hub != nil {
		if eventType := stepEventType(from, to); eventType != "" {
			_ = f.hub.Publish(ctx, events.LifecycleEvent{
				TaskID:    taskID,
				StepName:  stepName,
				EventType: eventType,
				Payload:   map[string]any{"from": string(from), "to": string(to)},
			})
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

// SafeTransition applies a transition and reports success rather than
// erroring on guard violations.
func (f *StepFSM) SafeTransition(ctx context.Context, taskID, stepName string, from, to schema.StepStatus) bool {
	if err := f.Transition(ctx, taskID, stepName, from, to); err != nil {
		f.logger.DebugContext(ctx, "step transition rejected",
			"task_id", taskID, "step", stepName, "from", from, "to", to, "error", err)
		return false
	}
	return true
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := ValidStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(from, to schema.StepStatus) string {
	switch to {
	case schema.StepStatusInProgress:
		if from == schema.StepStatusError {
			return schema.EventStepRetrying
		}
		return schema.EventStepStarted
	case schema.StepStatusComplete:
		return schema.EventStepCompleted
	case schema.StepStatusError:
		return schema.EventStepFailed
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidTaskTransitions defines the allowed state transitions for tasks.
// in_progress -> pending is the reenqueue transition.
var ValidTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusPending:    {schema.TaskStatusInProgress, schema.TaskStatusCancelled},
	schema.TaskStatusInProgress: {schema.TaskStatusComplete, schema.TaskStatusError, schema.TaskStatusCancelled, schema.TaskStatusPending},
	schema.TaskStatusComplete:   {},
	schema.TaskStatusError:      {},
	schema.TaskStatusCancelled:  {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// error -> in_progress is a retry; readiness computation gates it on
// retry eligibility and the backoff window.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:    {schema.StepStatusInProgress},
	schema.StepStatusInProgress: {schema.StepStatusComplete, schema.StepStatusError},
	schema.StepStatusError:      {schema.StepStatusInProgress},
	schema.StepStatusComplete:   {},
}
