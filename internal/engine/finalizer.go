package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/gantry-io/gantry/internal/events"
	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/pkg/schema"
)

// Finalizer inspects a task's execution context after a pass and applies
// the completion decision: complete, reenqueue (immediate or delayed), or
// mark error.
//
// The crux is the retry-vs-block distinction: an error step with attempts
// remaining keeps the task reenqueued; only a genuinely dead DAG marks it
// error.
type Finalizer struct {
	store      store.Store
	taskFSM    *TaskFSM
	reenqueuer *Reenqueuer
	hub        events.Hub
	logger     *slog.Logger
	tun        Tunables
}

// NewFinalizer creates a Finalizer. hub may be nil.
func NewFinalizer(s store.Store, taskFSM *TaskFSM, reenqueuer *Reenqueuer, hub events.Hub, tun Tunables, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{
		store:      s,
		taskFSM:    taskFSM,
		reenqueuer: reenqueuer,
		hub:        hub,
		logger:     logger,
		tun:        tun,
	}
}

// FinalizeTask recomputes the task's execution context from a fresh
// snapshot and applies the decision table. The returned context reflects
// the state the decision was based on.
func (f *Finalizer) FinalizeTask(ctx context.Context, task *store.Task) (*ExecutionContext, error) {
	steps, err := f.store.ListSteps(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	edges, err := f.store.ListEdges(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rows := ComputeReadiness(steps, edges, now, f.tun)
	ec := BuildExecutionContext(task.ID, rows, edges)

	if f.hub != nil {
		_ = f.hub.Publish(ctx, events.LifecycleEvent{
			TaskID:    task.ID,
			EventType: schema.EventFinalizationDecision,
			Payload: map[string]any{
				"execution_status":   string(ec.Status),
				"recommended_action": string(ec.Action),
				"ready_steps":        ec.ReadySteps,
			},
		})
	}

	switch ec.Action {
	case schema.ActionCompleteTask:
		return ec, f.completeTask(ctx, task, now)

	case schema.ActionMarkError:
		return ec, f.failTask(ctx, task, now)

	case schema.ActionReenqueue:
		return ec, f.reenqueuer.Reenqueue(ctx, task, string(ec.Status), 0)

	case schema.ActionReenqueueDelayed:
		delay := ComputeDelay(ec, now, f.tun)
		return ec, f.reenqueuer.Reenqueue(ctx, task, string(ec.Status), delay)

	default:
		return ec, schema.NewErrorf(schema.ErrCodeExecution,
			"unknown recommended action %q for task %s", ec.Action, task.ID)
	}
}

func (f *Finalizer) completeTask(ctx context.Context, task *store.Task, now time.Time) error {
	if !f.taskFSM.SafeTransition(ctx, task.ID, task.Status, schema.TaskStatusComplete) {
		return nil
	}
	return f.store.SetTaskStatus(ctx, task.ID, store.TaskStatusUpdate{
		Status:      schema.TaskStatusComplete,
		CompletedAt: &now,
	})
}

func (f *Finalizer) failTask(ctx context.Context, task *store.Task, now time.Time) error {
	if !f.taskFSM.SafeTransition(ctx, task.ID, task.Status, schema.TaskStatusError) {
		return nil
	}
	return f.store.SetTaskStatus(ctx, task.ID, store.TaskStatusUpdate{
		Status:      schema.TaskStatusError,
		CompletedAt: &now,
	})
}

// ComputeDelay calculates the reenqueue delay for a waiting task.
//
// When any waiting step carries an explicit backoff request with a known
// last attempt time, the delay is the maximum remaining backoff across
// those steps plus a fixed safety buffer: the task cannot proceed faster
// than its slowest-blocked step. Otherwise the delay falls back to a
// default keyed by execution status. The result is always capped.
func ComputeDelay(ec *ExecutionContext, now time.Time, tun Tunables) time.Duration {
	var maxRemaining time.Duration
	found := false

	for _, r := range ec.Readiness {
		if r.Status != schema.StepStatusError || !r.RetryEligible {
			continue
		}
		if r.BackoffRequestSeconds <= 0 || r.LastAttemptedAt == nil {
			continue
		}
		requested := time.Duration(r.BackoffRequestSeconds) * time.Second
		remaining := r.LastAttemptedAt.Add(requested).Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if remaining > maxRemaining {
			maxRemaining = remaining
		}
		found = true
	}

	var delay time.Duration
	if found {
		delay = maxRemaining + tun.DelayBuffer
	} else {
		switch ec.Status {
		case schema.ExecutionHasReadySteps:
			delay = 0
		case schema.ExecutionProcessing:
			delay = tun.ProbeDelay
		default:
			delay = tun.WaitingDelay
		}
	}

	if tun.DelayCap > 0 && delay > tun.DelayCap {
		delay = tun.DelayCap
	}
	return delay
}
