package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/gantry-io/gantry/internal/events"
	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/pkg/schema"
)

// PassScheduler schedules the next processing pass for a task, optionally
// after a delay. Backed by whatever timer/queue infrastructure the host
// provides; test harnesses substitute synchronous implementations.
type PassScheduler interface {
	Schedule(ctx context.Context, taskID string, delay time.Duration) error
}

// Reenqueuer transitions a task back to pending and schedules the next
// coordinator pass. A scheduling failure is returned AND published as an
// event: a silently lost reenqueue would stall the task forever.
type Reenqueuer struct {
	store     store.Store
	taskFSM   *TaskFSM
	scheduler PassScheduler
	hub       events.Hub
	logger    *slog.Logger
}

// NewReenqueuer creates a Reenqueuer. hub may be nil.
func NewReenqueuer(s store.Store, taskFSM *TaskFSM, scheduler PassScheduler, hub events.Hub, logger *slog.Logger) *Reenqueuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reenqueuer{
		store:     s,
		taskFSM:   taskFSM,
		scheduler: scheduler,
		hub:       hub,
		logger:    logger,
	}
}

// Reenqueue moves the task back to pending (idempotent: a no-op when it
// already is) and schedules the next pass after the given delay.
func (r *Reenqueuer) Reenqueue(ctx context.Context, task *store.Task, reason string, delay time.Duration) error {
	r.publish(ctx, task.ID, schema.EventReenqueueStarted, map[string]any{
		"reason":        reason,
		"delay_seconds": delay.Seconds(),
	})

	if task.Status != schema.TaskStatusPending {
		if r.taskFSM.SafeTransition(ctx, task.ID, task.Status, schema.TaskStatusPending) {
			if err := r.store.SetTaskStatus(ctx, task.ID, store.TaskStatusUpdate{Status: schema.TaskStatusPending}); err != nil {
				r.publish(ctx, task.ID, schema.EventReenqueueFailed, map[string]any{"error": err.Error()})
				return schema.NewErrorf(schema.ErrCodeScheduling,
					"reenqueue task %s: persist pending status: %s", task.ID, err.Error()).WithCause(err)
			}
		}
	}

	if err := r.scheduler.Schedule(ctx, task.ID, delay); err != nil {
		r.publish(ctx, task.ID, schema.EventReenqueueFailed, map[string]any{
			"reason": reason,
			"error":  err.Error(),
		})
		r.logger.ErrorContext(ctx, "reenqueue scheduling failed",
			"task_id", task.ID, "reason", reason, "error", err)
		return schema.NewErrorf(schema.ErrCodeScheduling,
			"schedule pass for task %s: %s", task.ID, err.Error()).WithCause(err)
	}

	r.publish(ctx, task.ID, schema.EventReenqueueCompleted, map[string]any{
		"reason":        reason,
		"delay_seconds": delay.Seconds(),
	})
	return nil
}

func (r *Reenqueuer) publish(ctx context.Context, taskID, eventType string, payload map[string]any) {
	if r.hub == nil {
		return
	}
	_ = r.hub.Publish(ctx, events.LifecycleEvent{
		TaskID:    taskID,
		EventType: eventType,
		Payload:   payload,
	})
}
