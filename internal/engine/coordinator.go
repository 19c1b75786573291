package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/pkg/schema"
)

// PassResult summarizes one processing pass.
type PassResult struct {
	TaskID   string            `json:"task_id"`
	Executed []StepOutcome     `json:"executed,omitempty"`
	Context  *ExecutionContext `json:"context"`
}

// Coordinator wires one full processing pass: discovery -> execution ->
// finalization. It never loops; continuation across passes happens through
// the reenqueuer's scheduling, so the same logic serves a job queue, a
// timer, or a synchronous test harness.
type Coordinator struct {
	store     store.Store
	taskFSM   *TaskFSM
	discovery *Discovery
	executor  *Executor
	finalizer *Finalizer
	logger    *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(s store.Store, taskFSM *TaskFSM, discovery *Discovery, executor *Executor, finalizer *Finalizer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     s,
		taskFSM:   taskFSM,
		discovery: discovery,
		executor:  executor,
		finalizer: finalizer,
		logger:    logger,
	}
}

// ProcessPass runs one discovery+execution+finalization cycle for a task.
// A pass over a terminal task is a no-op. A duplicate pass over an active
// task finds no viable steps (the in_process guard excludes them) and
// falls through to finalization.
func (c *Coordinator) ProcessPass(ctx context.Context, taskID string) (*PassResult, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if schema.TerminalTask(task.Status) {
		c.logger.DebugContext(ctx, "pass skipped, task is terminal",
			"task_id", taskID, "status", task.Status)
		return &PassResult{TaskID: taskID}, nil
	}

	if task.Status == schema.TaskStatusPending {
		if c.taskFSM.SafeTransition(ctx, taskID, schema.TaskStatusPending, schema.TaskStatusInProgress) {
			if err := c.store.SetTaskStatus(ctx, taskID, store.TaskStatusUpdate{Status: schema.TaskStatusInProgress}); err != nil {
				return nil, err
			}
			task.Status = schema.TaskStatusInProgress
		}
	}

	tpl := c.lookupTemplate(ctx, task)

	discovered, err := c.discovery.DiscoverSteps(ctx, task, tpl)
	if err != nil {
		return nil, err
	}

	result := &PassResult{TaskID: taskID}
	if len(discovered.StepNames) > 0 {
		result.Executed = c.executor.ExecuteBatch(ctx, task, tpl, discovered.StepNames, discovered.Mode)
	}

	ec, err := c.finalizer.FinalizeTask(ctx, task)
	if err != nil {
		// Finalization failures are retried at the next scheduled pass;
		// the underlying data is durable.
		c.logger.ErrorContext(ctx, "finalization failed",
			"task_id", taskID, "error", err)
		return result, err
	}
	result.Context = ec

	return result, nil
}

// lookupTemplate fetches the task's registered template. A task created
// without one runs on its persisted steps alone.
func (c *Coordinator) lookupTemplate(ctx context.Context, task *store.Task) *schema.TaskTemplate {
	stored, err := c.store.GetTemplate(ctx, task.Name, task.Version)
	if err != nil {
		var engErr *schema.EngineError
		if !errors.As(err, &engErr) || engErr.Code != schema.ErrCodeNotFound {
			c.logger.WarnContext(ctx, "template lookup failed",
				"task_id", task.ID, "name", task.Name, "error", err)
		}
		return nil
	}
	return &stored.Definition
}
