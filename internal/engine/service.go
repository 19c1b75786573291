package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gantry-io/gantry/internal/events"
	"github.com/gantry-io/gantry/internal/handler"
	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/pkg/schema"
)

// InputValidator checks a task request context against a template's input
// schema. Satisfied by the validation package; nil disables the check.
type InputValidator interface {
	ValidateInput(tpl *schema.TaskTemplate, input json.RawMessage) error
}

// Service is the submission-side facade: it materializes tasks from
// registered templates and hands them to the scheduler for their first
// pass. The coordinator owns everything after that.
type Service struct {
	store     store.Store
	registry  *handler.Registry
	taskFSM   *TaskFSM
	scheduler PassScheduler
	validator InputValidator
	hub       events.Hub
	logger    *slog.Logger
}

// NewService creates a Service. validator and hub may be nil.
func NewService(s store.Store, registry *handler.Registry, taskFSM *TaskFSM, scheduler PassScheduler, validator InputValidator, hub events.Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     s,
		registry:  registry,
		taskFSM:   taskFSM,
		scheduler: scheduler,
		validator: validator,
		hub:       hub,
		logger:    logger,
	}
}

// SubmitTask creates a task from a registered template and schedules its
// first processing pass. The template's handler bindings must all resolve
// in the registry; the request context is validated against the template's
// input schema when a validator is wired.
func (s *Service) SubmitTask(ctx context.Context, templateName, version string, taskCtx json.RawMessage) (*store.Task, error) {
	stored, err := s.store.GetTemplate(ctx, templateName, version)
	if err != nil {
		return nil, err
	}
	tpl := &stored.Definition

	if s.validator != nil {
		if err := s.validator.ValidateInput(tpl, taskCtx); err != nil {
			return nil, err
		}
	}
	for _, st := range tpl.Steps {
		if !s.registry.Has(st.Handler) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"template %s step %s: handler %q not registered", tpl.Name, st.Name, st.Handler)
		}
	}

	now := time.Now().UTC()
	task := &store.Task{
		ID:        uuid.New().String(),
		Name:      tpl.Name,
		Namespace: tpl.Namespace,
		Version:   stored.Version,
		Context:   taskCtx,
		Status:    schema.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	steps := make([]*store.WorkflowStep, 0, len(tpl.Steps))
	var edges []store.StepEdge
	for _, st := range tpl.Steps {
		steps = append(steps, &store.WorkflowStep{
			TaskID:     task.ID,
			Name:       st.Name,
			Handler:    st.Handler,
			Status:     schema.StepStatusPending,
			RetryLimit: st.EffectiveRetryLimit(),
			Retryable:  st.EffectiveRetryable(),
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		for _, parent := range st.DependsOn {
			edges = append(edges, store.StepEdge{
				TaskID: task.ID,
				Parent: parent,
				Child:  st.Name,
			})
		}
	}

	if err := s.store.CreateTask(ctx, task, steps, edges); err != nil {
		return nil, err
	}

	if s.hub != nil {
		_ = s.hub.Publish(ctx, events.LifecycleEvent{
			TaskID:    task.ID,
			EventType: schema.EventTaskSubmitted,
			Payload:   map[string]any{"template": tpl.Key(), "version": stored.Version},
		})
	}

	if err := s.scheduler.Schedule(ctx, task.ID, 0); err != nil {
		return task, schema.NewErrorf(schema.ErrCodeScheduling,
			"schedule first pass for task %s: %s", task.ID, err.Error()).WithCause(err)
	}
	return task, nil
}

// CancelTask applies the explicit cancellation transition. In-flight step
// handlers run to completion or timeout; cancellation does not interrupt
// them.
func (s *Service) CancelTask(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == schema.TaskStatusCancelled {
		return nil
	}
	if !s.taskFSM.SafeTransition(ctx, taskID, task.Status, schema.TaskStatusCancelled) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"task %s cannot be cancelled from status %s", taskID, task.Status)
	}
	now := time.Now().UTC()
	return s.store.SetTaskStatus(ctx, taskID, store.TaskStatusUpdate{
		Status:      schema.TaskStatusCancelled,
		CompletedAt: &now,
	})
}
