package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Tasks
	// CreateTask atomically inserts the task with its steps and edges.
	CreateTask(ctx context.Context, task *Task, steps []*WorkflowStep, edges []StepEdge) error
	GetTask(ctx context.Context, id string) (*Task, error)
	SetTaskStatus(ctx context.Context, id string, update TaskStatusUpdate) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// Steps
	GetStep(ctx context.Context, taskID, name string) (*WorkflowStep, error)
	// ListSteps returns a point-in-time set-wise snapshot of all steps of a
	// task, ordered by name. Readiness computation requires a single
	// consistent snapshot rather than per-step reads.
	ListSteps(ctx context.Context, taskID string) ([]*WorkflowStep, error)
	ListEdges(ctx context.Context, taskID string) ([]StepEdge, error)
	UpdateStep(ctx context.Context, taskID, name string, update StepUpdate) error
	// ClaimStep conditionally sets in_process = true and reports whether
	// this caller won the claim. A false return with nil error means
	// another pass already holds the step.
	ClaimStep(ctx context.Context, taskID, name string) (bool, error)

	// Transition log (append-only)
	AppendTransition(ctx context.Context, t *Transition) error
	ListTransitions(ctx context.Context, taskID string, filter TransitionFilter) ([]*Transition, error)

	// Templates
	StoreTemplate(ctx context.Context, tpl *StoredTemplate) error
	GetTemplate(ctx context.Context, name, version string) (*StoredTemplate, error)
	ListTemplates(ctx context.Context) ([]*StoredTemplate, error)

	// Scheduled tasks
	CreateScheduledTask(ctx context.Context, st *ScheduledTask) error
	GetScheduledTask(ctx context.Context, id string) (*ScheduledTask, error)
	UpdateScheduledTask(ctx context.Context, id string, update ScheduledTaskUpdate) error
	ListScheduledTasks(ctx context.Context, filter ScheduledTaskFilter) ([]*ScheduledTask, error)
	DeleteScheduledTask(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
