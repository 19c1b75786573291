package store

import (
	"encoding/json"
	"time"

	"github.com/gantry-io/gantry/pkg/schema"
)

// Task is the persisted unit of work. Status is a materialized copy of the
// most recent transition's target state; the transitions table is the
// source of truth.
type Task struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Namespace   string            `json:"namespace,omitempty"`
	Version     string            `json:"version,omitempty"`
	Context     json.RawMessage   `json:"context,omitempty"`
	Status      schema.TaskStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// WorkflowStep is a node in a task's DAG. Tasks are never hard-deleted
// during active processing, so steps carry their full retry bookkeeping.
type WorkflowStep struct {
	TaskID  string            `json:"task_id"`
	Name    string            `json:"name"`
	Handler string            `json:"handler"`
	Status  schema.StepStatus `json:"status"`
	// Attempts counts handler invocations so far.
	Attempts   int  `json:"attempts"`
	RetryLimit int  `json:"retry_limit"`
	Retryable  bool `json:"retryable"`
	// InProcess guards against duplicate concurrent execution of the step.
	InProcess bool `json:"in_process"`
	// Processed marks terminal success; a processed step is never re-run.
	Processed bool `json:"processed"`
	// BackoffRequestSeconds is an explicit requested delay, e.g. from a
	// rate-limit response. Zero means only computed backoff applies.
	BackoffRequestSeconds int             `json:"backoff_request_seconds"`
	LastAttemptedAt       *time.Time      `json:"last_attempted_at,omitempty"`
	Results               json.RawMessage `json:"results,omitempty"`
	LastError             json.RawMessage `json:"last_error,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// StepEdge is a dependency edge: Child cannot run until Parent completes.
type StepEdge struct {
	TaskID string `json:"task_id"`
	Parent string `json:"parent"`
	Child  string `json:"child"`
}

// Transition is an immutable entry in the append-only transition log.
// StepName is empty for task-level transitions. Sequence is monotonically
// increasing per entity (task_id, step_name).
type Transition struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	StepName  string          `json:"step_name,omitempty"`
	From      string          `json:"from_status"`
	To        string          `json:"to_status"`
	Sequence  int64           `json:"sequence"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StoredTemplate is a registered task template row.
type StoredTemplate struct {
	Name       string              `json:"name"`
	Namespace  string              `json:"namespace,omitempty"`
	Version    string              `json:"version"`
	Definition schema.TaskTemplate `json:"definition"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// ScheduledTask is a cron-triggered task submission.
type ScheduledTask struct {
	ID             string          `json:"id"`
	TemplateName   string          `json:"template_name"`
	TemplateVersion string         `json:"template_version,omitempty"`
	CronExpression string          `json:"cron_expression"`
	Context        json.RawMessage `json:"context,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	Status    *schema.TaskStatus `json:"status,omitempty"`
	Namespace string             `json:"namespace,omitempty"`
	Name      string             `json:"name,omitempty"`
	Since     *time.Time         `json:"since,omitempty"`
	Limit     int                `json:"limit,omitempty"`
	Offset    int                `json:"offset,omitempty"`
}

// StepUpdate specifies mutable scalar fields of a workflow step. Nil
// pointers leave the corresponding column untouched.
type StepUpdate struct {
	Status                *schema.StepStatus `json:"status,omitempty"`
	Attempts              *int               `json:"attempts,omitempty"`
	Retryable             *bool              `json:"retryable,omitempty"`
	InProcess             *bool              `json:"in_process,omitempty"`
	Processed             *bool              `json:"processed,omitempty"`
	BackoffRequestSeconds *int               `json:"backoff_request_seconds,omitempty"`
	LastAttemptedAt       *time.Time         `json:"last_attempted_at,omitempty"`
	Results               json.RawMessage    `json:"results,omitempty"`
	LastError             json.RawMessage    `json:"last_error,omitempty"`
}

// TaskStatusUpdate specifies the materialized status fields of a task.
type TaskStatusUpdate struct {
	Status      schema.TaskStatus `json:"status"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// TransitionFilter specifies criteria for listing transitions.
type TransitionFilter struct {
	StepName *string `json:"step_name,omitempty"` // nil: all; "": task-level only
	Since    int64   `json:"since,omitempty"`
	Limit    int     `json:"limit,omitempty"`
}

// ScheduledTaskUpdate specifies mutable fields of a scheduled task.
type ScheduledTaskUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledTaskFilter specifies criteria for listing scheduled tasks.
type ScheduledTaskFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
