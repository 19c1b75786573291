package schema

// Lifecycle event names published to the event hub and recorded in the
// transition log payloads. Subscribers are optional; the engine never
// depends on them.
const (
	EventTaskSubmitted  = "task_submitted"
	EventTaskStarted    = "task_started"
	EventTaskCompleted  = "task_completed"
	EventTaskFailed     = "task_failed"
	EventTaskCancelled  = "task_cancelled"
	EventTaskReenqueued = "task_reenqueued"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"

	EventReenqueueStarted   = "reenqueue_started"
	EventReenqueueCompleted = "reenqueue_completed"
	EventReenqueueFailed    = "reenqueue_failed"

	EventFinalizationDecision = "finalization_decision"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusComplete   TaskStatus = "complete"
	TaskStatusError      TaskStatus = "error"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// StepStatus represents the lifecycle state of a workflow step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusComplete   StepStatus = "complete"
	StepStatusError      StepStatus = "error"
)

// ExecutionStatus is the aggregate rollup of a task's step states, used by
// the finalizer to decide the task's next action.
type ExecutionStatus string

const (
	ExecutionAllComplete            ExecutionStatus = "all_complete"
	ExecutionHasReadySteps          ExecutionStatus = "has_ready_steps"
	ExecutionWaitingForDependencies ExecutionStatus = "waiting_for_dependencies"
	ExecutionBlockedByFailures      ExecutionStatus = "blocked_by_failures"
	ExecutionProcessing             ExecutionStatus = "processing"
)

// RecommendedAction is the finalizer's decision derived from ExecutionStatus.
type RecommendedAction string

const (
	ActionCompleteTask     RecommendedAction = "complete_task"
	ActionReenqueue        RecommendedAction = "reenqueue"
	ActionReenqueueDelayed RecommendedAction = "reenqueue_delayed"
	ActionMarkError        RecommendedAction = "mark_error"
)

// ProcessingMode selects how a batch of viable steps is executed.
type ProcessingMode string

const (
	ProcessingSequential ProcessingMode = "sequential"
	ProcessingConcurrent ProcessingMode = "concurrent"
)

// TerminalTask reports whether a task status permits no further transitions.
func TerminalTask(s TaskStatus) bool {
	return s == TaskStatusComplete || s == TaskStatusError || s == TaskStatusCancelled
}

// TerminalStep reports whether a step can make no further progress on its
// own. An error step is only effectively terminal once retries are
// exhausted, which readiness computation decides; this covers complete only.
func TerminalStep(s StepStatus) bool {
	return s == StepStatusComplete
}
