package engine

import (
	"time"

	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/pkg/schema"
)

// StepReadiness is the derived per-step view used to decide viability.
// It is recomputed from a fresh step/edge snapshot on every read and is
// never stored.
type StepReadiness struct {
	TaskID   string            `json:"task_id"`
	StepName string            `json:"step_name"`
	Status   schema.StepStatus `json:"status"`

	Attempts   int  `json:"attempts"`
	RetryLimit int  `json:"retry_limit"`
	InProcess  bool `json:"in_process"`
	Processed  bool `json:"processed"`

	DependenciesSatisfied bool `json:"dependencies_satisfied"`
	RetryEligible         bool `json:"retry_eligible"`

	// BackoffRequestSeconds echoes the step's explicit backoff request.
	// EffectiveBackoff is max(request, exponential(attempts)).
	BackoffRequestSeconds int           `json:"backoff_request_seconds"`
	EffectiveBackoff      time.Duration `json:"effective_backoff"`
	LastAttemptedAt       *time.Time    `json:"last_attempted_at,omitempty"`
	NextRetryAt           *time.Time    `json:"next_retry_at,omitempty"`

	Ready bool `json:"ready_for_execution"`
}

// ComputeReadiness produces one readiness row per step from a consistent
// snapshot of a task's steps and dependency edges. No side effects.
//
// A step is ready iff its parents are all terminal-success, it is not
// processed, not in process, and either it has never run (pending) or it
// failed, is retry-eligible, and its backoff window has elapsed.
func ComputeReadiness(steps []*store.WorkflowStep, edges []store.StepEdge, now time.Time, tun Tunables) []*StepReadiness {
	complete := make(map[string]bool, len(steps))
	for _, s := range steps {
		complete[s.Name] = s.Status == schema.StepStatusComplete && s.Processed
	}

	parents := make(map[string][]string, len(steps))
	for _, e := range edges {
		parents[e.Child] = append(parents[e.Child], e.Parent)
	}

	rows := make([]*StepReadiness, 0, len(steps))
	for _, s := range steps {
		r := &StepReadiness{
			TaskID:                s.TaskID,
			StepName:              s.Name,
			Status:                s.Status,
			Attempts:              s.Attempts,
			RetryLimit:            s.RetryLimit,
			InProcess:             s.InProcess,
			Processed:             s.Processed,
			BackoffRequestSeconds: s.BackoffRequestSeconds,
			LastAttemptedAt:       s.LastAttemptedAt,
		}

		r.DependenciesSatisfied = true
		for _, p := range parents[s.Name] {
			if !complete[p] {
				r.DependenciesSatisfied = false
				break
			}
		}

		r.RetryEligible = s.Retryable && s.Attempts < s.RetryLimit

		if s.Status == schema.StepStatusError {
			r.EffectiveBackoff = effectiveBackoff(s, tun)
			if s.LastAttemptedAt != nil {
				next := s.LastAttemptedAt.Add(r.EffectiveBackoff)
				r.NextRetryAt = &next
			}
		}

		pastBackoff := r.NextRetryAt == nil || !now.Before(*r.NextRetryAt)
		r.Ready = r.DependenciesSatisfied && !s.Processed && !s.InProcess &&
			(s.Status == schema.StepStatusPending ||
				(s.Status == schema.StepStatusError && r.RetryEligible && pastBackoff))

		rows = append(rows, r)
	}
	return rows
}

// effectiveBackoff is the larger of the step's explicit backoff request and
// the computed exponential backoff for its attempt count.
func effectiveBackoff(s *store.WorkflowStep, tun Tunables) time.Duration {
	computed := ComputeBackoff(s.Attempts, tun.BackoffBase, tun.BackoffCap)
	requested := time.Duration(s.BackoffRequestSeconds) * time.Second
	if requested > computed {
		return requested
	}
	return computed
}

// ExecutionContext is the per-task aggregate rollup the finalizer consumes.
// Status is a pure function of the step-state multiset at query time.
type ExecutionContext struct {
	TaskID string `json:"task_id"`

	Total      int `json:"total_steps"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Complete   int `json:"complete"`
	Errored    int `json:"errored"`

	ReadySteps int `json:"ready_steps"`
	// WaitingRetry counts error steps that can still retry once their
	// backoff window elapses. Exhausted counts error steps with no
	// attempts left (or marked non-retryable).
	WaitingRetry int `json:"waiting_retry"`
	Exhausted    int `json:"exhausted"`

	Status schema.ExecutionStatus   `json:"execution_status"`
	Action schema.RecommendedAction `json:"recommended_action"`

	Readiness []*StepReadiness `json:"readiness,omitempty"`
}

// BuildExecutionContext classifies a task's aggregate state from its
// readiness rows and dependency edges.
//
// The retry-vs-block distinction lives here: an error step with attempts
// remaining yields waiting_for_dependencies, never blocked_by_failures.
// Blocked means at least one step is dead (exhausted, or downstream of an
// exhausted step) and nothing else can make progress.
func BuildExecutionContext(taskID string, rows []*StepReadiness, edges []store.StepEdge) *ExecutionContext {
	ec := &ExecutionContext{
		TaskID:    taskID,
		Total:     len(rows),
		Readiness: rows,
	}

	for _, r := range rows {
		switch r.Status {
		case schema.StepStatusPending:
			ec.Pending++
		case schema.StepStatusInProgress:
			ec.InProgress++
		case schema.StepStatusComplete:
			ec.Complete++
		case schema.StepStatusError:
			ec.Errored++
			if r.RetryEligible {
				ec.WaitingRetry++
			} else {
				ec.Exhausted++
			}
		}
		if r.Ready {
			ec.ReadySteps++
		}
	}

	dead := deadSteps(rows, edges)

	switch {
	case ec.Complete == ec.Total:
		ec.Status = schema.ExecutionAllComplete
		ec.Action = schema.ActionCompleteTask

	case inFlight(rows):
		ec.Status = schema.ExecutionProcessing
		ec.Action = schema.ActionReenqueueDelayed

	case ec.ReadySteps > 0:
		ec.Status = schema.ExecutionHasReadySteps
		ec.Action = schema.ActionReenqueue

	case liveProgressRemains(rows, dead):
		ec.Status = schema.ExecutionWaitingForDependencies
		ec.Action = schema.ActionReenqueueDelayed

	default:
		ec.Status = schema.ExecutionBlockedByFailures
		ec.Action = schema.ActionMarkError
	}

	return ec
}

func inFlight(rows []*StepReadiness) bool {
	for _, r := range rows {
		if r.InProcess || r.Status == schema.StepStatusInProgress {
			return true
		}
	}
	return false
}

// deadSteps returns the set of steps that can never complete: error steps
// with retries exhausted, plus every step transitively depending on one.
func deadSteps(rows []*StepReadiness, edges []store.StepEdge) map[string]bool {
	dead := make(map[string]bool)
	for _, r := range rows {
		if r.Status == schema.StepStatusError && !r.RetryEligible {
			dead[r.StepName] = true
		}
	}
	if len(dead) == 0 {
		return dead
	}

	children := make(map[string][]string)
	for _, e := range edges {
		children[e.Parent] = append(children[e.Parent], e.Child)
	}

	queue := make([]string, 0, len(dead))
	for name := range dead {
		queue = append(queue, name)
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, child := range children[name] {
			if !dead[child] {
				dead[child] = true
				queue = append(queue, child)
			}
		}
	}
	return dead
}

// liveProgressRemains reports whether any incomplete step can still make
// progress: a retry-eligible error step in its backoff window, or a pending
// step whose ancestry contains no exhausted failure.
func liveProgressRemains(rows []*StepReadiness, dead map[string]bool) bool {
	for _, r := range rows {
		if r.Status == schema.StepStatusComplete || dead[r.StepName] {
			continue
		}
		if r.Status == schema.StepStatusError && r.RetryEligible {
			return true
		}
		if r.Status == schema.StepStatusPending {
			return true
		}
	}
	return false
}
