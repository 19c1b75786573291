package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gantry-io/gantry/internal/events"
	"github.com/gantry-io/gantry/internal/expressions"
	"github.com/gantry-io/gantry/internal/handler"
	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/pkg/schema"
)

// PoolStatser reports connection pool pressure; satisfied by the libSQL
// store. Used to size concurrent execution width.
type PoolStatser interface {
	PoolStats() (size, inUse int)
}

// StepOutcome records what happened to one step during a batch.
type StepOutcome struct {
	StepName string            `json:"step_name"`
	Status   schema.StepStatus `json:"status"`
	Skipped  bool              `json:"skipped,omitempty"`
	// Claimed is false when another pass already held the step; the step
	// was not touched.
	Claimed bool  `json:"claimed"`
	Err     error `json:"-"`
}

// Executor runs a batch of viable steps and transitions their state
// machines based on outcome. Failures are recorded per step and never
// abort sibling steps.
type Executor struct {
	store     store.Store
	stepFSM   *StepFSM
	registry  *handler.Registry
	evaluator *expressions.Evaluator
	hub       events.Hub
	logger    *slog.Logger
	tun       Tunables
	stats     PoolStatser
}

// NewExecutor creates an Executor. hub, evaluator and stats may be nil.
func NewExecutor(s store.Store, stepFSM *StepFSM, registry *handler.Registry, evaluator *expressions.Evaluator, hub events.Hub, stats PoolStatser, tun Tunables, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:     s,
		stepFSM:   stepFSM,
		registry:  registry,
		evaluator: evaluator,
		hub:       hub,
		logger:    logger,
		tun:       tun,
		stats:     stats,
	}
}

// ExecuteBatch executes the given viable steps in the given mode and
// returns one outcome per step. The template supplies handler params,
// guards and per-step timeouts; tpl may be nil for tasks created without
// a registered template.
func (e *Executor) ExecuteBatch(ctx context.Context, task *store.Task, tpl *schema.TaskTemplate, stepNames []string, mode schema.ProcessingMode) []StepOutcome {
	e.publish(ctx, task.ID, "", schema.EventExecutionStarted, map[string]any{
		"steps": stepNames,
		"mode":  string(mode),
	})

	var outcomes []StepOutcome
	if mode == schema.ProcessingConcurrent && len(stepNames) > 1 {
		outcomes = e.executeConcurrent(ctx, task, tpl, stepNames)
	} else {
		outcomes = e.executeSequential(ctx, task, tpl, stepNames)
	}

	completed := 0
	failed := 0
	for _, o := range outcomes {
		switch o.Status {
		case schema.StepStatusComplete:
			completed++
		case schema.StepStatusError:
			failed++
		}
	}
	e.publish(ctx, task.ID, "", schema.EventExecutionCompleted, map[string]any{
		"completed": completed,
		"failed":    failed,
	})

	return outcomes
}

// executeSequential runs steps one at a time in discovery order. A failure
// in one step does not prevent attempting subsequent steps.
func (e *Executor) executeSequential(ctx context.Context, task *store.Task, tpl *schema.TaskTemplate, stepNames []string) []StepOutcome {
	outcomes := make([]StepOutcome, 0, len(stepNames))
	for _, name := range stepNames {
		outcomes = append(outcomes, e.executeStep(ctx, task, tpl, name))
	}
	return outcomes
}

// executeConcurrent runs steps on a bounded worker pool sized against the
// store's connection headroom. One step's timeout or panic never cancels
// its siblings.
func (e *Executor) executeConcurrent(ctx context.Context, task *store.Task, tpl *schema.TaskTemplate, stepNames []string) []StepOutcome {
	width := e.tun.MaxConcurrency
	if e.stats != nil {
		width = e.tun.Concurrency(e.stats.PoolStats())
	}
	if width > len(stepNames) {
		width = len(stepNames)
	}

	pool := NewWorkerPool(width)
	outcomes := make([]StepOutcome, len(stepNames))
	var mu sync.Mutex

	for i, name := range stepNames {
		i, name := i, name
		err := pool.Submit(ctx, func(ctx context.Context) error {
			outcome := e.executeStep(ctx, task, tpl, name)
			mu.Lock()
			outcomes[i] = outcome
			mu.Unlock()
			return outcome.Err
		})
		if err != nil {
			mu.Lock()
			outcomes[i] = StepOutcome{StepName: name, Err: err}
			mu.Unlock()
		}
	}
	pool.Wait()
	pool.Shutdown()

	return outcomes
}

// executeStep runs the full per-step protocol: claim, transition to
// in_progress, invoke the handler under its timeout, then record the
// outcome. Handler failures are classified for retry bookkeeping; the
// executor itself treats them uniformly.
func (e *Executor) executeStep(ctx context.Context, task *store.Task, tpl *schema.TaskTemplate, stepName string) StepOutcome {
	outcome := StepOutcome{StepName: stepName}

	claimed, err := e.store.ClaimStep(ctx, task.ID, stepName)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	if !claimed {
		// Another pass holds the step; not an error.
		return outcome
	}
	outcome.Claimed = true

	step, err := e.store.GetStep(ctx, task.ID, stepName)
	if err != nil {
		outcome.Err = err
		e.releaseClaim(ctx, task.ID, stepName)
		return outcome
	}

	var stepTpl *schema.StepTemplate
	if tpl != nil {
		stepTpl = tpl.Step(stepName)
	}

	env, err := e.buildEnv(ctx, task)
	if err != nil {
		outcome.Err = err
		e.releaseClaim(ctx, task.ID, stepName)
		return outcome
	}

	// A true skip_if guard resolves the step complete without invoking
	// the handler.
	if stepTpl != nil && stepTpl.SkipIf != nil && e.evaluator != nil {
		skip, evalErr := e.evaluator.EvalBool(ctx, *stepTpl.SkipIf, env)
		if evalErr != nil {
			e.logger.WarnContext(ctx, "skip_if evaluation failed, running step",
				"task_id", task.ID, "step", stepName, "error", evalErr)
		} else if skip {
			return e.skipStep(ctx, task, step, outcome)
		}
	}

	if !e.stepFSM.SafeTransition(ctx, task.ID, stepName, step.Status, schema.StepStatusInProgress) {
		e.releaseClaim(ctx, task.ID, stepName)
		return outcome
	}
	inProgress := schema.StepStatusInProgress
	if err := e.store.UpdateStep(ctx, task.ID, stepName, store.StepUpdate{Status: &inProgress}); err != nil {
		outcome.Err = err
		e.releaseClaim(ctx, task.ID, stepName)
		return outcome
	}

	result, handlerErr := e.invokeHandler(ctx, task, step, stepTpl, env)

	now := time.Now().UTC()
	if handlerErr != nil {
		return e.recordFailure(ctx, task, step, handlerErr, now, outcome)
	}
	return e.recordSuccess(ctx, task, step, stepTpl, result, now, outcome)
}

// invokeHandler resolves the step's handler binding and runs it under the
// per-step timeout.
func (e *Executor) invokeHandler(ctx context.Context, task *store.Task, step *store.WorkflowStep, stepTpl *schema.StepTemplate, env map[string]any) (json.RawMessage, error) {
	h, err := e.registry.Get(step.Handler)
	if err != nil {
		return nil, err
	}

	timeout := e.tun.StepTimeout
	if stepTpl != nil && stepTpl.Timeout != "" {
		if d, parseErr := time.ParseDuration(stepTpl.Timeout); parseErr == nil && d > 0 {
			timeout = d
		}
	}

	var params map[string]any
	if stepTpl != nil {
		params = stepTpl.Params
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return h.Process(stepCtx, handler.Invocation{
		Task:     task,
		Step:     step,
		Sequence: step.Attempts + 1,
		Params:   params,
		Context:  env,
	})
}

// buildEnv assembles the expression/handler environment: the task context
// plus completed step results keyed by step name.
func (e *Executor) buildEnv(ctx context.Context, task *store.Task) (map[string]any, error) {
	steps, err := e.store.ListSteps(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	taskCtx := map[string]any{}
	if len(task.Context) > 0 {
		if err := json.Unmarshal(task.Context, &taskCtx); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "task context is not a JSON object").WithCause(err)
		}
	}

	results := map[string]any{}
	for _, s := range steps {
		if s.Status != schema.StepStatusComplete || len(s.Results) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(s.Results, &v); err == nil {
			results[s.Name] = v
		}
	}

	return map[string]any{
		"context": taskCtx,
		"steps":   results,
		"task": map[string]any{
			"id":        task.ID,
			"name":      task.Name,
			"namespace": task.Namespace,
		},
	}, nil
}

func (e *Executor) skipStep(ctx context.Context, task *store.Task, step *store.WorkflowStep, outcome StepOutcome) StepOutcome {
	if !e.stepFSM.SafeTransition(ctx, task.ID, step.Name, step.Status, schema.StepStatusInProgress) ||
		!e.stepFSM.SafeTransition(ctx, task.ID, step.Name, schema.StepStatusInProgress, schema.StepStatusComplete) {
		e.releaseClaim(ctx, task.ID, step.Name)
		return outcome
	}

	complete := schema.StepStatusComplete
	processed := true
	inProcess := false
	if err := e.store.UpdateStep(ctx, task.ID, step.Name, store.StepUpdate{
		Status:    &complete,
		Processed: &processed,
		InProcess: &inProcess,
		Results:   json.RawMessage(`{"skipped":true}`),
	}); err != nil {
		outcome.Err = err
		return outcome
	}

	outcome.Status = schema.StepStatusComplete
	outcome.Skipped = true
	e.publish(ctx, task.ID, step.Name, schema.EventStepSkipped, nil)
	return outcome
}

func (e *Executor) recordSuccess(ctx context.Context, task *store.Task, step *store.WorkflowStep, stepTpl *schema.StepTemplate, result json.RawMessage, now time.Time, outcome StepOutcome) StepOutcome {
	if stepTpl != nil && stepTpl.ResultPath != "" && e.evaluator != nil && len(result) > 0 {
		extracted, err := e.evaluator.ExtractPath(ctx, stepTpl.ResultPath, result)
		if err != nil {
			e.logger.WarnContext(ctx, "result_path extraction failed, storing raw result",
				"task_id", task.ID, "step", step.Name, "error", err)
		} else {
			result = extracted
		}
	}

	// The transition log is appended before the materialized columns so
	// replaying it always agrees with what the columns say. If the append
	// fails the step stays in_progress and claimed; restart repair
	// releases it.
	if !e.stepFSM.SafeTransition(ctx, task.ID, step.Name, schema.StepStatusInProgress, schema.StepStatusComplete) {
		e.logger.ErrorContext(ctx, "step completion transition not recorded",
			"task_id", task.ID, "step", step.Name)
		outcome.Err = schema.NewErrorf(schema.ErrCodeStore,
			"recording completion of step %s failed", step.Name)
		return outcome
	}

	complete := schema.StepStatusComplete
	processed := true
	inProcess := false
	attempts := step.Attempts + 1
	update := store.StepUpdate{
		Status:          &complete,
		Processed:       &processed,
		InProcess:       &inProcess,
		Attempts:        &attempts,
		LastAttemptedAt: &now,
		Results:         result,
	}
	if err := e.store.UpdateStep(ctx, task.ID, step.Name, update); err != nil {
		outcome.Err = err
		return outcome
	}

	outcome.Status = schema.StepStatusComplete
	return outcome
}

// recordFailure clears the claim, increments attempts and applies the
// failure classification: a non-retryable error pins retryable=false, a
// rate-limit hint lands in backoff_request_seconds.
func (e *Executor) recordFailure(ctx context.Context, task *store.Task, step *store.WorkflowStep, handlerErr error, now time.Time, outcome StepOutcome) StepOutcome {
	errStatus := schema.StepStatusError
	inProcess := false
	attempts := step.Attempts + 1
	update := store.StepUpdate{
		Status:          &errStatus,
		InProcess:       &inProcess,
		Attempts:        &attempts,
		LastAttemptedAt: &now,
		LastError:       marshalError(handlerErr),
	}

	if !IsRetryableError(handlerErr) {
		retryable := false
		update.Retryable = &retryable
	}
	if hint := RetryAfterHint(handlerErr); hint > 0 {
		update.BackoffRequestSeconds = &hint
	}

	if !e.stepFSM.SafeTransition(ctx, task.ID, step.Name, schema.StepStatusInProgress, schema.StepStatusError) {
		e.logger.ErrorContext(ctx, "step failure transition not recorded",
			"task_id", task.ID, "step", step.Name, "handler_error", handlerErr)
		outcome.Err = schema.NewErrorf(schema.ErrCodeStore,
			"recording failure of step %s failed", step.Name)
		return outcome
	}

	if err := e.store.UpdateStep(ctx, task.ID, step.Name, update); err != nil {
		outcome.Err = err
		return outcome
	}

	outcome.Status = schema.StepStatusError
	outcome.Err = handlerErr

	e.logger.WarnContext(ctx, "step failed",
		"task_id", task.ID, "step", step.Name, "attempts", attempts, "error", handlerErr)
	return outcome
}

// releaseClaim clears in_process after a claim that did not lead to a
// handler invocation.
func (e *Executor) releaseClaim(ctx context.Context, taskID, stepName string) {
	inProcess := false
	if err := e.store.UpdateStep(ctx, taskID, stepName, store.StepUpdate{InProcess: &inProcess}); err != nil {
		e.logger.ErrorContext(ctx, "release step claim failed",
			"task_id", taskID, "step", stepName, "error", err)
	}
}

func (e *Executor) publish(ctx context.Context, taskID, stepName, eventType string, payload map[string]any) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(ctx, events.LifecycleEvent{
		TaskID:    taskID,
		StepName:  stepName,
		EventType: eventType,
		Payload:   payload,
	})
}

func marshalError(err error) json.RawMessage {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		if data, mErr := json.Marshal(engErr); mErr == nil {
			return data
		}
	}
	data, mErr := json.Marshal(map[string]string{"message": err.Error()})
	if mErr != nil {
		return json.RawMessage(`{"message":"unknown error"}`)
	}
	return data
}
