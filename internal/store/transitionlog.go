package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gantry-io/gantry/pkg/schema"
)

// TransitionLog provides replay and audit operations on top of the
// append-only transitions table.
type TransitionLog struct {
	store Store
}

// NewTransitionLog wraps a Store to provide transition-log operations.
func NewTransitionLog(s Store) *TransitionLog {
	return &TransitionLog{store: s}
}

// Record appends a transition entry. Metadata is marshaled from the given
// value; pass nil for no metadata.
func (tl *TransitionLog) Record(ctx context.Context, taskID, stepName, from, to string, metadata any) error {
	t := &Transition{
		TaskID:    taskID,
		StepName:  stepName,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
	}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal transition metadata: %w", err)
		}
		t.Metadata = raw
	}
	return tl.store.AppendTransition(ctx, t)
}

// ReplayedStep is a step's state reconstructed purely from its transitions.
type ReplayedStep struct {
	TaskID      string
	StepName    string
	Status      schema.StepStatus
	Attempts    int
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Replay reconstructs per-step statuses for a task from the transition log
// and returns the final task-level status alongside them. Returns an error
// if sequence gaps are detected for any entity.
func (tl *TransitionLog) Replay(ctx context.Context, taskID string) (schema.TaskStatus, map[string]*ReplayedStep, error) {
	transitions, err := tl.store.ListTransitions(ctx, taskID, TransitionFilter{})
	if err != nil {
		return "", nil, fmt.Errorf("list transitions for replay: %w", err)
	}

	// Validate per-entity sequence contiguity.
	expected := make(map[string]int64)
	for _, t := range transitions {
		expected[t.StepName]++
		if t.Sequence != expected[t.StepName] {
			return "", nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in task %s entity %q: expected %d, got %d",
				taskID, t.StepName, expected[t.StepName], t.Sequence)
		}
	}

	taskStatus := schema.TaskStatusPending
	steps := make(map[string]*ReplayedStep)

	for _, t := range transitions {
		if t.StepName == "" {
			taskStatus = schema.TaskStatus(t.To)
			continue
		}

		rs, ok := steps[t.StepName]
		if !ok {
			rs = &ReplayedStep{
				TaskID:   taskID,
				StepName: t.StepName,
				Status:   schema.StepStatusPending,
			}
			steps[t.StepName] = rs
		}

		rs.Status = schema.StepStatus(t.To)
		switch schema.StepStatus(t.To) {
		case schema.StepStatusInProgress:
			ts := t.Timestamp
			rs.StartedAt = &ts
			rs.Attempts++
		case schema.StepStatusComplete:
			ts := t.Timestamp
			rs.CompletedAt = &ts
		}
	}

	return taskStatus, steps, nil
}

// Verify cross-checks the replayed statuses against the materialized step
// rows and returns a list of discrepancies. An empty slice means the log
// and the materialized state agree.
func (tl *TransitionLog) Verify(ctx context.Context, taskID string) ([]string, error) {
	replayedTask, replayed, err := tl.Replay(ctx, taskID)
	if err != nil {
		return nil, err
	}

	task, err := tl.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	rows, err := tl.store.ListSteps(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var diffs []string
	if task.Status != replayedTask {
		diffs = append(diffs, fmt.Sprintf("task status: materialized=%s replayed=%s", task.Status, replayedTask))
	}
	for _, row := range rows {
		rs, ok := replayed[row.Name]
		if !ok {
			if row.Status != schema.StepStatusPending {
				diffs = append(diffs, fmt.Sprintf("step %s: materialized=%s but no transitions logged", row.Name, row.Status))
			}
			continue
		}
		if row.Status != rs.Status {
			diffs = append(diffs, fmt.Sprintf("step %s status: materialized=%s replayed=%s", row.Name, row.Status, rs.Status))
		}
	}
	return diffs, nil
}
