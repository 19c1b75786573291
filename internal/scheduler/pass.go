package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gantry-io/gantry/internal/engine"
	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/pkg/schema"
)

// PassRunner is the interface the scheduler uses to drive processing
// passes. Satisfied by the coordinator (avoids import cycle).
type PassRunner interface {
	ProcessPass(ctx context.Context, taskID string) (*engine.PassResult, error)
}

// PassScheduler dispatches delayed processing passes with in-process
// timers. It satisfies the engine's PassScheduler interface; durability
// comes from the store, not the timers: pending tasks lost to a restart
// are picked up by RecoverPending.
type PassScheduler struct {
	runner PassRunner
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	pending map[string]*pendingPass
	wg      sync.WaitGroup
	started bool
}

type pendingPass struct {
	timer *time.Timer
	dueAt time.Time
}

// NewPassScheduler creates a PassScheduler.
func NewPassScheduler(runner PassRunner, logger *slog.Logger) *PassScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PassScheduler{
		runner:  runner,
		logger:  logger,
		pending: make(map[string]*pendingPass),
	}
}

// Start binds the scheduler's dispatch lifetime to ctx.
func (s *PassScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("pass scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	return nil
}

// Schedule arranges a processing pass for the task after the given delay.
// A task with a pass already pending keeps the earlier of the two due
// times; scheduling is idempotent per task.
func (s *PassScheduler) Schedule(_ context.Context, taskID string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	dueAt := time.Now().Add(delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return fmt.Errorf("pass scheduler not started")
	}

	if p, ok := s.pending[taskID]; ok {
		if !dueAt.Before(p.dueAt) {
			return nil
		}
		p.timer.Stop()
	}

	s.pending[taskID] = &pendingPass{
		dueAt: dueAt,
		timer: time.AfterFunc(delay, func() { s.fire(taskID) }),
	}
	return nil
}

// fire runs one pass for the task on the scheduler's own context.
func (s *PassScheduler) fire(taskID string) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	delete(s.pending, taskID)
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("processing pass panicked",
				"task_id", taskID, "panic", fmt.Sprint(r))
		}
	}()

	if ctx.Err() != nil {
		return
	}
	if _, err := s.runner.ProcessPass(ctx, taskID); err != nil {
		// The pass reenqueues itself on recoverable states; a failed pass
		// is retried when the reenqueuer schedules the next one.
		s.logger.ErrorContext(ctx, "processing pass failed",
			"task_id", taskID, "error", err)
	}
}

// PendingCount reports the number of tasks with a pass scheduled.
func (s *PassScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RecoverPending schedules an immediate pass for every non-terminal task
// in the store. Called once at startup to resume work lost to a restart.
// Steps still claimed by the dead process are released first: a claimed
// step is invisible to discovery and would otherwise stall its task
// forever.
func (s *PassScheduler) RecoverPending(ctx context.Context, st store.Store) (int, error) {
	recovered := 0
	for _, status := range []schema.TaskStatus{schema.TaskStatusPending, schema.TaskStatusInProgress} {
		status := status
		tasks, err := st.ListTasks(ctx, store.TaskFilter{Status: &status})
		if err != nil {
			return recovered, err
		}
		for _, task := range tasks {
			if err := s.releaseInterruptedSteps(ctx, st, task.ID); err != nil {
				return recovered, err
			}
			if err := s.Schedule(ctx, task.ID, 0); err != nil {
				return recovered, err
			}
			recovered++
		}
	}
	if recovered > 0 {
		s.logger.InfoContext(ctx, "recovered unfinished tasks", "count", recovered)
	}
	return recovered, nil
}

// releaseInterruptedSteps repairs steps a dead process left behind. A
// claimed pending step is simply unclaimed; a step caught mid-handler is
// marked error without consuming an attempt, so the next pass retries it.
// The repair is recorded in the transition log like any other failure, so
// replaying the log still agrees with the materialized columns.
func (s *PassScheduler) releaseInterruptedSteps(ctx context.Context, st store.Store, taskID string) error {
	steps, err := st.ListSteps(ctx, taskID)
	if err != nil {
		return err
	}
	tlog := store.NewTransitionLog(st)
	unclaimed := false
	for _, step := range steps {
		switch {
		case step.Status == schema.StepStatusInProgress:
			if err := tlog.Record(ctx, taskID, step.Name,
				string(schema.StepStatusInProgress), string(schema.StepStatusError),
				map[string]string{"reason": "interrupted by restart"}); err != nil {
				return err
			}
			errStatus := schema.StepStatusError
			if err := st.UpdateStep(ctx, taskID, step.Name, store.StepUpdate{
				Status:    &errStatus,
				InProcess: &unclaimed,
				LastError: []byte(`{"message":"interrupted by restart"}`),
			}); err != nil {
				return err
			}
			s.logger.InfoContext(ctx, "released interrupted step",
				"task_id", taskID, "step", step.Name)
		case step.InProcess && !step.Processed:
			if err := st.UpdateStep(ctx, taskID, step.Name, store.StepUpdate{
				InProcess: &unclaimed,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop cancels pending timers and waits for in-flight passes.
func (s *PassScheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	return nil
}

var _ engine.PassScheduler = (*PassScheduler)(nil)
