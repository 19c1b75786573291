package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gantry-io/gantry/internal/store"
)

const cronTickInterval = 60 * time.Second

// TaskSubmitter materializes a task from a stored template. Satisfied by
// the engine service.
type TaskSubmitter interface {
	SubmitTask(ctx context.Context, templateName, version string, taskCtx json.RawMessage) (*store.Task, error)
}

// CronScheduler submits tasks from cron-scheduled entries in the store.
// It polls once a minute rather than keeping per-entry timers: the store
// is the source of truth, so entries added or disabled by another surface
// take effect on the next tick without coordination.
type CronScheduler struct {
	store     store.Store
	submitter TaskSubmitter
	parser    cron.Parser
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
}

// NewCronScheduler creates a CronScheduler.
func NewCronScheduler(st store.Store, submitter TaskSubmitter, logger *slog.Logger) *CronScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronScheduler{
		store:     st,
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

// Start begins the tick loop. The first tick runs immediately so entries
// due while the process was down are not delayed a full interval.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("cron scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.started = true
	s.mu.Unlock()

	go s.loop(ctx)
	return nil
}

func (s *CronScheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)
	ticker := time.NewTicker(cronTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled entry that is due. Entries without a computed
// NextRunAt are treated as due so a freshly created entry fires on the
// first tick after creation.
func (s *CronScheduler) tick(ctx context.Context) {
	enabled := true
	entries, err := s.store.ListScheduledTasks(ctx, store.ScheduledTaskFilter{Enabled: &enabled})
	if err != nil {
		s.logger.ErrorContext(ctx, "listing scheduled tasks failed", "error", err)
		return
	}

	now := time.Now()
	for _, entry := range entries {
		if entry.NextRunAt != nil && entry.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(entry.ID) {
			continue
		}
		go func(entry *store.ScheduledTask) {
			defer s.release(entry.ID)
			s.runEntry(ctx, entry, now)
		}(entry)
	}
}

func (s *CronScheduler) runEntry(ctx context.Context, entry *store.ScheduledTask, now time.Time) {
	status := "submitted"
	task, err := s.submitter.SubmitTask(ctx, entry.TemplateName, entry.TemplateVersion, entry.Context)
	if err != nil {
		status = "error"
		s.logger.ErrorContext(ctx, "scheduled submission failed",
			"scheduled_task_id", entry.ID,
			"template", entry.TemplateName,
			"error", err)
	} else {
		s.logger.InfoContext(ctx, "scheduled task submitted",
			"scheduled_task_id", entry.ID,
			"template", entry.TemplateName,
			"task_id", task.ID)
	}

	update := store.ScheduledTaskUpdate{
		LastRunAt:     &now,
		LastRunStatus: status,
	}
	if next, nerr := s.CalculateNextRun(entry.CronExpression, now); nerr == nil {
		update.NextRunAt = &next
	} else {
		s.logger.ErrorContext(ctx, "invalid cron expression",
			"scheduled_task_id", entry.ID,
			"cron", entry.CronExpression,
			"error", nerr)
	}
	if uerr := s.store.UpdateScheduledTask(ctx, entry.ID, update); uerr != nil {
		s.logger.ErrorContext(ctx, "updating scheduled task failed",
			"scheduled_task_id", entry.ID, "error", uerr)
	}
}

// CalculateNextRun returns the first fire time of the cron expression
// strictly after the given instant.
func (s *CronScheduler) CalculateNextRun(expression string, after time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing cron expression %q: %w", expression, err)
	}
	return sched.Next(after), nil
}

func (s *CronScheduler) tryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *CronScheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

// Stop halts the tick loop and waits for it to exit. In-flight entry
// submissions finish on their own goroutines.
func (s *CronScheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	return nil
}
