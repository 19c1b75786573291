package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/gantry-io/gantry/pkg/schema"
)

// DefaultPoolSize is the connection pool size when none is configured.
const DefaultPoolSize = 10

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db       *sql.DB
	poolSize int
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db". poolSize caps
// the connection pool; concurrent step execution sizes itself against it.
func NewLibSQLStore(dbPath string, poolSize int) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	db.SetMaxOpenConns(poolSize)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, poolSize: poolSize}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. transition log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// PoolStats reports connection pool pressure for concurrency sizing.
func (s *LibSQLStore) PoolStats() (size, inUse int) {
	return s.poolSize, s.db.Stats().InUse
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Tasks ---

func (s *LibSQLStore) CreateTask(ctx context.Context, task *Task, steps []*WorkflowStep, edges []StepEdge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, name, namespace, version, context, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Name, nullStr(task.Namespace), nullStr(task.Version),
		nullRaw(task.Context), string(task.Status),
		timeOrNow(task.CreatedAt), timeOrNow(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	for _, step := range steps {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_steps (task_id, name, handler, status, attempts, retry_limit, retryable, in_process, processed, backoff_request_seconds, last_attempted_at, results, last_error, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, step.Name, step.Handler, string(step.Status),
			step.Attempts, step.RetryLimit, boolInt(step.Retryable),
			boolInt(step.InProcess), boolInt(step.Processed),
			step.BackoffRequestSeconds, nullTime(step.LastAttemptedAt),
			nullRaw(step.Results), nullRaw(step.LastError),
			timeOrNow(step.CreatedAt), timeOrNow(step.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", step.Name, err)
		}
	}

	for _, edge := range edges {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO step_edges (task_id, parent, child) VALUES (?, ?, ?)`,
			task.ID, edge.Parent, edge.Child,
		)
		if err != nil {
			return fmt.Errorf("insert edge %s->%s: %w", edge.Parent, edge.Child, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t := &Task{}
	var namespace, version sql.NullString
	var taskCtx sql.NullString
	var completedAt sql.NullTime
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, namespace, version, context, status, created_at, updated_at, completed_at
		 FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &namespace, &version, &taskCtx, &status, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	t.Namespace = namespace.String
	t.Version = version.String
	t.Context = rawOrNil(taskCtx)
	t.Status = schema.TaskStatus(status)
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func (s *LibSQLStore) SetTaskStatus(ctx context.Context, id string, update TaskStatusUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(update.Status), nullTime(update.CompletedAt), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, filter.Namespace)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, name, namespace, version, context, status, created_at, updated_at, completed_at FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t := &Task{}
		var namespace, version, taskCtx sql.NullString
		var completedAt sql.NullTime
		var status string
		if err := rows.Scan(&t.ID, &t.Name, &namespace, &version, &taskCtx, &status, &t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
			return nil, err
		}
		t.Namespace = namespace.String
		t.Version = version.String
		t.Context = rawOrNil(taskCtx)
		t.Status = schema.TaskStatus(status)
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Steps ---

const stepColumns = `task_id, name, handler, status, attempts, retry_limit, retryable, in_process, processed, backoff_request_seconds, last_attempted_at, results, last_error, created_at, updated_at`

func scanStep(scanner interface{ Scan(...any) error }) (*WorkflowStep, error) {
	ws := &WorkflowStep{}
	var status string
	var retryable, inProcess, processed int
	var lastAttempted sql.NullTime
	var results, lastError sql.NullString
	err := scanner.Scan(&ws.TaskID, &ws.Name, &ws.Handler, &status,
		&ws.Attempts, &ws.RetryLimit, &retryable, &inProcess, &processed,
		&ws.BackoffRequestSeconds, &lastAttempted, &results, &lastError,
		&ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ws.Status = schema.StepStatus(status)
	ws.Retryable = retryable != 0
	ws.InProcess = inProcess != 0
	ws.Processed = processed != 0
	if lastAttempted.Valid {
		ws.LastAttemptedAt = &lastAttempted.Time
	}
	ws.Results = rawOrNil(results)
	ws.LastError = rawOrNil(lastError)
	return ws, nil
}

func (s *LibSQLStore) GetStep(ctx context.Context, taskID, name string) (*WorkflowStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE task_id = ? AND name = ?`, taskID, name)
	ws, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step", taskID+"/"+name)
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (s *LibSQLStore) ListSteps(ctx context.Context, taskID string) ([]*WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE task_id = ? ORDER BY name`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*WorkflowStep
	for rows.Next() {
		ws, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, ws)
	}
	return steps, rows.Err()
}

func (s *LibSQLStore) ListEdges(ctx context.Context, taskID string) ([]StepEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, parent, child FROM step_edges WHERE task_id = ? ORDER BY parent, child`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []StepEdge
	for rows.Next() {
		var e StepEdge
		if err := rows.Scan(&e.TaskID, &e.Parent, &e.Child); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *LibSQLStore) UpdateStep(ctx context.Context, taskID, name string, update StepUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	if update.Retryable != nil {
		sets = append(sets, "retryable = ?")
		args = append(args, boolInt(*update.Retryable))
	}
	if update.InProcess != nil {
		sets = append(sets, "in_process = ?")
		args = append(args, boolInt(*update.InProcess))
	}
	if update.Processed != nil {
		sets = append(sets, "processed = ?")
		args = append(args, boolInt(*update.Processed))
	}
	if update.BackoffRequestSeconds != nil {
		sets = append(sets, "backoff_request_seconds = ?")
		args = append(args, *update.BackoffRequestSeconds)
	}
	if update.LastAttemptedAt != nil {
		sets = append(sets, "last_attempted_at = ?")
		args = append(args, *update.LastAttemptedAt)
	}
	if update.Results != nil {
		sets = append(sets, "results = ?")
		args = append(args, string(update.Results))
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, string(update.LastError))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, taskID, name)

	query := fmt.Sprintf("UPDATE workflow_steps SET %s WHERE task_id = ? AND name = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step", taskID+"/"+name)
}

// ClaimStep atomically flips in_process from false to true. The WHERE
// clause makes the claim conditional, so exactly one concurrent pass wins.
func (s *LibSQLStore) ClaimStep(ctx context.Context, taskID, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_steps SET in_process = 1, updated_at = CURRENT_TIMESTAMP
		 WHERE task_id = ? AND name = ? AND in_process = 0 AND processed = 0`,
		taskID, name,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Transition log ---

func (s *LibSQLStore) AppendTransition(ctx context.Context, t *Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction, so a concurrent
	// writer could interleave between the sequence read and the insert.
	// Execute a write-intent statement to force immediate lock acquisition.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	// Next sequence for this entity (task_id, step_name).
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM transitions WHERE task_id = ? AND step_name = ?`,
		t.TaskID, t.StepName,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	t.Sequence = seq

	ts := timeOrNow(t.Timestamp)
	t.Timestamp = ts

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transitions (task_id, step_name, from_status, to_status, sequence, metadata, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.StepName, t.From, t.To, seq, nullRaw(t.Metadata), ts,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListTransitions(ctx context.Context, taskID string, filter TransitionFilter) ([]*Transition, error) {
	where := []string{"task_id = ?"}
	args := []any{taskID}

	if filter.StepName != nil {
		where = append(where, "step_name = ?")
		args = append(args, *filter.StepName)
	}
	if filter.Since > 0 {
		where = append(where, "sequence > ?")
		args = append(args, filter.Since)
	}

	query := `SELECT id, task_id, step_name, from_status, to_status, sequence, metadata, timestamp
		 FROM transitions WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []*Transition
	for rows.Next() {
		t := &Transition{}
		var metadata sql.NullString
		if err := rows.Scan(&t.ID, &t.TaskID, &t.StepName, &t.From, &t.To, &t.Sequence, &metadata, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Metadata = rawOrNil(metadata)
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// --- Templates ---

func (s *LibSQLStore) StoreTemplate(ctx context.Context, tpl *StoredTemplate) error {
	def, err := json.Marshal(tpl.Definition)
	if err != nil {
		return fmt.Errorf("marshal template definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_templates (name, namespace, version, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name, namespace, version) DO UPDATE SET
		   definition=excluded.definition, updated_at=CURRENT_TIMESTAMP`,
		tpl.Name, tpl.Namespace, tpl.Version, string(def),
		timeOrNow(tpl.CreatedAt), timeOrNow(tpl.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, name, version string) (*StoredTemplate, error) {
	query := `SELECT name, namespace, version, definition, created_at, updated_at
		 FROM task_templates WHERE name = ?`
	args := []any{name}
	if version != "" {
		query += ` AND version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY version DESC LIMIT 1`

	t := &StoredTemplate{}
	var defJSON string
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&t.Name, &t.Namespace, &t.Version, &defJSON, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", name+":"+version)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &t.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal template definition: %w", err)
	}
	return t, nil
}

func (s *LibSQLStore) ListTemplates(ctx context.Context) ([]*StoredTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, namespace, version, definition, created_at, updated_at
		 FROM task_templates ORDER BY namespace, name, version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*StoredTemplate
	for rows.Next() {
		t := &StoredTemplate{}
		var defJSON string
		if err := rows.Scan(&t.Name, &t.Namespace, &t.Version, &defJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defJSON), &t.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal template definition: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// --- Scheduled tasks ---

func (s *LibSQLStore) CreateScheduledTask(ctx context.Context, st *ScheduledTask) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (id, template_name, template_version, cron_expression, context, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.TemplateName, nullStr(st.TemplateVersion), st.CronExpression,
		nullRaw(st.Context), boolInt(st.Enabled),
		nullTime(st.LastRunAt), nullTime(st.NextRunAt), nullStr(st.LastRunStatus),
		timeOrNow(st.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledTask(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, template_name, template_version, cron_expression, context, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_tasks WHERE id = ?`, id)
	st, err := scanScheduledTask(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_task", id)
	}
	return st, err
}

func (s *LibSQLStore) UpdateScheduledTask(ctx context.Context, id string, update ScheduledTaskUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_tasks SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_task", id)
}

func (s *LibSQLStore) ListScheduledTasks(ctx context.Context, filter ScheduledTaskFilter) ([]*ScheduledTask, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}

	query := `SELECT id, template_name, template_version, cron_expression, context, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scheduled []*ScheduledTask
	for rows.Next() {
		st, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		scheduled = append(scheduled, st)
	}
	return scheduled, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_task", id)
}

func scanScheduledTask(scanner interface{ Scan(...any) error }) (*ScheduledTask, error) {
	st := &ScheduledTask{}
	var version, status, stCtx sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := scanner.Scan(&st.ID, &st.TemplateName, &version, &st.CronExpression,
		&stCtx, &enabled, &lastRun, &nextRun, &status, &st.CreatedAt)
	if err != nil {
		return nil, err
	}
	st.TemplateVersion = version.String
	st.Context = rawOrNil(stCtx)
	st.Enabled = enabled != 0
	st.LastRunStatus = status.String
	if lastRun.Valid {
		st.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		st.NextRunAt = &nextRun.Time
	}
	return st, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
