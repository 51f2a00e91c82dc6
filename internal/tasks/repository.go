package tasks

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// taskColumns is the list of columns for the tasks table
// Used to avoid SELECT * which can break when schema changes
const taskColumns = `id, type, status, subject, owner, created_at, started_at, completed_at, retries, last_error`

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	subject      TEXT NOT NULL DEFAULT '',
	owner        TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	started_at   TEXT,
	completed_at TEXT,
	retries      INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_completed_at ON tasks(completed_at);
`

const timeFormat = time.RFC3339Nano

// Repository handles task record database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new task repository and ensures the schema exists
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize tasks schema: %w", err)
	}

	return &Repository{
		db:  db,
		log: log.With().Str("repo", "tasks").Logger(),
	}, nil
}

// Create inserts a new pending task record
func (r *Repository) Create(task *Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = StatusPending
	}

	_, err := r.db.Exec(
		`INSERT INTO tasks (id, type, status, subject, owner, created_at, retries, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Type), string(task.Status), task.Subject, task.Owner,
		task.CreatedAt.Format(timeFormat), task.Retries, task.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", task.ID, err)
	}
	return nil
}

// Get returns a task record by id, or nil if not found
func (r *Repository) Get(id string) (*Task, error) {
	rows, err := r.db.Query("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query task %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil // Task not found
	}

	task, err := scanTask(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan task %s: %w", id, err)
	}
	return task, nil
}

// MarkRunning transitions a task to running and stamps its start time
func (r *Repository) MarkRunning(id string) error {
	now := time.Now().UTC().Format(timeFormat)
	_, err := r.db.Exec(
		`UPDATE tasks SET status = ?, started_at = ? WHERE id = ?`,
		string(StatusRunning), now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task %s running: %w", id, err)
	}
	return nil
}

// MarkPending returns a task to pending, clearing its start time. Used when a
// task-attempt re-enqueues itself to wait for capacity: a task sitting in its
// backoff window is not running and must not look stuck.
func (r *Repository) MarkPending(id string) error {
	_, err := r.db.Exec(
		`UPDATE tasks SET status = ?, started_at = NULL WHERE id = ?`,
		string(StatusPending), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task %s pending: %w", id, err)
	}
	return nil
}

// MarkCompleted transitions a task to completed and stamps its completion time
func (r *Repository) MarkCompleted(id string) error {
	return r.finalize(id, StatusCompleted, "")
}

// MarkFailed transitions a task to failed with a human-readable reason
func (r *Repository) MarkFailed(id string, reason string) error {
	return r.finalize(id, StatusFailed, reason)
}

// MarkCancelled transitions a task to cancelled
func (r *Repository) MarkCancelled(id string) error {
	return r.finalize(id, StatusCancelled, "")
}

func (r *Repository) finalize(id string, status Status, lastError string) error {
	now := time.Now().UTC().Format(timeFormat)
	_, err := r.db.Exec(
		`UPDATE tasks SET status = ?, completed_at = ?, last_error = ? WHERE id = ?`,
		string(status), now, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task %s %s: %w", id, status, err)
	}
	return nil
}

// SetRetries records the retry count of a task
func (r *Repository) SetRetries(id string, retries int) error {
	_, err := r.db.Exec(`UPDATE tasks SET retries = ? WHERE id = ?`, retries, id)
	if err != nil {
		return fmt.Errorf("failed to set retries for task %s: %w", id, err)
	}
	return nil
}

// QueryByStatus returns all tasks with the given status, oldest first
func (r *Repository) QueryByStatus(status Status) ([]Task, error) {
	rows, err := r.db.Query(
		"SELECT "+taskColumns+" FROM tasks WHERE status = ? ORDER BY created_at ASC",
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by status %s: %w", status, err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// QueryByTimeWindow returns all tasks created inside [since, until)
func (r *Repository) QueryByTimeWindow(since, until time.Time) ([]Task, error) {
	rows, err := r.db.Query(
		"SELECT "+taskColumns+" FROM tasks WHERE created_at >= ? AND created_at < ? ORDER BY created_at ASC",
		since.UTC().Format(timeFormat), until.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by time window: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// QueryFailedSince returns tasks that transitioned to failed at or after the
// given time, most recent first
func (r *Repository) QueryFailedSince(since time.Time) ([]Task, error) {
	rows, err := r.db.Query(
		"SELECT "+taskColumns+` FROM tasks
		 WHERE status = ? AND completed_at >= ?
		 ORDER BY completed_at DESC`,
		string(StatusFailed), since.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent failures: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// CountByOutcome returns the total and failed task counts for records created
// at or after the given time
func (r *Repository) CountByOutcome(since time.Time) (total int, failed int, err error) {
	row := r.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		 FROM tasks WHERE created_at >= ?`,
		string(StatusFailed), since.UTC().Format(timeFormat),
	)
	if err := row.Scan(&total, &failed); err != nil {
		return 0, 0, fmt.Errorf("failed to count tasks by outcome: %w", err)
	}
	return total, failed, nil
}

// Recent returns the most recently created tasks, up to limit
func (r *Repository) Recent(limit int) ([]Task, error) {
	rows, err := r.db.Query(
		"SELECT "+taskColumns+" FROM tasks ORDER BY created_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

func scanTask(rows *sql.Rows) (*Task, error) {
	var task Task
	var taskType, status string
	var createdAt string
	var startedAt, completedAt sql.NullString

	if err := rows.Scan(
		&task.ID, &taskType, &status, &task.Subject, &task.Owner,
		&createdAt, &startedAt, &completedAt, &task.Retries, &task.LastError,
	); err != nil {
		return nil, err
	}

	task.Type = Type(taskType)
	task.Status = Status(status)

	created, err := time.Parse(timeFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	task.CreatedAt = created

	if startedAt.Valid && startedAt.String != "" {
		t, err := time.Parse(timeFormat, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("invalid started_at %q: %w", startedAt.String, err)
		}
		task.StartedAt = &t
	}
	if completedAt.Valid && completedAt.String != "" {
		t, err := time.Parse(timeFormat, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("invalid completed_at %q: %w", completedAt.String, err)
		}
		task.CompletedAt = &t
	}

	return &task, nil
}
