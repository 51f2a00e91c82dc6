// Package tasks provides durable task records for asynchronous jobs.
// Records are created when a job is first dispatched, updated by the worker
// executing them, and force-failed by the stuck-task monitor when a staleness
// threshold is exceeded. Records are never deleted here; retention is an
// external concern.
package tasks

import "time"

// Type identifies the kind of asynchronous job a record tracks.
type Type string

const (
	TypeEvaluation  Type = "evaluation"
	TypeMetricsSync Type = "metrics_sync"
	TypeOther       Type = "other"
)

// Status is the lifecycle state of a task record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task is one asynchronous job instance.
type Task struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	Status      Status     `json:"status"`
	Subject     string     `json:"subject"` // what the job operates on, e.g. a factor identifier
	Owner       string     `json:"owner"`   // requesting user, used to group monitor alerts
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Retries     int        `json:"retries"`
	LastError   string     `json:"last_error,omitempty"`
}

// Elapsed returns how long the task has been running. Zero if it never started.
func (t *Task) Elapsed(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return now.Sub(*t.StartedAt)
}

// Terminal reports whether the task has reached a final status.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed || t.Status == StatusCancelled
}
