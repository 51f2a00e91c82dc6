// Package queue provides the shared task queue and the worker pool that
// drains it. Jobs are routed onto dedicated per-type queues so expensive
// evaluation work can be isolated onto its own workers, and a handler can
// reschedule its own attempt through the queue's native retry path instead of
// blocking a worker slot while it waits.
package queue

import (
	"context"
	"time"
)

// JobType identifies which handler a job is routed to
type JobType string

const (
	JobTypeEvaluation  JobType = "evaluation"
	JobTypeMetricsSync JobType = "metrics_sync"
)

// DefaultMaxRetries is the retry ceiling applied when a job does not set one.
const DefaultMaxRetries = 10

// Job represents a queued task-attempt
type Job struct {
	ID          string         `msgpack:"id"`
	Type        JobType        `msgpack:"type"`
	Queue       string         `msgpack:"queue"`
	TaskID      string         `msgpack:"task_id"` // durable task record this job executes
	Payload     map[string]any `msgpack:"payload"`
	Retries     int            `msgpack:"retries"`
	MaxRetries  int            `msgpack:"max_retries"`
	CreatedAt   time.Time      `msgpack:"created_at"`
	AvailableAt time.Time      `msgpack:"available_at"`
}

// Result is a handler's verdict on its own attempt. The zero value means the
// attempt finished (successfully when the handler returned no error).
//
// Retry asks the queue to re-enqueue the same job after Delay, counted
// against the job's MaxRetries. Admission denial is reported this way rather
// than as an error: "not enough capacity" is a deferral, not a failure, until
// retries run out.
type Result struct {
	Retry  bool
	Delay  time.Duration
	Reason string // short human-readable reason, used when retries run out
}

// Done is the Result for a finished attempt.
func Done() Result { return Result{} }

// RetryAfter builds a Result that defers the job for another attempt.
func RetryAfter(delay time.Duration, reason string) Result {
	return Result{Retry: true, Delay: delay, Reason: reason}
}

// Handler executes one attempt of a job.
type Handler func(ctx context.Context, job *Job) (Result, error)

// TypeConfig holds per-task-type execution settings.
type TypeConfig struct {
	// Queue is the dedicated queue name for this type, so its jobs can be
	// drained by dedicated workers.
	Queue string

	// Workers is the number of concurrent workers draining this type's queue.
	Workers int

	// SoftTimeout cancels the attempt's context, giving the handler a chance
	// to log, clean up, and return.
	SoftTimeout time.Duration

	// HardTimeout is the point where the worker stops waiting for a handler
	// that ignored its soft cancellation and records the attempt as failed.
	HardTimeout time.Duration
}

// Broker moves jobs between producers and workers.
type Broker interface {
	// Enqueue makes the job available immediately.
	Enqueue(ctx context.Context, job *Job) error

	// EnqueueDelayed makes the job available after the given delay.
	EnqueueDelayed(ctx context.Context, job *Job, delay time.Duration) error

	// Dequeue blocks until a job is available on the named queue or the
	// context is done. It returns ctx.Err() on cancellation.
	Dequeue(ctx context.Context, queue string) (*Job, error)

	// Pending returns the number of immediately-available jobs on a queue.
	Pending(ctx context.Context, queue string) (int, error)

	Close() error
}
