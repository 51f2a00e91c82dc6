package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/factorhub/factorhub/internal/events"
	"github.com/factorhub/factorhub/internal/tasks"
)

// Pool runs workers that drain per-type queues and execute registered
// handlers. It owns the task record transitions for the attempts it executes:
// pending -> running at attempt start, then completed/failed/cancelled, or
// back to pending when the handler asks for a retry.
type Pool struct {
	broker  Broker
	records *tasks.Repository
	bus     *events.Bus
	log     zerolog.Logger

	mu       sync.Mutex
	handlers map[JobType]Handler
	configs  map[JobType]TypeConfig
	started  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool on top of a broker and task record store
func NewPool(broker Broker, records *tasks.Repository, bus *events.Bus, log zerolog.Logger) *Pool {
	return &Pool{
		broker:   broker,
		records:  records,
		bus:      bus,
		log:      log.With().Str("component", "worker_pool").Logger(),
		handlers: make(map[JobType]Handler),
		configs:  make(map[JobType]TypeConfig),
	}
}

// Register binds a handler and execution settings to a job type.
// Must be called before Start.
func (p *Pool) Register(jobType JobType, cfg TypeConfig, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cfg.Queue == "" {
		cfg.Queue = string(jobType)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	p.handlers[jobType] = handler
	p.configs[jobType] = cfg

	p.log.Info().
		Str("job_type", string(jobType)).
		Str("queue", cfg.Queue).
		Int("workers", cfg.Workers).
		Dur("soft_timeout", cfg.SoftTimeout).
		Dur("hard_timeout", cfg.HardTimeout).
		Msg("Job type registered")
}

// Submit creates the durable task record for a new job and enqueues it
func (p *Pool) Submit(ctx context.Context, job *Job, subject, owner string) error {
	p.mu.Lock()
	cfg, ok := p.configs[job.Type]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}

	job.Queue = cfg.Queue
	if job.MaxRetries <= 0 {
		job.MaxRetries = DefaultMaxRetries
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	record := &tasks.Task{
		ID:      job.TaskID,
		Type:    taskTypeFor(job.Type),
		Subject: subject,
		Owner:   owner,
	}
	if err := p.records.Create(record); err != nil {
		return fmt.Errorf("failed to create task record for job %s: %w", job.ID, err)
	}

	if err := p.broker.Enqueue(ctx, job); err != nil {
		// The record exists but the job never made it onto the queue; fail it
		// so the requester sees the outcome instead of a forever-pending task.
		if markErr := p.records.MarkFailed(job.TaskID, "failed to enqueue: "+err.Error()); markErr != nil {
			p.log.Error().Err(markErr).Str("task_id", job.TaskID).Msg("Failed to record enqueue failure")
		}
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	p.publish(events.TaskEnqueued, job, nil)
	return nil
}

// Start launches the configured workers. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		p.log.Warn().Msg("Worker pool already started, ignoring")
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)

	for jobType, cfg := range p.configs {
		handler := p.handlers[jobType]
		for i := 0; i < cfg.Workers; i++ {
			p.wg.Add(1)
			go func(jobType JobType, cfg TypeConfig, handler Handler, worker int) {
				defer p.wg.Done()
				p.workerLoop(ctx, jobType, cfg, handler, worker)
			}(jobType, cfg, handler, i)
		}
	}

	p.log.Info().Msg("Worker pool started")
}

// Stop cancels all workers and waits for in-flight attempts to settle
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.log.Info().Msg("Worker pool stopped")
}

func (p *Pool) workerLoop(ctx context.Context, jobType JobType, cfg TypeConfig, handler Handler, worker int) {
	log := p.log.With().
		Str("job_type", string(jobType)).
		Int("worker", worker).
		Logger()

	for {
		job, err := p.broker.Dequeue(ctx, cfg.Queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Dequeue failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		p.runAttempt(ctx, job, cfg, handler, log)
	}
}

func (p *Pool) runAttempt(ctx context.Context, job *Job, cfg TypeConfig, handler Handler, log zerolog.Logger) {
	attempt := job.Retries + 1
	log = log.With().
		Str("job_id", job.ID).
		Str("task_id", job.TaskID).
		Int("attempt", attempt).
		Logger()

	if err := p.records.MarkRunning(job.TaskID); err != nil {
		log.Error().Err(err).Msg("Failed to mark task running")
	}
	p.publish(events.TaskStarted, job, map[string]any{"attempt": attempt})

	outcome := p.execute(ctx, job, cfg, handler)

	switch {
	case outcome.hardTimeout:
		reason := fmt.Sprintf("hard timeout exceeded after %s", cfg.HardTimeout)
		log.Error().Dur("hard_timeout", cfg.HardTimeout).Msg("Attempt abandoned past hard timeout")
		p.finalize(job, tasks.StatusFailed, reason, log)

	case outcome.res.Retry:
		p.handleRetry(ctx, job, outcome.res, log)

	case outcome.err != nil && ctx.Err() != nil:
		// Pool shutdown interrupted the attempt; this is not the task's fault.
		log.Warn().Msg("Attempt interrupted by shutdown")
		p.finalize(job, tasks.StatusCancelled, "", log)

	case outcome.err != nil:
		log.Error().Err(outcome.err).Msg("Attempt failed")
		p.finalize(job, tasks.StatusFailed, outcome.err.Error(), log)

	default:
		log.Info().Msg("Attempt completed")
		p.finalize(job, tasks.StatusCompleted, "", log)
	}
}

type attemptOutcome struct {
	res         Result
	err         error
	hardTimeout bool
}

// execute runs one handler attempt under the soft/hard timeout pair. The soft
// timeout cancels the attempt's context so the handler can exit gracefully;
// the hard timeout stops waiting for a handler that ignored the cancellation.
// An abandoned goroutine cannot be killed, which is exactly the case the
// admission lease expiry and the stuck-task monitor exist to catch.
func (p *Pool) execute(ctx context.Context, job *Job, cfg TypeConfig, handler Handler) attemptOutcome {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if cfg.SoftTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, cfg.SoftTimeout)
	}
	defer cancel()

	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptOutcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := handler(attemptCtx, job)
		done <- attemptOutcome{res: res, err: err}
	}()

	if cfg.HardTimeout <= 0 {
		return <-done
	}

	hardTimer := time.NewTimer(cfg.HardTimeout)
	defer hardTimer.Stop()

	select {
	case out := <-done:
		return out
	case <-hardTimer.C:
		return attemptOutcome{hardTimeout: true}
	}
}

func (p *Pool) handleRetry(ctx context.Context, job *Job, res Result, log zerolog.Logger) {
	if job.Retries+1 >= job.MaxRetries {
		reason := fmt.Sprintf("%s and retries exhausted", res.Reason)
		log.Error().
			Int("max_retries", job.MaxRetries).
			Str("reason", res.Reason).
			Msg("Retries exhausted")
		p.finalize(job, tasks.StatusFailed, reason, log)
		return
	}

	retried := *job
	retried.Retries = job.Retries + 1

	if err := p.records.MarkPending(job.TaskID); err != nil {
		log.Error().Err(err).Msg("Failed to return task to pending")
	}
	if err := p.records.SetRetries(job.TaskID, retried.Retries); err != nil {
		log.Error().Err(err).Msg("Failed to record retry count")
	}

	if err := p.broker.EnqueueDelayed(ctx, &retried, res.Delay); err != nil {
		// The retry never made it back onto the queue; surface the failure
		// rather than leaving the record pending forever.
		log.Error().Err(err).Msg("Failed to re-enqueue retry")
		p.finalize(job, tasks.StatusFailed, "failed to re-enqueue retry: "+err.Error(), log)
		return
	}

	log.Info().
		Dur("delay", res.Delay).
		Int("retries", retried.Retries).
		Str("reason", res.Reason).
		Msg("Attempt deferred")
	p.publish(events.TaskRetried, job, map[string]any{
		"retries": retried.Retries,
		"delay":   res.Delay.String(),
		"reason":  res.Reason,
	})
}

func (p *Pool) finalize(job *Job, status tasks.Status, reason string, log zerolog.Logger) {
	var err error
	switch status {
	case tasks.StatusCompleted:
		err = p.records.MarkCompleted(job.TaskID)
		p.publish(events.TaskCompleted, job, nil)
	case tasks.StatusCancelled:
		err = p.records.MarkCancelled(job.TaskID)
	default:
		err = p.records.MarkFailed(job.TaskID, reason)
		p.publish(events.TaskFailed, job, map[string]any{"reason": reason})
	}
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("Failed to finalize task record")
	}
}

func (p *Pool) publish(eventType events.EventType, job *Job, data map[string]any) {
	if p.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["job_type"] = string(job.Type)
	p.bus.Publish(eventType, "queue", job.TaskID, data)
}

func taskTypeFor(jobType JobType) tasks.Type {
	switch jobType {
	case JobTypeEvaluation:
		return tasks.TypeEvaluation
	case JobTypeMetricsSync:
		return tasks.TypeMetricsSync
	default:
		return tasks.TypeOther
	}
}
