package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker used by tests and single-node
// deployments. Delayed jobs are promoted by per-job timers.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan *Job
	timers []*time.Timer
	closed bool
}

// NewMemoryBroker creates an in-memory broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]chan *Job),
	}
}

const memoryQueueCapacity = 1024

func (b *MemoryBroker) queue(name string) chan *Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		q = make(chan *Job, memoryQueueCapacity)
		b.queues[name] = q
	}
	return q
}

// Enqueue makes the job available immediately
func (b *MemoryBroker) Enqueue(ctx context.Context, job *Job) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker is closed")
	}
	b.mu.Unlock()

	select {
	case b.queue(job.Queue) <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("queue %s is full", job.Queue)
	}
}

// EnqueueDelayed makes the job available after the given delay
func (b *MemoryBroker) EnqueueDelayed(ctx context.Context, job *Job, delay time.Duration) error {
	if delay <= 0 {
		return b.Enqueue(ctx, job)
	}

	job.AvailableAt = time.Now().UTC().Add(delay)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker is closed")
	}

	t := time.AfterFunc(delay, func() {
		// Queue full or broker closed means the job is dropped; the
		// stuck-task monitor surfaces the record left behind.
		_ = b.Enqueue(context.Background(), job)
	})
	b.timers = append(b.timers, t)

	return nil
}

// Dequeue blocks until a job is available or ctx is done
func (b *MemoryBroker) Dequeue(ctx context.Context, queue string) (*Job, error) {
	select {
	case job := <-b.queue(queue):
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of immediately-available jobs
func (b *MemoryBroker) Pending(_ context.Context, queue string) (int, error) {
	return len(b.queue(queue)), nil
}

// Close stops pending delayed-job timers
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	return nil
}
