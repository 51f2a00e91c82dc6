package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroker_EnqueueDequeue(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()
	ctx := context.Background()

	job := &Job{ID: "job-1", Type: JobTypeEvaluation, Queue: "evaluation", TaskID: "task-1"}
	require.NoError(t, broker.Enqueue(ctx, job))

	pending, err := broker.Pending(ctx, "evaluation")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	got, err := broker.Dequeue(ctx, "evaluation")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)
}

func TestMemoryBroker_DequeueRespectsContext(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := broker.Dequeue(ctx, "empty")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBroker_DelayedJobBecomesAvailable(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()
	ctx := context.Background()

	job := &Job{ID: "job-1", Type: JobTypeEvaluation, Queue: "evaluation"}
	require.NoError(t, broker.EnqueueDelayed(ctx, job, 50*time.Millisecond))

	pending, err := broker.Pending(ctx, "evaluation")
	require.NoError(t, err)
	assert.Equal(t, 0, pending, "delayed job must not be available immediately")

	dequeueCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := broker.Dequeue(dequeueCtx, "evaluation")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)
}

func newTestRedisBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	broker := NewRedisBroker(rdb, zerolog.Nop())
	t.Cleanup(func() { _ = broker.Close() })

	return broker, mr
}

func TestRedisBroker_EnqueueDequeueRoundTrip(t *testing.T) {
	broker, _ := newTestRedisBroker(t)
	ctx := context.Background()

	job := &Job{
		ID:         "job-1",
		Type:       JobTypeEvaluation,
		Queue:      "evaluation",
		TaskID:     "task-1",
		MaxRetries: 10,
		Payload:    map[string]any{"factor_id": "momentum_20d"},
	}
	require.NoError(t, broker.Enqueue(ctx, job))

	pending, err := broker.Pending(ctx, "evaluation")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	got, err := broker.Dequeue(ctx, "evaluation")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, JobTypeEvaluation, got.Type)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, 10, got.MaxRetries)
	assert.Equal(t, "momentum_20d", got.Payload["factor_id"])
}

func TestRedisBroker_DelayedJobIsPromoted(t *testing.T) {
	broker, _ := newTestRedisBroker(t)
	ctx := context.Background()

	job := &Job{ID: "job-1", Type: JobTypeEvaluation, Queue: "evaluation"}
	require.NoError(t, broker.EnqueueDelayed(ctx, job, 100*time.Millisecond))

	pending, err := broker.Pending(ctx, "evaluation")
	require.NoError(t, err)
	assert.Equal(t, 0, pending, "delayed job must not be ready before its delay")

	// The pump promotes due jobs on its next tick.
	dequeueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	got, err := broker.Dequeue(dequeueCtx, "evaluation")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)
}

func TestRedisBroker_DequeueRespectsContext(t *testing.T) {
	broker, _ := newTestRedisBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := broker.Dequeue(ctx, "empty")
	assert.Error(t, err)
}
