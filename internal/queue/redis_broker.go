package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// promoteScript moves due delayed jobs onto the ready list in one atomic step,
// so two pump goroutines can never double-promote the same job.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for i, payload in ipairs(due) do
	redis.call("LPUSH", KEYS[2], payload)
	redis.call("ZREM", KEYS[1], payload)
end
return #due
`)

// promoteInterval is how often delayed jobs are checked for promotion.
const promoteInterval = time.Second

// RedisBroker is a Broker backed by shared Redis lists, usable by worker
// processes on separate machines. Ready jobs live on a list per queue name;
// delayed jobs wait in a sorted set scored by their availability time and are
// promoted by a background pump. Payloads are msgpack-encoded.
type RedisBroker struct {
	rdb redis.UniversalClient
	log zerolog.Logger

	mu     sync.Mutex
	queues map[string]struct{}

	stop    chan struct{}
	stopped chan struct{}
}

// NewRedisBroker creates a Redis-backed broker and starts its delayed-job pump
func NewRedisBroker(rdb redis.UniversalClient, log zerolog.Logger) *RedisBroker {
	b := &RedisBroker{
		rdb:     rdb,
		log:     log.With().Str("component", "redis_broker").Logger(),
		queues:  make(map[string]struct{}),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	go b.pump()

	return b
}

func readyKey(queue string) string   { return "queue:" + queue + ":ready" }
func delayedKey(queue string) string { return "queue:" + queue + ":delayed" }

func (b *RedisBroker) track(queue string) {
	b.mu.Lock()
	b.queues[queue] = struct{}{}
	b.mu.Unlock()
}

// Enqueue makes the job available immediately
func (b *RedisBroker) Enqueue(ctx context.Context, job *Job) error {
	b.track(job.Queue)

	payload, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	if err := b.rdb.LPush(ctx, readyKey(job.Queue), payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s on %s: %w", job.ID, job.Queue, err)
	}
	return nil
}

// EnqueueDelayed makes the job available after the given delay
func (b *RedisBroker) EnqueueDelayed(ctx context.Context, job *Job, delay time.Duration) error {
	if delay <= 0 {
		return b.Enqueue(ctx, job)
	}

	b.track(job.Queue)
	job.AvailableAt = time.Now().UTC().Add(delay)

	payload, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	member := redis.Z{
		Score:  float64(job.AvailableAt.UnixMilli()),
		Member: payload,
	}
	if err := b.rdb.ZAdd(ctx, delayedKey(job.Queue), member).Err(); err != nil {
		return fmt.Errorf("failed to delay job %s on %s: %w", job.ID, job.Queue, err)
	}
	return nil
}

// Dequeue blocks until a job is available or ctx is done
func (b *RedisBroker) Dequeue(ctx context.Context, queue string) (*Job, error) {
	b.track(queue)

	for {
		res, err := b.rdb.BRPop(ctx, time.Second, readyKey(queue)).Result()
		if err == redis.Nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to dequeue from %s: %w", queue, err)
		}

		var job Job
		if err := msgpack.Unmarshal([]byte(res[1]), &job); err != nil {
			// A corrupted payload is dropped, not retried forever.
			b.log.Error().Err(err).Str("queue", queue).Msg("Discarding undecodable job payload")
			continue
		}
		return &job, nil
	}
}

// Pending returns the number of immediately-available jobs
func (b *RedisBroker) Pending(ctx context.Context, queue string) (int, error) {
	n, err := b.rdb.LLen(ctx, readyKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth for %s: %w", queue, err)
	}
	return int(n), nil
}

// Close stops the delayed-job pump
func (b *RedisBroker) Close() error {
	close(b.stop)
	<-b.stopped
	return nil
}

// pump promotes due delayed jobs onto their ready lists
func (b *RedisBroker) pump() {
	defer close(b.stopped)

	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.promoteDue()
		}
	}
}

func (b *RedisBroker) promoteDue() {
	b.mu.Lock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC().UnixMilli()
	for _, name := range names {
		keys := []string{delayedKey(name), readyKey(name)}
		promoted, err := promoteScript.Run(ctx, b.rdb, keys, now).Int()
		if err != nil {
			b.log.Error().Err(err).Str("queue", name).Msg("Failed to promote delayed jobs")
			continue
		}
		if promoted > 0 {
			b.log.Debug().Str("queue", name).Int("promoted", promoted).Msg("Promoted delayed jobs")
		}
	}
}
