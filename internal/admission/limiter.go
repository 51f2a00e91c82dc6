// Package admission provides a named, bounded, distributed semaphore backed
// by Redis. Worker processes on separate machines use it to agree on how many
// expensive jobs may run at once, without a central coordinator process.
//
// Each successful acquire establishes an expiring lease keyed to the holder,
// so a crashed or partitioned holder cannot consume a slot forever. The
// counter itself is only ever mutated through server-side Lua scripts, making
// the check-and-increment indivisible under concurrent callers.
package admission

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// acquireScript atomically checks the counter against the limit, and on
// success increments it and sets the holder's lease key with expiry. A missing
// counter key is treated as zero. Returns 1 on acquire, 0 on denial.
var acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then current = 0 end
if tonumber(current) < tonumber(ARGV[1]) then
	redis.call("INCR", KEYS[1])
	redis.call("SET", KEYS[2], ARGV[3], "PX", ARGV[2])
	return 1
end
return 0
`)

// releaseScript removes the holder's lease and decrements the counter, but
// only if the lease still existed. Releasing an already-released or expired
// holder is a no-op, and the counter never goes below zero.
var releaseScript = redis.NewScript(`
if redis.call("DEL", KEYS[2]) == 1 then
	local current = tonumber(redis.call("GET", KEYS[1]) or "0")
	if current > 0 then
		redis.call("DECR", KEYS[1])
	end
	return 1
end
return 0
`)

// Limiter is a distributed semaphore over a shared Redis instance.
// It is safe for concurrent use from any number of processes.
type Limiter struct {
	rdb redis.UniversalClient
	log zerolog.Logger
}

// New creates a limiter on top of an existing Redis client.
func New(rdb redis.UniversalClient, log zerolog.Logger) *Limiter {
	return &Limiter{
		rdb: rdb,
		log: log.With().Str("component", "admission").Logger(),
	}
}

func counterKey(name string) string { return name + ":counter" }

func leaseKey(name, holderID string) string { return name + ":lease:" + holderID }

// TryAcquire attempts to take one slot of the named limiter. It returns true
// and establishes a lease when the counter was below maxConcurrent at the
// moment of the atomic check, false otherwise.
//
// holderID must be unique per attempt; a collision means two attempts share
// one lease. lease must comfortably exceed the hard execution timeout of the
// work being gated, so a lease never expires under a legitimately running job.
//
// If Redis is unreachable the limiter fails open: it returns true and logs the
// condition. Losing admission control temporarily is preferable to halting
// all evaluation work because the coordination layer is down.
func (l *Limiter) TryAcquire(ctx context.Context, name string, maxConcurrent int, holderID string, lease time.Duration) bool {
	keys := []string{counterKey(name), leaseKey(name, holderID)}
	res, err := acquireScript.Run(ctx, l.rdb, keys,
		maxConcurrent, lease.Milliseconds(), time.Now().UTC().Format(time.RFC3339)).Int()
	if err != nil {
		l.log.Error().
			Err(err).
			Str("limiter", name).
			Str("holder_id", holderID).
			Msg("Admission store unreachable, failing open")
		return true
	}

	acquired := res == 1
	l.log.Debug().
		Str("limiter", name).
		Str("holder_id", holderID).
		Int("max_concurrent", maxConcurrent).
		Bool("acquired", acquired).
		Msg("Admission attempt")

	return acquired
}

// Release frees the slot held by holderID. It is idempotent: releasing a
// holder that never acquired, already released, or whose lease expired is a
// no-op. Errors are logged and never propagated, since failing to release
// should not fail an otherwise-successful task.
func (l *Limiter) Release(ctx context.Context, name, holderID string) {
	keys := []string{counterKey(name), leaseKey(name, holderID)}
	released, err := releaseScript.Run(ctx, l.rdb, keys).Int()
	if err != nil {
		l.log.Error().
			Err(err).
			Str("limiter", name).
			Str("holder_id", holderID).
			Msg("Failed to release admission slot")
		return
	}

	if released == 0 {
		l.log.Warn().
			Str("limiter", name).
			Str("holder_id", holderID).
			Msg("Release was a no-op, lease already gone")
	}
}

// CurrentCount returns a best-effort read of the limiter's counter. The value
// may be stale by the time the caller acts on it; it is for observability and
// backoff tuning only, never for correctness.
func (l *Limiter) CurrentCount(ctx context.Context, name string) int {
	count, err := l.rdb.Get(ctx, counterKey(name)).Int()
	if err != nil {
		if err != redis.Nil {
			l.log.Error().Err(err).Str("limiter", name).Msg("Failed to read counter")
		}
		return 0
	}
	return count
}

// Reset deletes the counter and every lease key for the named limiter. This
// is an administrative operation for recovering from counter drift after
// abnormal shutdowns; it must not run while holders are active.
func (l *Limiter) Reset(ctx context.Context, name string) error {
	iter := l.rdb.Scan(ctx, 0, name+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	if err := l.rdb.Del(ctx, keys...).Err(); err != nil {
		return err
	}

	l.log.Info().
		Str("limiter", name).
		Int("keys_deleted", len(keys)).
		Msg("Limiter reset")

	return nil
}

// WithSlot runs body under an admission slot. It returns (false, nil) without
// running body when admission is denied. When admission succeeds, body runs
// and the slot is released on every exit path, including error, panic, and
// context cancellation.
func (l *Limiter) WithSlot(ctx context.Context, name string, maxConcurrent int, holderID string, lease time.Duration, body func(context.Context) error) (bool, error) {
	if !l.TryAcquire(ctx, name, maxConcurrent, holderID, lease) {
		return false, nil
	}

	// Release must run even when ctx was cancelled mid-body.
	defer l.Release(context.WithoutCancel(ctx), name, holderID)

	return true, body(ctx)
}
