package evaluation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/factorhub/factorhub/internal/config"
	"github.com/factorhub/factorhub/internal/queue"
)

// computeAttemptsKey tracks transient-computation retries in the job payload,
// separately from the queue's own retry counter.
const computeAttemptsKey = "compute_attempts"

// Limiter is the slice of the admission controller the dispatcher needs.
type Limiter interface {
	WithSlot(ctx context.Context, name string, maxConcurrent int, holderID string, lease time.Duration, body func(context.Context) error) (bool, error)
	CurrentCount(ctx context.Context, name string) int
}

// Computer runs the factor evaluation computation.
type Computer interface {
	Compute(ctx context.Context, factorID string, universe []string, start, end time.Time) (*Scores, error)
}

// Enqueuer submits follow-up jobs. Satisfied by *queue.Pool.
type Enqueuer interface {
	Submit(ctx context.Context, job *queue.Job, subject, owner string) error
}

// Dispatcher gates evaluation work behind the admission limiter, converts
// denials into deferred re-attempts, and chains a metrics-sync task after
// each successful evaluation.
type Dispatcher struct {
	limiter Limiter
	compute Computer
	results *ResultRepository
	enqueue Enqueuer
	cfg     config.AdmissionConfig
	log     zerolog.Logger
}

// NewDispatcher creates an evaluation dispatcher
func NewDispatcher(limiter Limiter, compute Computer, results *ResultRepository, enqueue Enqueuer, cfg config.AdmissionConfig, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		limiter: limiter,
		compute: compute,
		results: results,
		enqueue: enqueue,
		cfg:     cfg,
		log:     log.With().Str("component", "eval_dispatcher").Logger(),
	}
}

// HandleEvaluation executes one evaluation task-attempt. It acquires an
// admission slot (or defers itself through the queue when denied), runs the
// computation under scoped-release discipline, stores scores, and chains the
// metrics-sync follow-up on success.
func (d *Dispatcher) HandleEvaluation(ctx context.Context, job *queue.Job) (queue.Result, error) {
	factorID := payloadString(job.Payload, "factor_id")
	if factorID == "" {
		return queue.Result{}, fmt.Errorf("evaluation job %s has no factor_id", job.ID)
	}

	universe := payloadStringSlice(job.Payload, "universe")
	start, end, err := payloadWindow(job.Payload)
	if err != nil {
		return queue.Result{}, err
	}
	owner := payloadString(job.Payload, "owner")

	// Unique per attempt: a retried attempt must never reuse a lease that a
	// crashed predecessor may still hold.
	holderID := job.TaskID + "-" + uuid.NewString()[:8]

	log := d.log.With().
		Str("task_id", job.TaskID).
		Str("factor_id", factorID).
		Str("holder_id", holderID).
		Int("attempt", job.Retries+1).
		Logger()

	var scores *Scores
	acquired, err := d.limiter.WithSlot(ctx, d.cfg.LimiterName, d.cfg.MaxConcurrent, holderID, d.cfg.LeaseDuration,
		func(ctx context.Context) error {
			computed, err := d.compute.Compute(ctx, factorID, universe, start, end)
			if err != nil {
				return err
			}
			scores = computed
			return nil
		})

	if !acquired {
		log.Info().
			Int("current_count", d.limiter.CurrentCount(ctx, d.cfg.LimiterName)).
			Dur("retry_delay", d.cfg.RetryDelay).
			Msg("Admission denied, deferring attempt")
		return queue.RetryAfter(d.cfg.RetryDelay, "concurrency limit reached"), nil
	}

	if err != nil {
		return d.handleComputeError(job, err, log)
	}

	if err := d.results.SaveScores(job.TaskID, scores); err != nil {
		return queue.Result{}, err
	}

	log.Info().
		Float64("predictive_score", scores.PredictiveScore).
		Float64("risk_adjusted_return", scores.RiskAdjustedReturn).
		Int("observations", scores.Observations).
		Dur("elapsed", scores.Elapsed).
		Msg("Factor evaluated")

	d.chainMetricsSync(ctx, factorID, owner, log)

	return queue.Done(), nil
}

// handleComputeError maps computation failures onto the retry policy:
// transient errors back off exponentially up to a small cap, permanent ones
// fail immediately.
func (d *Dispatcher) handleComputeError(job *queue.Job, err error, log zerolog.Logger) (queue.Result, error) {
	var compErr *ComputationError
	if errors.As(err, &compErr) && !compErr.Permanent {
		attempts := payloadInt(job.Payload, computeAttemptsKey)
		if attempts < d.cfg.ComputeRetries {
			if job.Payload == nil {
				job.Payload = map[string]any{}
			}
			job.Payload[computeAttemptsKey] = attempts + 1
			delay := d.cfg.ComputeBackoff * time.Duration(1<<attempts)
			log.Warn().
				Err(err).
				Int("compute_attempts", attempts+1).
				Dur("backoff", delay).
				Msg("Transient computation error, backing off")
			return queue.RetryAfter(delay, "transient computation error"), nil
		}
		log.Error().Err(err).Int("compute_attempts", attempts).Msg("Transient computation retries exhausted")
		return queue.Result{}, fmt.Errorf("computation failed after %d attempts: %w", attempts+1, err)
	}

	log.Error().Err(err).Msg("Permanent computation error")
	return queue.Result{}, err
}

// chainMetricsSync enqueues the metrics-sync follow-up for a factor. This is
// best-effort propagation of derived state: the evaluation already succeeded
// on its own merits, so an enqueue failure is logged and swallowed. The
// follow-up can be re-triggered manually through the API.
func (d *Dispatcher) chainMetricsSync(ctx context.Context, factorID, owner string, log zerolog.Logger) {
	followUp := &queue.Job{
		ID:     uuid.NewString(),
		Type:   queue.JobTypeMetricsSync,
		TaskID: "msync-" + uuid.NewString()[:8],
		Payload: map[string]any{
			"factor_id": factorID,
			"owner":     owner,
		},
		MaxRetries: 3,
	}

	if err := d.enqueue.Submit(ctx, followUp, factorID, owner); err != nil {
		log.Error().
			Err(err).
			Str("factor_id", factorID).
			Msg("Failed to enqueue metrics-sync follow-up")
		return
	}

	log.Debug().
		Str("follow_up_task_id", followUp.TaskID).
		Msg("Metrics-sync follow-up enqueued")
}

// HandleMetricsSync recomputes a factor's aggregate metrics from its stored
// evaluations and upserts the summary row.
func (d *Dispatcher) HandleMetricsSync(ctx context.Context, job *queue.Job) (queue.Result, error) {
	factorID := payloadString(job.Payload, "factor_id")
	if factorID == "" {
		return queue.Result{}, fmt.Errorf("metrics-sync job %s has no factor_id", job.ID)
	}

	ics, sharpes, err := d.results.ScoresForFactor(factorID)
	if err != nil {
		return queue.Result{}, err
	}
	if len(ics) == 0 {
		d.log.Warn().Str("factor_id", factorID).Msg("No evaluations to aggregate")
		return queue.Done(), nil
	}

	meanIC, stdIC := stat.MeanStdDev(ics, nil)
	icir := 0.0
	if stdIC > 0 && !math.IsNaN(stdIC) {
		icir = meanIC / stdIC
	}

	best, worst := sharpes[0], sharpes[0]
	for _, s := range sharpes[1:] {
		best = math.Max(best, s)
		worst = math.Min(worst, s)
	}

	metrics := &FactorMetrics{
		FactorID:    factorID,
		Evaluations: len(ics),
		MeanIC:      meanIC,
		ICIR:        icir,
		BestSharpe:  best,
		WorstSharpe: worst,
	}
	if err := d.results.UpsertMetrics(metrics); err != nil {
		return queue.Result{}, err
	}

	d.log.Info().
		Str("factor_id", factorID).
		Int("evaluations", metrics.Evaluations).
		Float64("mean_ic", metrics.MeanIC).
		Msg("Factor metrics synced")

	return queue.Done(), nil
}

// Payload helpers. Payloads cross the Redis broker as msgpack maps, so
// numeric types arrive as assorted integer widths and slices as []any.

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

func payloadStringSlice(payload map[string]any, key string) []string {
	if payload == nil {
		return nil
	}
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func payloadInt(payload map[string]any, key string) int {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func payloadWindow(payload map[string]any) (start, end time.Time, err error) {
	startStr := payloadString(payload, "start")
	endStr := payloadString(payload, "end")
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("evaluation job missing start/end window")
	}

	start, err = time.Parse("2006-01-02", startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q: %w", startStr, err)
	}
	end, err = time.Parse("2006-01-02", endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %q: %w", endStr, err)
	}
	return start, end, nil
}
