// Package evaluation implements factor evaluation: computing predictive-power
// and risk-adjusted-return scores for generated factors, and the task handlers
// that gate this expensive work behind the distributed admission limiter.
package evaluation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// tradingDaysPerYear is used to annualize the Sharpe ratio.
const tradingDaysPerYear = 252

// minObservations is the smallest pooled sample for which a correlation-based
// score is considered meaningful.
const minObservations = 20

// ComputationError is a failure inside the evaluation computation. Permanent
// errors (unknown factor, no data in the window) must not be retried;
// transient ones (data source hiccups) may be retried with backoff.
type ComputationError struct {
	Permanent bool
	Reason    string
	Err       error
}

func (e *ComputationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ComputationError) Unwrap() error { return e.Err }

func permanentErr(format string, args ...any) *ComputationError {
	return &ComputationError{Permanent: true, Reason: fmt.Sprintf(format, args...)}
}

func transientErr(reason string, err error) *ComputationError {
	return &ComputationError{Reason: reason, Err: err}
}

// Scores is the outcome of evaluating one factor over one universe and window.
type Scores struct {
	FactorID           string
	PredictiveScore    float64 // pooled correlation of exposures vs forward returns
	RiskAdjustedReturn float64 // annualized Sharpe of the factor long/short portfolio
	Symbols            int
	Observations       int
	Elapsed            time.Duration
}

// SeriesSource provides daily closing prices per symbol. Implementations may
// hit a database or a market data service; source failures are treated as
// transient.
type SeriesSource interface {
	Closes(ctx context.Context, symbol string, start, end time.Time) ([]float64, error)
}

// Evaluator computes factor scores from price series.
type Evaluator struct {
	source SeriesSource
}

// NewEvaluator creates an evaluator over a price series source
func NewEvaluator(source SeriesSource) *Evaluator {
	return &Evaluator{source: source}
}

// Compute evaluates the factor identified by factorID over the given universe
// and date window. Factor identifiers follow "<kind>_<window>d", e.g.
// "momentum_20d", "rsi_14d", "smagap_50d".
func (e *Evaluator) Compute(ctx context.Context, factorID string, universe []string, start, end time.Time) (*Scores, error) {
	began := time.Now()

	kind, window, err := parseFactorID(factorID)
	if err != nil {
		return nil, err
	}
	if len(universe) == 0 {
		return nil, permanentErr("factor %s: empty universe", factorID)
	}
	if !end.After(start) {
		return nil, permanentErr("factor %s: window end %s not after start %s", factorID, end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	var exposures, forward []float64
	var longShort [][2]float64 // per-observation (exposure, forward return) pairs kept for the portfolio
	symbolsUsed := 0

	for _, symbol := range universe {
		if ctx.Err() != nil {
			return nil, transientErr("evaluation cancelled", ctx.Err())
		}

		closes, err := e.source.Closes(ctx, symbol, start, end)
		if err != nil {
			return nil, transientErr(fmt.Sprintf("failed to load closes for %s", symbol), err)
		}
		// The factor needs a full lookback window plus one forward return.
		if len(closes) < window+2 {
			continue
		}

		exp := factorExposures(kind, closes, window)
		for i := window; i < len(closes)-1; i++ {
			if math.IsNaN(exp[i]) {
				continue
			}
			fwd := closes[i+1]/closes[i] - 1
			exposures = append(exposures, exp[i])
			forward = append(forward, fwd)
			longShort = append(longShort, [2]float64{exp[i], fwd})
		}
		symbolsUsed++
	}

	if len(exposures) < minObservations {
		return nil, permanentErr("factor %s: only %d observations in window, need %d", factorID, len(exposures), minObservations)
	}

	ic := stat.Correlation(exposures, forward, nil)
	if math.IsNaN(ic) {
		return nil, permanentErr("factor %s: degenerate exposure series", factorID)
	}

	return &Scores{
		FactorID:           factorID,
		PredictiveScore:    ic,
		RiskAdjustedReturn: longShortSharpe(longShort),
		Symbols:            symbolsUsed,
		Observations:       len(exposures),
		Elapsed:            time.Since(began),
	}, nil
}

// factorExposures computes the exposure series for a factor kind. The first
// `window` entries are NaN (insufficient lookback).
func factorExposures(kind string, closes []float64, window int) []float64 {
	switch kind {
	case "momentum":
		out := talib.Roc(closes, window)
		markWarmupNaN(out, window)
		return out
	case "rsi":
		out := talib.Rsi(closes, window)
		// Center on zero so higher exposure means more overbought.
		for i := window; i < len(out); i++ {
			out[i] -= 50
		}
		markWarmupNaN(out, window)
		return out
	case "smagap":
		sma := talib.Sma(closes, window)
		out := make([]float64, len(closes))
		for i := range closes {
			if i < window || sma[i] == 0 {
				out[i] = math.NaN()
				continue
			}
			out[i] = closes[i]/sma[i] - 1
		}
		return out
	default:
		// parseFactorID rejects unknown kinds before we get here.
		out := make([]float64, len(closes))
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
}

// markWarmupNaN blanks the warmup region talib fills with zeros.
func markWarmupNaN(series []float64, window int) {
	for i := 0; i < window && i < len(series); i++ {
		series[i] = math.NaN()
	}
}

// longShortSharpe computes the annualized Sharpe ratio of an equal-weight
// portfolio that is long above-median exposures and short below-median ones.
func longShortSharpe(pairs [][2]float64) float64 {
	if len(pairs) == 0 {
		return 0
	}

	exps := make([]float64, len(pairs))
	for i, p := range pairs {
		exps[i] = p[0]
	}
	median := quickMedian(exps)

	var returns []float64
	for _, p := range pairs {
		if p[0] >= median {
			returns = append(returns, p[1])
		} else {
			returns = append(returns, -p[1])
		}
	}

	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(tradingDaysPerYear)
}

// quickMedian returns the midpoint median: for even-sized samples it averages
// the two middle values, so a bimodal exposure sample like {+1, -1} splits at
// zero instead of collapsing onto the lower mass point.
func quickMedian(values []float64) float64 {
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// parseFactorID splits "<kind>_<window>d" into its parts.
func parseFactorID(factorID string) (kind string, window int, err error) {
	idx := strings.LastIndex(factorID, "_")
	if idx <= 0 || !strings.HasSuffix(factorID, "d") {
		return "", 0, permanentErr("unknown factor identifier %q", factorID)
	}

	kind = factorID[:idx]
	switch kind {
	case "momentum", "rsi", "smagap":
	default:
		return "", 0, permanentErr("unknown factor kind %q", kind)
	}

	window, convErr := strconv.Atoi(strings.TrimSuffix(factorID[idx+1:], "d"))
	if convErr != nil || window <= 0 {
		return "", 0, permanentErr("invalid factor window in %q", factorID)
	}
	return kind, window, nil
}
