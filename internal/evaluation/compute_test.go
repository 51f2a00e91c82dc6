package evaluation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapSource serves canned price series and can be told to fail.
type mapSource struct {
	series map[string][]float64
	err    error
}

func (s *mapSource) Closes(_ context.Context, symbol string, _, _ time.Time) ([]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.series[symbol], nil
}

// trendingCloses builds a geometric price series with constant daily drift.
func trendingCloses(n int, drift float64) []float64 {
	out := make([]float64, n)
	price := 100.0
	for i := range out {
		out[i] = price
		price *= 1 + drift
	}
	return out
}

func evalWindow() (time.Time, time.Time) {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
}

func TestParseFactorID(t *testing.T) {
	tests := []struct {
		id      string
		kind    string
		window  int
		wantErr bool
	}{
		{"momentum_20d", "momentum", 20, false},
		{"rsi_14d", "rsi", 14, false},
		{"smagap_50d", "smagap", 50, false},
		{"momentum_0d", "", 0, true},
		{"momentum_20", "", 0, true},
		{"volatility_20d", "", 0, true},
		{"momentum", "", 0, true},
		{"", "", 0, true},
	}

	for _, tt := range tests {
		kind, window, err := parseFactorID(tt.id)
		if tt.wantErr {
			assert.Error(t, err, tt.id)
			continue
		}
		require.NoError(t, err, tt.id)
		assert.Equal(t, tt.kind, kind)
		assert.Equal(t, tt.window, window)
	}
}

func TestCompute_MomentumOnTrendingUniverse(t *testing.T) {
	// One symbol drifts up, one drifts down. Momentum exposure and forward
	// return share the sign of the drift, so the pooled correlation between
	// them is strongly positive.
	source := &mapSource{series: map[string][]float64{
		"UP": trendingCloses(40, 0.01),
		"DN": trendingCloses(40, -0.01),
	}}
	ev := NewEvaluator(source)

	start, end := evalWindow()
	scores, err := ev.Compute(context.Background(), "momentum_5d", []string{"UP", "DN"}, start, end)
	require.NoError(t, err)

	assert.Equal(t, "momentum_5d", scores.FactorID)
	assert.Equal(t, 2, scores.Symbols)
	assert.GreaterOrEqual(t, scores.Observations, minObservations)
	assert.Greater(t, scores.PredictiveScore, 0.9)
	assert.False(t, math.IsNaN(scores.RiskAdjustedReturn))
	assert.Greater(t, scores.RiskAdjustedReturn, 0.0)
}

func TestCompute_SkipsSymbolsWithShortHistory(t *testing.T) {
	source := &mapSource{series: map[string][]float64{
		"UP":    trendingCloses(40, 0.01),
		"DN":    trendingCloses(40, -0.01),
		"SHORT": trendingCloses(3, 0.01),
	}}
	ev := NewEvaluator(source)

	start, end := evalWindow()
	scores, err := ev.Compute(context.Background(), "momentum_5d", []string{"UP", "DN", "SHORT"}, start, end)
	require.NoError(t, err)
	assert.Equal(t, 2, scores.Symbols)
}

func TestCompute_PermanentErrors(t *testing.T) {
	source := &mapSource{series: map[string][]float64{
		"UP": trendingCloses(40, 0.01),
	}}
	ev := NewEvaluator(source)
	start, end := evalWindow()

	tests := []struct {
		name     string
		factorID string
		universe []string
		start    time.Time
		end      time.Time
	}{
		{"unknown factor kind", "volatility_20d", []string{"UP"}, start, end},
		{"empty universe", "momentum_5d", nil, start, end},
		{"inverted window", "momentum_5d", []string{"UP"}, end, start},
		{"too few observations", "momentum_30d", []string{"UP"}, start, end},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ev.Compute(context.Background(), tt.factorID, tt.universe, tt.start, tt.end)
			require.Error(t, err)

			var compErr *ComputationError
			require.ErrorAs(t, err, &compErr)
			assert.True(t, compErr.Permanent)
		})
	}
}

func TestCompute_SourceFailureIsTransient(t *testing.T) {
	source := &mapSource{err: fmt.Errorf("connection refused")}
	ev := NewEvaluator(source)

	start, end := evalWindow()
	_, err := ev.Compute(context.Background(), "momentum_5d", []string{"UP"}, start, end)
	require.Error(t, err)

	var compErr *ComputationError
	require.ErrorAs(t, err, &compErr)
	assert.False(t, compErr.Permanent)
}

func TestCompute_CancelledContextIsTransient(t *testing.T) {
	source := &mapSource{series: map[string][]float64{
		"UP": trendingCloses(40, 0.01),
	}}
	ev := NewEvaluator(source)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start, end := evalWindow()
	_, err := ev.Compute(ctx, "momentum_5d", []string{"UP"}, start, end)
	require.Error(t, err)

	var compErr *ComputationError
	require.ErrorAs(t, err, &compErr)
	assert.False(t, compErr.Permanent)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCompute_RsiAndSmagapKinds(t *testing.T) {
	// Noisy but trending series so RSI and SMA-gap exposures vary.
	up := trendingCloses(60, 0.01)
	dn := trendingCloses(60, -0.01)
	for i := range up {
		if i%2 == 0 {
			up[i] *= 1.005
			dn[i] *= 0.995
		}
	}
	source := &mapSource{series: map[string][]float64{"UP": up, "DN": dn}}
	ev := NewEvaluator(source)
	start, end := evalWindow()

	for _, factorID := range []string{"rsi_14d", "smagap_10d"} {
		scores, err := ev.Compute(context.Background(), factorID, []string{"UP", "DN"}, start, end)
		require.NoError(t, err, factorID)
		assert.False(t, math.IsNaN(scores.PredictiveScore), factorID)
		assert.GreaterOrEqual(t, scores.Observations, minObservations, factorID)
	}
}

func TestLongShortSharpe(t *testing.T) {
	// High exposure earns a positive return, low exposure a negative one, so
	// the long/short portfolio is profitable on both legs. Returns alternate
	// in size to give the series nonzero variance.
	var pairs [][2]float64
	for i := 0; i < 30; i++ {
		gain := 0.01
		if i%2 == 0 {
			gain = 0.02
		}
		pairs = append(pairs, [2]float64{1.0, gain})
		pairs = append(pairs, [2]float64{-1.0, -gain})
	}
	assert.Greater(t, longShortSharpe(pairs), 0.0)
	assert.Zero(t, longShortSharpe(nil))
}

func TestQuickMedian(t *testing.T) {
	// Even-sized samples take the midpoint of the two middle values. A
	// bimodal {+1, -1} sample must split at zero, otherwise the short leg
	// would classify as long and the portfolio nets to nothing.
	assert.InDelta(t, 0.0, quickMedian([]float64{1, -1, 1, -1}), 1e-9)
	assert.InDelta(t, 2.5, quickMedian([]float64{4, 1, 2, 3}), 1e-9)
	assert.InDelta(t, 2.0, quickMedian([]float64{3, 1, 2}), 1e-9)
	assert.InDelta(t, 7.0, quickMedian([]float64{7}), 1e-9)
}
