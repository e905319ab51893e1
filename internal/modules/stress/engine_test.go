package stress

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/ballastlab/ballast/internal/domain"
	"github.com/ballastlab/ballast/internal/modules/riskmetrics"
)

// alternatingSeries builds 20 periods where the listed amplitudes flip
// sign every period, so each column has a zero mean by construction.
func alternatingSeries(t *testing.T, amplitudes ...float64) *domain.ReturnSeries {
	t.Helper()
	periods := 20
	dates := make([]time.Time, periods)
	returns := mat.NewDense(periods, len(amplitudes), nil)
	for i := 0; i < periods; i++ {
		dates[i] = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
		sign := 1.0
		if i%2 == 1 {
			sign = -1.0
		}
		for j, amp := range amplitudes {
			returns.Set(i, j, sign*amp)
		}
	}
	names := []string{"AAA", "BBB", "CCC"}[:len(amplitudes)]
	series, err := domain.NewReturnSeries(names, dates, returns, make([]float64, periods))
	require.NoError(t, err)
	return series
}

func TestRun_MarketShockShiftsEveryPeriod(t *testing.T) {
	engine := NewEngine(Config{ConfidenceLevel: 0.9})
	series := alternatingSeries(t, 0.01, 0.002)
	scenario := Scenario{Name: "downturn", MarketShock: -0.01, VolatilityScale: 1}

	results, err := engine.Run(context.Background(), series, []float64{1, 0}, []Scenario{scenario})
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Portfolio path alternates 0 and -0.02, ten periods each.
	r := results[0]
	assert.Equal(t, "downturn", r.Scenario)
	assert.InDelta(t, math.Pow(0.98, 10)-1, r.PortfolioReturn, 1e-12)
	assert.InDelta(t, 1-math.Pow(0.98, 10), r.MaxDrawdown, 1e-12)
	assert.InDelta(t, 0.0102597835, r.DailyVolatility, 1e-9)
	assert.InDelta(t, r.DailyVolatility*math.Sqrt(252), r.AnnualizedVolatility, 1e-12)
	assert.InDelta(t, 0.02, r.ValueAtRisk, 1e-12)
	assert.InDelta(t, 0.02, r.ExpectedShortfall, 1e-12)
}

func TestRun_VolatilityScaleMultipliesDispersion(t *testing.T) {
	engine := NewEngine(Config{ConfidenceLevel: 0.9})
	series := alternatingSeries(t, 0.01)

	base, err := riskmetrics.SampleStdDev(series.AssetReturns(0))
	require.NoError(t, err)

	results, err := engine.Run(context.Background(), series, []float64{1}, []Scenario{
		{Name: "double vol", VolatilityScale: 2},
	})
	require.NoError(t, err)

	assert.InDelta(t, 2*base, results[0].DailyVolatility, 1e-12)
}

func TestRun_FullCorrelationCollapsesOpposedPair(t *testing.T) {
	engine := NewEngine(Config{ConfidenceLevel: 0.9})
	series := alternatingSeries(t, 0.01, -0.01)

	results, err := engine.Run(context.Background(), series, []float64{0.5, 0.5}, []Scenario{
		{Name: "contagion", VolatilityScale: 1, CorrelationShift: 1},
	})
	require.NoError(t, err)

	// Opposed movements cancel in the common factor, so both columns
	// flatten to their means and the portfolio path is exactly zero.
	r := results[0]
	assert.InDelta(t, 0.0, r.PortfolioReturn, 1e-12)
	assert.InDelta(t, 0.0, r.DailyVolatility, 1e-12)
	assert.InDelta(t, 0.0, r.MaxDrawdown, 1e-12)
	assert.InDelta(t, 0.0, r.ValueAtRisk, 1e-12)
	assert.InDelta(t, 0.0, r.ExpectedShortfall, 1e-12)
}

func TestRun_BlendLeavesComovingPairUnchanged(t *testing.T) {
	engine := NewEngine(Config{ConfidenceLevel: 0.9})
	series := alternatingSeries(t, 0.01, 0.02)
	weights := []float64{0.5, 0.5}

	blended, err := engine.Run(context.Background(), series, weights, []Scenario{
		{Name: "blend", VolatilityScale: 1, CorrelationShift: 0.7},
	})
	require.NoError(t, err)
	plain, err := engine.Run(context.Background(), series, weights, []Scenario{
		{Name: "plain", VolatilityScale: 1},
	})
	require.NoError(t, err)

	// The pair already moves in lockstep, so pulling it toward the
	// common path is a no-op.
	assert.InDelta(t, plain[0].PortfolioReturn, blended[0].PortfolioReturn, 1e-9)
	assert.InDelta(t, plain[0].DailyVolatility, blended[0].DailyVolatility, 1e-9)
	assert.InDelta(t, plain[0].ValueAtRisk, blended[0].ValueAtRisk, 1e-9)
	assert.InDelta(t, plain[0].MaxDrawdown, blended[0].MaxDrawdown, 1e-9)
}

func TestRun_ScenariosDoNotMutateBaseSeries(t *testing.T) {
	engine := NewEngine(Config{ConfidenceLevel: 0.9})
	series := alternatingSeries(t, 0.01, 0.02)
	weights := []float64{0.5, 0.5}

	before := make([][]float64, series.NumAssets())
	for j := range before {
		before[j] = series.AssetReturns(j)
	}

	_, err := engine.Run(context.Background(), series, weights, []Scenario{
		{Name: "crash", MarketShock: -0.10, VolatilityScale: 3, CorrelationShift: 0.9},
		{Name: "melt-up", MarketShock: 0.05, VolatilityScale: 0.5},
	})
	require.NoError(t, err)

	for j := range before {
		assert.Equal(t, before[j], series.AssetReturns(j), "asset %d returns changed", j)
	}
}

func TestRun_ResultsKeepScenarioOrder(t *testing.T) {
	engine := NewEngine(Config{})
	series := alternatingSeries(t, 0.01, 0.02)

	results, err := engine.Run(context.Background(), series, []float64{0.5, 0.5}, []Scenario{
		{Name: "first"},
		{Name: "second", MarketShock: -0.01},
		{Name: "third", VolatilityScale: 3},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "first", results[0].Scenario)
	assert.Equal(t, "second", results[1].Scenario)
	assert.Equal(t, "third", results[2].Scenario)
}

func TestRun_UnknownShockSymbolFails(t *testing.T) {
	engine := NewEngine(Config{})
	series := alternatingSeries(t, 0.01)

	_, err := engine.Run(context.Background(), series, []float64{1}, []Scenario{
		{Name: "bad", AssetShocks: map[string]float64{"ZZZ": -0.05}},
	})
	var dataErr *domain.DataError
	require.ErrorAs(t, err, &dataErr)
	assert.Contains(t, err.Error(), "ZZZ")
}

func TestRun_WeightCountMustMatchAssets(t *testing.T) {
	engine := NewEngine(Config{})
	series := alternatingSeries(t, 0.01, 0.02)

	_, err := engine.Run(context.Background(), series, []float64{1}, []Scenario{{Name: "x"}})
	var dataErr *domain.DataError
	require.ErrorAs(t, err, &dataErr)
}

func TestRun_RejectsOutOfRangeCorrelationShift(t *testing.T) {
	engine := NewEngine(Config{})
	series := alternatingSeries(t, 0.01)

	_, err := engine.Run(context.Background(), series, []float64{1}, []Scenario{
		{Name: "broken", CorrelationShift: 1.5},
	})
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "correlationShift", cfgErr.Field)
}

func TestRun_NoScenariosFails(t *testing.T) {
	engine := NewEngine(Config{})
	series := alternatingSeries(t, 0.01)

	_, err := engine.Run(context.Background(), series, []float64{1}, nil)
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}
