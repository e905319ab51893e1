package riskmetrics

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/ballastlab/ballast/internal/domain"
)

// computeFixture builds 24 periods where the 50/50 portfolio tracks the
// benchmark plus a constant 2.5bp spread, so beta is exactly one and the
// tail indices land on known observations.
func computeFixture(t *testing.T) (*domain.ReturnSeries, []float64) {
	t.Helper()
	cycle := []float64{0.01, -0.01, 0.02, -0.015}
	periods := 24

	returns := mat.NewDense(periods, 2, nil)
	benchmark := make([]float64, periods)
	dates := make([]time.Time, periods)
	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < periods; i++ {
		b := cycle[i%4]
		benchmark[i] = b
		returns.Set(i, 0, 1.2*b+0.001)
		returns.Set(i, 1, 0.8*b-0.0005)
		dates[i] = base.AddDate(0, 0, i)
	}

	series, err := domain.NewReturnSeries([]string{"AAA", "BBB"}, dates, returns, benchmark)
	require.NoError(t, err)
	return series, []float64{0.5, 0.5}
}

func testEngine() *Engine {
	return NewEngine(Config{
		PeriodsPerYear:  252,
		RiskFreeRate:    0.02,
		ConfidenceLevel: 0.95,
		VaRHorizon:      1,
		TargetReturn:    0,
	})
}

func TestCompute_FullRecordFromFixture(t *testing.T) {
	series, weights := computeFixture(t)
	cov := mat.NewSymDense(2, []float64{
		1e-4, 2e-5,
		2e-5, 2e-4,
	})
	excessCov := mat.NewSymDense(2, []float64{
		5e-5, 0,
		0, 1e-4,
	})

	risk, err := testEngine().Compute(weights, series, cov, excessCov)
	require.NoError(t, err)

	// Portfolio tracks the benchmark one-for-one.
	assert.InDelta(t, 1.0, risk.Beta, 1e-9)

	// Tail of the 24-observation sample: index 1 of the sorted returns.
	assert.InDelta(t, 0.01475, risk.ValueAtRisk, 1e-12)
	assert.InDelta(t, 0.01475, risk.ExpectedShortfall, 1e-12)

	assert.InDelta(t, math.Sqrt(8.5e-5), risk.DailyVolatility, 1e-12)
	assert.InDelta(t, risk.DailyVolatility*math.Sqrt(21), risk.MonthlyVolatility, 1e-12)
	assert.InDelta(t, risk.DailyVolatility*math.Sqrt(252), risk.AnnualizedVolatility, 1e-12)

	assert.InDelta(t, math.Pow(1.0015, 252)-1, risk.AnnualizedReturn, 1e-9)

	// Ratio fields stay consistent with their inputs.
	assert.InDelta(t, (risk.AnnualizedReturn-0.02)/risk.AnnualizedVolatility, risk.SharpeRatio, 1e-9)
	assert.InDelta(t, (risk.AnnualizedReturn-0.02)/risk.Beta, risk.TreynorRatio, 1e-9)
	assert.InDelta(t, 0.00025*252/risk.TrackingError, risk.InformationRatio, 1e-9)

	// Beta one collapses CAPM alpha to the return spread over benchmark.
	annBench := math.Pow(1.00125, 252) - 1
	assert.InDelta(t, risk.AnnualizedReturn-annBench, risk.Alpha, 1e-9)

	assert.Greater(t, risk.MaxDrawdown, 0.0)
	assert.Greater(t, risk.SortinoRatio, 0.0)
}

func TestCompute_DimensionMismatchFailsFast(t *testing.T) {
	series, weights := computeFixture(t)
	small := mat.NewSymDense(1, []float64{1e-4})
	good := mat.NewSymDense(2, []float64{1e-4, 0, 0, 1e-4})

	var dataErr *domain.DataError
	_, err := testEngine().Compute(weights, series, small, good)
	require.ErrorAs(t, err, &dataErr)

	_, err = testEngine().Compute(weights, series, good, small)
	require.ErrorAs(t, err, &dataErr)
}

func TestSharpe_FailsOnNonPositiveVolatility(t *testing.T) {
	var numErr *domain.NumericalError

	_, err := testEngine().Sharpe(0.1, 0)
	require.ErrorAs(t, err, &numErr)

	got, err := testEngine().Sharpe(0.1, 0.2)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got, 1e-12)
}

func TestTreynor_FailsNearZeroBeta(t *testing.T) {
	var numErr *domain.NumericalError

	_, err := testEngine().Treynor(0.1, 1e-7)
	require.ErrorAs(t, err, &numErr)

	got, err := testEngine().Treynor(0.1, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.16, got, 1e-12)
}

func TestSortino_FailsWithoutDownside(t *testing.T) {
	var numErr *domain.NumericalError

	_, err := testEngine().Sortino([]float64{0.01, 0.02, 0.03})
	require.ErrorAs(t, err, &numErr)

	got, err := testEngine().Sortino([]float64{0.02, -0.01, 0.03, -0.03})
	require.NoError(t, err)
	// Mean 0.0025 over downside deviation √0.0005.
	assert.InDelta(t, 0.0025/0.022360679, got, 1e-7)
}

func TestInformationRatio_AnnualizesNumerator(t *testing.T) {
	var numErr *domain.NumericalError

	_, err := testEngine().InformationRatio(0.001, 0)
	require.ErrorAs(t, err, &numErr)

	got, err := testEngine().InformationRatio(0.001, 0.05)
	require.NoError(t, err)
	assert.InDelta(t, 5.04, got, 1e-12)
}

func TestAlpha_CAPMResidual(t *testing.T) {
	alpha := testEngine().Alpha(0.10, 0.08, 1.2)
	assert.InDelta(t, 0.008, alpha, 1e-12)
}

func TestAnnualizedReturn_Compounds(t *testing.T) {
	got := testEngine().AnnualizedReturn(0.001)
	assert.InDelta(t, 0.2864339, got, 1e-6)
}

func TestFactorExposures_SelfFactorIsOne(t *testing.T) {
	series, weights := computeFixture(t)
	portfolio, err := series.PortfolioReturns(weights, 0, series.Periods())
	require.NoError(t, err)

	exposures, err := testEngine().FactorExposures(weights, series, map[string][]float64{
		"market": portfolio,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, exposures["market"], 1e-9)

	var dataErr *domain.DataError
	_, err = testEngine().FactorExposures(weights, series, map[string][]float64{
		"short": {0.01, 0.02},
	})
	require.ErrorAs(t, err, &dataErr)
}

func TestNewEngine_DefaultsZeroValues(t *testing.T) {
	e := NewEngine(Config{})

	assert.InDelta(t, 252.0, e.periodsPerYear, 1e-12)
	assert.InDelta(t, 0.95, e.confidence, 1e-12)
	assert.InDelta(t, 1.0, e.varHorizon, 1e-12)
}
