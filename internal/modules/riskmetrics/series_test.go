package riskmetrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/ballastlab/ballast/internal/domain"
)

func TestBeta_SelfRegressionIsOne(t *testing.T) {
	sample := []float64{0.01, -0.02, 0.03, 0.00}

	beta, err := Beta(sample, sample)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, beta, 1e-12)
}

func TestBeta_ScalesWithAmplitude(t *testing.T) {
	benchmark := []float64{0.01, -0.02, 0.03, 0.00}
	portfolio := make([]float64, len(benchmark))
	for i, b := range benchmark {
		portfolio[i] = 2 * b
	}

	beta, err := Beta(portfolio, benchmark)
	require.NoError(t, err)

	assert.InDelta(t, 2.0, beta, 1e-12)
}

func TestBeta_ConstantBenchmarkFails(t *testing.T) {
	_, err := Beta([]float64{0.01, 0.02, 0.03}, []float64{0.01, 0.01, 0.01})

	var numErr *domain.NumericalError
	require.ErrorAs(t, err, &numErr)
}

func TestBeta_LengthMismatchFailsFast(t *testing.T) {
	_, err := Beta([]float64{0.01, 0.02}, []float64{0.01})

	var dataErr *domain.DataError
	require.ErrorAs(t, err, &dataErr)
}

func TestMaxDrawdown_NonNegativeSeriesIsZero(t *testing.T) {
	assert.Zero(t, MaxDrawdown([]float64{0.0, 0.01, 0.02, 0.0}))
}

func TestMaxDrawdown_HandComputed(t *testing.T) {
	// Wealth path: 1.10 → 0.88 → 0.924; trough is 20% below the peak.
	dd := MaxDrawdown([]float64{0.10, -0.20, 0.05})
	assert.InDelta(t, 0.2, dd, 1e-12)
}

func TestDrawdownSeries_TracksRunningPeak(t *testing.T) {
	series := DrawdownSeries([]float64{0.10, -0.20, 0.05})

	require.Len(t, series, 3)
	assert.InDelta(t, 0.0, series[0], 1e-12)
	assert.InDelta(t, 0.2, series[1], 1e-12)
	assert.InDelta(t, 0.16, series[2], 1e-12)
}

func TestDownsideDeviation_OnlySubTargetObservations(t *testing.T) {
	returns := []float64{0.02, -0.01, 0.03, -0.03}

	dd := DownsideDeviation(returns, 0)

	// √((0.01² + 0.03²)/2)
	assert.InDelta(t, 0.022360679, dd, 1e-9)
	assert.Zero(t, DownsideDeviation([]float64{0.01, 0.02}, 0))
}

func TestHistoricalVaR_ReadsTailIndex(t *testing.T) {
	returns := make([]float64, 20)
	for i := range returns {
		returns[i] = 0.01
	}
	returns[0] = -0.04
	returns[10] = -0.05

	// Index ⌊0.05·20⌋ = 1, the second-worst observation.
	varValue, err := HistoricalVaR(returns, 0.95)
	require.NoError(t, err)
	assert.InDelta(t, 0.04, varValue, 1e-12)

	es, err := ExpectedShortfall(returns, 0.95)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, es, 1e-12)
}

func TestExpectedShortfall_TinySampleFails(t *testing.T) {
	_, err := ExpectedShortfall([]float64{0.01, -0.02, 0.03, 0.00, 0.01}, 0.95)

	var numErr *domain.NumericalError
	require.ErrorAs(t, err, &numErr)
}

func TestHistoricalVaR_RejectsBadConfidence(t *testing.T) {
	var cfgErr *domain.ConfigurationError

	_, err := HistoricalVaR([]float64{0.01}, 0)
	require.ErrorAs(t, err, &cfgErr)
	_, err = HistoricalVaR([]float64{0.01}, 1)
	require.ErrorAs(t, err, &cfgErr)
}

func TestParametricVaR_NormalQuantile(t *testing.T) {
	varValue, err := ParametricVaR(0, 0.02, 0.95)
	require.NoError(t, err)

	// -Φ⁻¹(0.05)·0.02
	assert.InDelta(t, 0.03289707, varValue, 1e-7)
}

func TestRiskContributions_SumToPortfolioVolatility(t *testing.T) {
	weights := []float64{0.6, 0.4}
	cov := mat.NewSymDense(2, []float64{
		0.04, 0.01,
		0.01, 0.09,
	})

	contributions, err := RiskContributions(weights, cov)
	require.NoError(t, err)

	var sum float64
	for _, rc := range contributions {
		sum += rc
	}
	assert.InDelta(t, PortfolioVolatility(weights, cov), sum, 1e-12)
}

func TestComponentVaR_SumsToPortfolioVaR(t *testing.T) {
	weights := []float64{0.6, 0.4}
	cov := mat.NewSymDense(2, []float64{
		0.04, 0.01,
		0.01, 0.09,
	})

	components, err := ComponentVaR(weights, cov, 0.05)
	require.NoError(t, err)

	var sum float64
	for _, c := range components {
		sum += c
	}
	assert.InDelta(t, 0.05, sum, 1e-12)
}

func TestRiskContributions_ZeroVolatilityFails(t *testing.T) {
	_, err := RiskContributions([]float64{0.5, 0.5}, mat.NewSymDense(2, nil))

	var numErr *domain.NumericalError
	require.ErrorAs(t, err, &numErr)
}

func TestRollingBeta_SelfBenchmarkStaysOne(t *testing.T) {
	sample := []float64{0.01, -0.02, 0.03, 0.00, 0.02, -0.01}

	betas, err := RollingBeta(sample, sample, 4)
	require.NoError(t, err)

	require.Len(t, betas, 3)
	for _, b := range betas {
		assert.InDelta(t, 1.0, b, 1e-12)
	}
}

func TestRollingBeta_WindowBounds(t *testing.T) {
	sample := []float64{0.01, 0.02, 0.03}

	var dataErr *domain.DataError
	_, err := RollingBeta(sample, sample, 1)
	require.ErrorAs(t, err, &dataErr)
	_, err = RollingBeta(sample, sample, 4)
	require.ErrorAs(t, err, &dataErr)
}

func TestRollingVolatility_AnnualizesWindows(t *testing.T) {
	returns := []float64{0.01, 0.03, 0.01, 0.03}

	vols, err := RollingVolatility(returns, 2, 252)
	require.NoError(t, err)

	// Every two-period window has stddev √0.0002.
	require.Len(t, vols, 3)
	for _, v := range vols {
		assert.InDelta(t, 0.22449944, v, 1e-7)
	}
}

func TestSampleStdDev_RequiresTwoObservations(t *testing.T) {
	_, err := SampleStdDev([]float64{0.01})

	var numErr *domain.NumericalError
	require.ErrorAs(t, err, &numErr)
}
