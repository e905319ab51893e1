package covariance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/ballastlab/ballast/internal/domain"
)

func testSeries(t *testing.T, returns *mat.Dense, benchmark []float64) *domain.ReturnSeries {
	t.Helper()
	periods, cols := returns.Dims()
	assets := make([]string, cols)
	for j := range assets {
		assets[j] = string(rune('A' + j))
	}
	dates := make([]time.Time, periods)
	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := range dates {
		dates[i] = base.AddDate(0, 0, i)
	}
	series, err := domain.NewReturnSeries(assets, dates, returns, benchmark)
	require.NoError(t, err)
	return series
}

func TestSample_MatchesHandComputation(t *testing.T) {
	window := mat.NewDense(3, 2, []float64{
		0.01, 0.02,
		0.03, -0.01,
		0.02, 0.05,
	})

	cov, err := Sample(window)
	require.NoError(t, err)

	assert.InDelta(t, 0.0001, cov.At(0, 0), 1e-12)
	assert.InDelta(t, -0.00015, cov.At(0, 1), 1e-12)
	assert.InDelta(t, -0.00015, cov.At(1, 0), 1e-12)
	assert.InDelta(t, 0.0009, cov.At(1, 1), 1e-12)
}

func TestSample_SingleObservationFails(t *testing.T) {
	window := mat.NewDense(1, 2, []float64{0.01, 0.02})

	_, err := Sample(window)

	var numErr *domain.NumericalError
	require.ErrorAs(t, err, &numErr)
	assert.Contains(t, numErr.Error(), "at least 2 observations")
}

func TestExponential_LambdaOneEqualsUncenteredAverage(t *testing.T) {
	window := mat.NewDense(2, 1, []float64{0.1, 0.3})

	cov, err := Exponential(window, 1.0)
	require.NoError(t, err)

	// (0.1^2 + 0.3^2) / 2
	assert.InDelta(t, 0.05, cov.At(0, 0), 1e-12)
}

func TestExponential_RecentObservationsDominate(t *testing.T) {
	// Old observation is large, recent one small. Decay should pull the
	// estimate below the equal-weight value.
	window := mat.NewDense(2, 1, []float64{0.3, 0.1})

	equal, err := Exponential(window, 1.0)
	require.NoError(t, err)
	decayed, err := Exponential(window, 0.5)
	require.NoError(t, err)

	// Weights 0.5 and 1 normalize to 1/3 and 2/3.
	assert.InDelta(t, (0.5*0.09+1.0*0.01)/1.5, decayed.At(0, 0), 1e-12)
	assert.Less(t, decayed.At(0, 0), equal.At(0, 0))
}

func TestExponential_RejectsInvalidLambda(t *testing.T) {
	window := mat.NewDense(2, 1, []float64{0.1, 0.2})

	for _, lambda := range []float64{0, -0.5, 1.2} {
		_, err := Exponential(window, lambda)
		var cfgErr *domain.ConfigurationError
		require.ErrorAs(t, err, &cfgErr, "lambda %g", lambda)
	}
}

func TestExponentialWeights_NormalizedAndIncreasing(t *testing.T) {
	weights := ExponentialWeights(4, 0.94)

	var sum float64
	for i, w := range weights {
		sum += w
		if i > 0 {
			assert.Greater(t, w, weights[i-1])
		}
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestExcessReturns_SubtractsBenchmarkPerPeriod(t *testing.T) {
	window := mat.NewDense(2, 2, []float64{
		0.03, 0.01,
		-0.01, 0.02,
	})
	benchmark := []float64{0.01, -0.02}

	excess := ExcessReturns(window, benchmark)

	assert.InDelta(t, 0.02, excess.At(0, 0), 1e-12)
	assert.InDelta(t, 0.00, excess.At(0, 1), 1e-12)
	assert.InDelta(t, 0.01, excess.At(1, 0), 1e-12)
	assert.InDelta(t, 0.04, excess.At(1, 1), 1e-12)
}

func TestEstimateAt_UsesTrailingWindow(t *testing.T) {
	returns := mat.NewDense(5, 2, []float64{
		0.10, 0.20,
		0.01, 0.02,
		0.02, 0.01,
		0.03, 0.04,
		0.01, 0.03,
	})
	benchmark := []float64{0.05, 0.01, 0.02, 0.02, 0.01}
	series := testSeries(t, returns, benchmark)

	est, err := NewEstimator(3).EstimateAt(series, 4)
	require.NoError(t, err)

	// Window is rows 2..4; the first two rows must not influence the
	// estimate.
	window, bench, err := series.Window(2, 5)
	require.NoError(t, err)
	want, err := Sample(window)
	require.NoError(t, err)
	assert.InDelta(t, want.At(0, 0), est.Covariance.At(0, 0), 1e-12)
	assert.InDelta(t, want.At(0, 1), est.Covariance.At(0, 1), 1e-12)

	wantMu := ColumnMeans(window)
	assert.InDelta(t, wantMu[0], est.Mu[0], 1e-12)
	assert.InDelta(t, wantMu[1], est.Mu[1], 1e-12)

	var benchMean float64
	for _, b := range bench {
		benchMean += b
	}
	benchMean /= float64(len(bench))
	assert.InDelta(t, benchMean, est.BenchmarkMean, 1e-12)
}

func TestEstimateAt_ClampsShortHistory(t *testing.T) {
	returns := mat.NewDense(3, 2, []float64{
		0.01, 0.02,
		0.03, -0.01,
		0.02, 0.05,
	})
	benchmark := []float64{0.01, 0.02, 0.03}
	series := testSeries(t, returns, benchmark)

	// Window size exceeds history; all three periods are used.
	est, err := NewEstimator(252).EstimateAt(series, 2)
	require.NoError(t, err)

	want, err := Sample(returns)
	require.NoError(t, err)
	assert.InDelta(t, want.At(1, 1), est.Covariance.At(1, 1), 1e-12)
}

func TestEstimateAt_RejectsPeriodOutOfRange(t *testing.T) {
	returns := mat.NewDense(2, 1, []float64{0.01, 0.02})
	series := testSeries(t, returns, []float64{0.01, 0.01})
	est := NewEstimator(10)

	var dataErr *domain.DataError
	_, err := est.EstimateAt(series, -1)
	require.ErrorAs(t, err, &dataErr)
	_, err = est.EstimateAt(series, 2)
	require.ErrorAs(t, err, &dataErr)
}

func TestEstimateAt_ExcessCovarianceUsesExcessReturns(t *testing.T) {
	// Assets track the benchmark exactly, so excess returns are constant
	// zero and the excess covariance vanishes while the plain covariance
	// does not.
	returns := mat.NewDense(3, 2, []float64{
		0.01, 0.01,
		0.03, 0.03,
		-0.02, -0.02,
	})
	benchmark := []float64{0.01, 0.03, -0.02}
	series := testSeries(t, returns, benchmark)

	est, err := NewEstimator(3).EstimateAt(series, 2)
	require.NoError(t, err)

	assert.InDelta(t, 0.0, est.ExcessCovariance.At(0, 0), 1e-15)
	assert.InDelta(t, 0.0, est.ExcessCovariance.At(1, 1), 1e-15)
	assert.Greater(t, est.Covariance.At(0, 0), 0.0)
	assert.InDelta(t, 0.0, est.ExcessMu[0], 1e-15)
}
