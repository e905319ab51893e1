// Package riskmetrics computes portfolio risk and performance figures
// from historical return samples and covariance estimates.
package riskmetrics

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ballastlab/ballast/internal/domain"
)

// Mean returns the arithmetic mean of a sample.
func Mean(sample []float64) float64 {
	if len(sample) == 0 {
		return 0
	}
	var sum float64
	for _, v := range sample {
		sum += v
	}
	return sum / float64(len(sample))
}

// SampleStdDev returns the N-1 standard deviation of a sample.
func SampleStdDev(sample []float64) (float64, error) {
	if len(sample) < 2 {
		return 0, &domain.NumericalError{
			Op:  "sample stddev",
			Msg: fmt.Sprintf("need at least 2 observations, got %d", len(sample)),
		}
	}
	mean := Mean(sample)
	var sum float64
	for _, v := range sample {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(sample)-1)), nil
}

// Beta regresses the portfolio sample on the benchmark sample with
// centered N-1 moments. Fails when the benchmark shows no variance.
func Beta(portfolio, benchmark []float64) (float64, error) {
	if len(portfolio) != len(benchmark) {
		return 0, &domain.DataError{
			Op:  "beta",
			Msg: fmt.Sprintf("portfolio has %d observations, benchmark has %d", len(portfolio), len(benchmark)),
		}
	}
	if len(portfolio) < 2 {
		return 0, &domain.NumericalError{
			Op:  "beta",
			Msg: fmt.Sprintf("need at least 2 observations, got %d", len(portfolio)),
		}
	}

	pMean := Mean(portfolio)
	bMean := Mean(benchmark)
	var covar, benchVar float64
	for i := range portfolio {
		covar += (portfolio[i] - pMean) * (benchmark[i] - bMean)
		benchVar += (benchmark[i] - bMean) * (benchmark[i] - bMean)
	}
	n := float64(len(portfolio) - 1)
	covar /= n
	benchVar /= n

	if benchVar < 1e-12 {
		return 0, &domain.NumericalError{Op: "beta", Msg: "benchmark variance is zero"}
	}
	return covar / benchVar, nil
}

// MaxDrawdown is the largest peak-to-trough decline of the compounded
// wealth curve, as a positive fraction. A series that never declines
// returns exactly 0.
func MaxDrawdown(returns []float64) float64 {
	maxDrawdown := 0.0
	peak := 1.0
	value := 1.0
	for _, r := range returns {
		value *= 1 + r
		peak = math.Max(peak, value)
		maxDrawdown = math.Min(maxDrawdown, value/peak-1)
	}
	return -maxDrawdown
}

// DrawdownSeries returns the per-period drawdown of the compounded wealth
// curve, each entry a non-negative fraction below the running peak.
func DrawdownSeries(returns []float64) []float64 {
	out := make([]float64, len(returns))
	peak := 1.0
	value := 1.0
	for i, r := range returns {
		value *= 1 + r
		peak = math.Max(peak, value)
		out[i] = (peak - value) / peak
	}
	return out
}

// DownsideDeviation is the root mean square shortfall below the target,
// computed only over sub-target observations. Returns 0 when no
// observation falls below the target.
func DownsideDeviation(returns []float64, target float64) float64 {
	var sum float64
	var count int
	for _, r := range returns {
		if r < target {
			d := target - r
			sum += d * d
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}

// PortfolioVolatility is √(wᵗΣw) per period.
func PortfolioVolatility(weights []float64, covariance matrixAt) float64 {
	var v float64
	for i := range weights {
		for j := range weights {
			v += weights[i] * covariance.At(i, j) * weights[j]
		}
	}
	return math.Sqrt(math.Max(v, 0))
}

// matrixAt is the minimal read surface shared by gonum matrix types.
type matrixAt interface {
	At(i, j int) float64
}

// HistoricalVaR sorts the return sample ascending and reads the loss at
// the (1-confidence) tail index, as a positive number.
func HistoricalVaR(returns []float64, confidence float64) (float64, error) {
	if err := checkConfidence(confidence); err != nil {
		return 0, err
	}
	if len(returns) == 0 {
		return 0, &domain.DataError{Op: "historical VaR", Msg: "empty return sample"}
	}

	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	index := int((1 - confidence) * float64(len(sorted)))
	return -sorted[index], nil
}

// ExpectedShortfall averages the losses strictly below the VaR index, as
// a positive number. Fails when the sample is too small to resolve the
// tail at the requested confidence.
func ExpectedShortfall(returns []float64, confidence float64) (float64, error) {
	if err := checkConfidence(confidence); err != nil {
		return 0, err
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)

	cutoff := int((1 - confidence) * float64(len(sorted)))
	if cutoff == 0 {
		return 0, &domain.NumericalError{
			Op:  "expected shortfall",
			Msg: fmt.Sprintf("sample of %d cannot resolve the %.2f tail", len(sorted), 1-confidence),
		}
	}
	var sum float64
	for i := 0; i < cutoff; i++ {
		sum += sorted[i]
	}
	return -sum / float64(cutoff), nil
}

// ParametricVaR reads the (1-confidence) quantile off a normal fit to the
// sample mean and standard deviation. Provided for comparison against the
// empirical estimate.
func ParametricVaR(mean, stddev, confidence float64) (float64, error) {
	if err := checkConfidence(confidence); err != nil {
		return 0, err
	}
	if stddev < 0 {
		return 0, &domain.NumericalError{Op: "parametric VaR", Msg: "negative standard deviation"}
	}
	z := distuv.Normal{Mu: 0, Sigma: 1}.Quantile(1 - confidence)
	return -(mean + z*stddev), nil
}

// RiskContributions decomposes portfolio volatility by asset:
// rc_i = w_i·(Σw)_i / vol, summing to the portfolio volatility.
func RiskContributions(weights []float64, covariance matrixAt) ([]float64, error) {
	vol := PortfolioVolatility(weights, covariance)
	if vol <= 0 {
		return nil, &domain.NumericalError{Op: "risk contributions", Msg: "portfolio volatility is zero"}
	}

	out := make([]float64, len(weights))
	for i := range weights {
		var sigmaW float64
		for j := range weights {
			sigmaW += covariance.At(i, j) * weights[j]
		}
		out[i] = weights[i] * sigmaW / vol
	}
	return out, nil
}

// ComponentVaR allocates the portfolio VaR across assets in proportion to
// their risk contributions, so the components sum to the portfolio VaR.
func ComponentVaR(weights []float64, covariance matrixAt, portfolioVaR float64) ([]float64, error) {
	contributions, err := RiskContributions(weights, covariance)
	if err != nil {
		return nil, err
	}
	vol := PortfolioVolatility(weights, covariance)

	out := make([]float64, len(contributions))
	for i, rc := range contributions {
		out[i] = rc / vol * portfolioVaR
	}
	return out, nil
}

// RollingBeta computes the centered beta over each trailing window of the
// two samples. The result has len(portfolio)-window+1 entries.
func RollingBeta(portfolio, benchmark []float64, window int) ([]float64, error) {
	if window < 2 {
		return nil, &domain.DataError{Op: "rolling beta", Msg: fmt.Sprintf("window must be at least 2, got %d", window)}
	}
	if len(portfolio) != len(benchmark) {
		return nil, &domain.DataError{Op: "rolling beta", Msg: "sample lengths differ"}
	}
	if window > len(portfolio) {
		return nil, &domain.DataError{
			Op:  "rolling beta",
			Msg: fmt.Sprintf("window %d exceeds sample of %d", window, len(portfolio)),
		}
	}

	out := make([]float64, 0, len(portfolio)-window+1)
	for i := 0; i+window <= len(portfolio); i++ {
		b, err := Beta(portfolio[i:i+window], benchmark[i:i+window])
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// RollingVolatility computes the annualized N-1 standard deviation over
// each trailing window of the sample.
func RollingVolatility(returns []float64, window, periodsPerYear int) ([]float64, error) {
	if window < 2 {
		return nil, &domain.DataError{Op: "rolling volatility", Msg: fmt.Sprintf("window must be at least 2, got %d", window)}
	}
	if window > len(returns) {
		return nil, &domain.DataError{
			Op:  "rolling volatility",
			Msg: fmt.Sprintf("window %d exceeds sample of %d", window, len(returns)),
		}
	}

	factor := math.Sqrt(float64(periodsPerYear))
	out := make([]float64, 0, len(returns)-window+1)
	for i := 0; i+window <= len(returns); i++ {
		sd, err := SampleStdDev(returns[i : i+window])
		if err != nil {
			return nil, err
		}
		out = append(out, sd*factor)
	}
	return out, nil
}

func checkConfidence(confidence float64) error {
	if confidence <= 0 || confidence >= 1 {
		return &domain.ConfigurationError{
			Field: "confidenceLevel",
			Msg:   fmt.Sprintf("must be in (0, 1), got %g", confidence),
		}
	}
	return nil
}
