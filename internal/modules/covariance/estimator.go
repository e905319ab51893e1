// Package covariance derives covariance matrices and window statistics
// from rolling windows of return observations.
package covariance

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/ballastlab/ballast/internal/domain"
)

// Estimates bundles everything one optimization cycle derives from the
// active window: covariance and excess covariance, the mean return
// vectors they pair with, and the benchmark mean.
type Estimates struct {
	Covariance       *mat.SymDense
	ExcessCovariance *mat.SymDense
	Mu               []float64
	ExcessMu         []float64
	BenchmarkMean    float64
}

// Estimator recomputes window statistics at the start of every cycle.
// It holds no state between cycles; estimates derive from the current
// window alone.
type Estimator struct {
	windowSize int
}

// NewEstimator creates an estimator over trailing windows of the given size.
func NewEstimator(windowSize int) *Estimator {
	return &Estimator{windowSize: windowSize}
}

// WindowSize returns the configured trailing window length.
func (e *Estimator) WindowSize() int {
	return e.windowSize
}

// EstimateAt computes window statistics from the most recent windowSize
// periods ending at period (inclusive). Earlier periods use the shorter
// prefix that exists; a window of fewer than two observations fails with
// NumericalError.
func (e *Estimator) EstimateAt(series *domain.ReturnSeries, period int) (*Estimates, error) {
	if period < 0 || period >= series.Periods() {
		return nil, &domain.DataError{
			Op:  "estimate covariance",
			Msg: fmt.Sprintf("period %d outside series of %d periods", period, series.Periods()),
		}
	}

	start := period + 1 - e.windowSize
	if start < 0 {
		start = 0
	}

	window, benchmark, err := series.Window(start, period+1)
	if err != nil {
		return nil, err
	}

	cov, err := Sample(window)
	if err != nil {
		return nil, err
	}

	excess := ExcessReturns(window, benchmark)
	excessCov, err := Sample(excess)
	if err != nil {
		return nil, err
	}

	var benchMean float64
	for _, b := range benchmark {
		benchMean += b
	}
	benchMean /= float64(len(benchmark))

	return &Estimates{
		Covariance:       cov,
		ExcessCovariance: excessCov,
		Mu:               ColumnMeans(window),
		ExcessMu:         ColumnMeans(excess),
		BenchmarkMean:    benchMean,
	}, nil
}

// Sample computes the mean-centered sample covariance of a W×N window,
// dividing by W-1.
func Sample(window mat.Matrix) (*mat.SymDense, error) {
	rows, cols := window.Dims()
	if rows <= 1 {
		return nil, &domain.NumericalError{
			Op:  "sample covariance",
			Msg: fmt.Sprintf("need at least 2 observations, got %d", rows),
		}
	}

	means := make([]float64, cols)
	for j := 0; j < cols; j++ {
		var m float64
		for i := 0; i < rows; i++ {
			m += window.At(i, j)
		}
		means[j] = m / float64(rows)
	}

	cov := mat.NewSymDense(cols, nil)
	for j := 0; j < cols; j++ {
		for k := j; k < cols; k++ {
			var sum float64
			for i := 0; i < rows; i++ {
				sum += (window.At(i, j) - means[j]) * (window.At(i, k) - means[k])
			}
			cov.SetSym(j, k, sum/float64(rows-1))
		}
	}

	return cov, nil
}

// Exponential computes an exponentially weighted covariance. The most
// recent observation carries weight 1, each step back multiplies by
// lambda, and the weights are normalized to sum to 1. Moments are taken
// around zero, the usual EWMA convention for daily returns.
func Exponential(window mat.Matrix, lambda float64) (*mat.SymDense, error) {
	rows, cols := window.Dims()
	if rows <= 1 {
		return nil, &domain.NumericalError{
			Op:  "exponential covariance",
			Msg: fmt.Sprintf("need at least 2 observations, got %d", rows),
		}
	}
	if lambda <= 0 || lambda > 1 {
		return nil, &domain.ConfigurationError{
			Field: "decayFactor",
			Msg:   fmt.Sprintf("must be in (0, 1], got %g", lambda),
		}
	}

	weights := make([]float64, rows)
	var sumWeight float64
	for i := rows - 1; i >= 0; i-- {
		w := math.Pow(lambda, float64(rows-1-i))
		weights[i] = w
		sumWeight += w
	}

	cov := mat.NewSymDense(cols, nil)
	for j := 0; j < cols; j++ {
		for k := j; k < cols; k++ {
			var sum float64
			for i := 0; i < rows; i++ {
				sum += weights[i] * window.At(i, j) * window.At(i, k)
			}
			cov.SetSym(j, k, sum/sumWeight)
		}
	}

	return cov, nil
}

// ExponentialWeights returns the normalized decay weights for a window of
// the given length, oldest first.
func ExponentialWeights(length int, lambda float64) []float64 {
	weights := make([]float64, length)
	var sum float64
	for i := 0; i < length; i++ {
		w := math.Pow(lambda, float64(length-1-i))
		weights[i] = w
		sum += w
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

// ExcessReturns subtracts the benchmark return from every asset column
// period by period.
func ExcessReturns(window *mat.Dense, benchmark []float64) *mat.Dense {
	rows, cols := window.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Set(i, j, window.At(i, j)-benchmark[i])
		}
	}
	return out
}

// ColumnMeans returns the per-column mean of a matrix.
func ColumnMeans(m mat.Matrix) []float64 {
	rows, cols := m.Dims()
	means := make([]float64, cols)
	for j := 0; j < cols; j++ {
		var sum float64
		for i := 0; i < rows; i++ {
			sum += m.At(i, j)
		}
		means[j] = sum / float64(rows)
	}
	return means
}
