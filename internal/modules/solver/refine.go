package solver

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/ballastlab/ballast/internal/domain"
)

// Refiner polishes a closed-form solution by maximizing mean-variance
// utility numerically. The closed form targets a fixed return; the
// refiner instead trades return against variance at the configured risk
// aversion, seeded from the closed-form weights.
type Refiner struct {
	riskAversion  float64
	maxIterations int
	tolerance     float64
	penaltyWeight float64
}

// NewRefiner creates a refiner with the given risk aversion, iteration
// budget and convergence tolerance.
func NewRefiner(riskAversion float64, maxIterations int, tolerance float64) *Refiner {
	return &Refiner{
		riskAversion:  riskAversion,
		maxIterations: maxIterations,
		tolerance:     tolerance,
		penaltyWeight: 1000.0,
	}
}

// Utility is the mean-variance objective μᵗw - (γ/2)·wᵗΣw.
func Utility(w, mu []float64, sigma *mat.SymDense, riskAversion float64) float64 {
	var ret float64
	for i := range w {
		ret += mu[i] * w[i]
	}
	return ret - 0.5*riskAversion*portfolioVariance(w, sigma)
}

// Refine maximizes utility starting from the seed weights, keeping the
// sum-to-one constraint through a quadratic penalty. Returns the seed
// unchanged when the numerical search fails to improve on it.
func (r *Refiner) Refine(mu []float64, sigma *mat.SymDense, seed []float64) ([]float64, error) {
	n := len(mu)
	if n == 0 {
		return nil, &domain.DataError{Op: "refine weights", Msg: "empty mean vector"}
	}
	if len(seed) != n {
		return nil, &domain.DataError{
			Op:  "refine weights",
			Msg: fmt.Sprintf("seed has %d weights, want %d", len(seed), n),
		}
	}
	if rows, _ := sigma.Dims(); rows != n {
		return nil, &domain.DataError{
			Op:  "refine weights",
			Msg: fmt.Sprintf("covariance is %dx%d but mean vector has %d entries", rows, rows, n),
		}
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			obj := -Utility(x, mu, sigma, r.riskAversion)

			sum := 0.0
			for i := 0; i < n; i++ {
				sum += x[i]
			}
			obj += r.penaltyWeight * (sum - 1.0) * (sum - 1.0)
			return obj
		},
		Grad: func(grad, x []float64) {
			for i := 0; i < n; i++ {
				grad[i] = -mu[i]
				for j := 0; j < n; j++ {
					grad[i] += r.riskAversion * sigma.At(i, j) * x[j]
				}
			}

			sum := 0.0
			for i := 0; i < n; i++ {
				sum += x[i]
			}
			for i := 0; i < n; i++ {
				grad[i] += 2 * r.penaltyWeight * (sum - 1.0)
			}
		},
	}

	initial := domain.CloneWeights(seed)
	settings := &optimize.Settings{
		MajorIterations: r.maxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   r.tolerance,
			Iterations: 20,
		},
	}

	result, err := optimize.Minimize(problem, initial, settings, &optimize.NelderMead{})
	if err != nil {
		return nil, &domain.NumericalError{Op: "refine weights", Msg: "optimization failed", Err: err}
	}

	// Accept various successful convergence statuses
	successStatuses := map[optimize.Status]bool{
		optimize.Success:             true,
		optimize.GradientThreshold:   true,
		optimize.FunctionConvergence: true,
	}
	if !successStatuses[result.Status] {
		// Try with different method
		result, err = optimize.Minimize(problem, initial, settings, &optimize.BFGS{})
		if err != nil {
			return nil, &domain.NumericalError{Op: "refine weights", Msg: "optimization failed", Err: err}
		}
		if !successStatuses[result.Status] {
			return nil, &domain.NumericalError{
				Op:  "refine weights",
				Msg: fmt.Sprintf("did not converge: status %v", result.Status),
			}
		}
	}

	refined := domain.CloneWeights(result.X)
	sum := domain.WeightSum(refined)
	if sum > 1e-12 || sum < -1e-12 {
		for i := range refined {
			refined[i] /= sum
		}
	} else {
		return domain.CloneWeights(seed), nil
	}

	// The penalty formulation can land slightly off the seed's utility.
	// Never hand back something worse than what we started with.
	if Utility(refined, mu, sigma, r.riskAversion) < Utility(seed, mu, sigma, r.riskAversion) {
		return domain.CloneWeights(seed), nil
	}
	return refined, nil
}
