// Package solver computes constrained mean-variance weight vectors with
// the closed-form two-fund solution, sweeps efficient frontiers, and
// optionally refines solutions through a numerical utility maximizer.
package solver

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/ballastlab/ballast/internal/domain"
)

// Solution is the closed-form solve for one target return. OptMu and
// OptSigmaSq describe the global minimum-variance point of the same
// frontier: solving again at target OptMu yields variance OptSigmaSq.
type Solution struct {
	Weights    []float64
	OptMu      float64
	OptSigmaSq float64
}

// system carries the factorized quantities shared by every solve against
// one (mu, sigma) pair: x = Σ⁻¹u, y = Σ⁻¹μ and the scalars
// A = μᵗΣ⁻¹μ, B = μᵗΣ⁻¹u, C = uᵗΣ⁻¹u, D = A - B²/C.
type system struct {
	n          int
	x, y       []float64
	a, b, c, d float64
}

// factor solves the two linear systems once. Fails with NumericalError
// when the covariance matrix is singular or not positive definite, and
// when all asset means coincide, which collapses the frontier to a point.
func factor(mu []float64, sigma *mat.SymDense) (*system, error) {
	n := len(mu)
	if n == 0 {
		return nil, &domain.DataError{Op: "markowitz solve", Msg: "empty mean vector"}
	}
	if r, _ := sigma.Dims(); r != n {
		return nil, &domain.DataError{
			Op:  "markowitz solve",
			Msg: fmt.Sprintf("covariance is %dx%d but mean vector has %d entries", r, r, n),
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(sigma); !ok {
		return nil, &domain.NumericalError{
			Op:  "markowitz solve",
			Msg: "covariance matrix is singular or not positive definite",
		}
	}

	ones := mat.NewVecDense(n, nil)
	muVec := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		ones.SetVec(i, 1)
		muVec.SetVec(i, mu[i])
	}

	var xVec, yVec mat.VecDense
	if err := chol.SolveVecTo(&xVec, ones); err != nil {
		return nil, &domain.NumericalError{Op: "markowitz solve", Msg: "solve for Σ⁻¹u failed", Err: err}
	}
	if err := chol.SolveVecTo(&yVec, muVec); err != nil {
		return nil, &domain.NumericalError{Op: "markowitz solve", Msg: "solve for Σ⁻¹μ failed", Err: err}
	}

	s := &system{n: n, x: make([]float64, n), y: make([]float64, n)}
	for i := 0; i < n; i++ {
		s.x[i] = xVec.AtVec(i)
		s.y[i] = yVec.AtVec(i)
		s.a += mu[i] * s.y[i]
		s.b += mu[i] * s.x[i]
		s.c += s.x[i]
	}
	s.d = s.a - s.b*s.b/s.c

	if math.Abs(s.d) < 1e-12 {
		return nil, &domain.NumericalError{
			Op:  "markowitz solve",
			Msg: "degenerate frontier: asset means are collinear with the unit vector",
		}
	}
	return s, nil
}

// solve evaluates the two-fund combination at one target return.
func (s *system) solve(target float64) []float64 {
	uCoef := (s.a - s.b*target) / (s.c * s.d)
	muCoef := (target - s.b/s.c) / s.d

	w := make([]float64, s.n)
	for i := 0; i < s.n; i++ {
		w[i] = uCoef*s.x[i] + muCoef*s.y[i]
	}
	return w
}

// Markowitz solves for the minimum-variance weights that reach the target
// expected return with weights summing to one. Short positions are
// allowed here; constraint enforcement happens downstream.
func Markowitz(mu []float64, sigma *mat.SymDense, target float64) (*Solution, error) {
	s, err := factor(mu, sigma)
	if err != nil {
		return nil, err
	}
	return &Solution{
		Weights:    s.solve(target),
		OptMu:      s.b / s.c,
		OptSigmaSq: 1 / s.c,
	}, nil
}

// Frontier sweeps evenly spaced target returns between the smallest and
// largest per-asset mean return, retaining the solved risk and achieved
// return for each target. The factorization is shared across all points.
func Frontier(mu []float64, sigma *mat.SymDense, points int) ([]domain.FrontierPoint, error) {
	if points < 2 {
		return nil, &domain.ConfigurationError{
			Field: "frontierPoints",
			Msg:   fmt.Sprintf("need at least 2 points, got %d", points),
		}
	}

	s, err := factor(mu, sigma)
	if err != nil {
		return nil, err
	}

	minMu, maxMu := mu[0], mu[0]
	for _, m := range mu[1:] {
		minMu = math.Min(minMu, m)
		maxMu = math.Max(maxMu, m)
	}
	step := (maxMu - minMu) / float64(points-1)

	frontier := make([]domain.FrontierPoint, 0, points)
	for i := 0; i < points; i++ {
		target := minMu + float64(i)*step
		w := s.solve(target)

		var achieved float64
		for j, m := range mu {
			achieved += m * w[j]
		}
		frontier = append(frontier, domain.FrontierPoint{
			TargetReturn:   target,
			Risk:           math.Sqrt(math.Max(portfolioVariance(w, sigma), 0)),
			AchievedReturn: achieved,
		})
	}
	return frontier, nil
}

func portfolioVariance(w []float64, sigma *mat.SymDense) float64 {
	var v float64
	for i := range w {
		for j := range w {
			v += w[i] * sigma.At(i, j) * w[j]
		}
	}
	return v
}
