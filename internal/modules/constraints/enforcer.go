package constraints

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/ballastlab/ballast/internal/domain"
)

const (
	maxEnforceIterations = 100
	weightSumTol         = 1e-6
)

// Enforcer projects weight vectors onto the feasible region through a
// bounded fixed-point loop of clamp and rescale passes.
type Enforcer struct {
	limits  Limits
	checker *Checker
}

// NewEnforcer creates an enforcer for the given limits.
func NewEnforcer(limits Limits) *Enforcer {
	return &Enforcer{limits: limits, checker: NewChecker(limits)}
}

// Checker returns the checker sharing this enforcer's limits.
func (e *Enforcer) Checker() *Checker {
	return e.checker
}

// Enforce returns a new weight vector satisfying every constraint group,
// or ConstraintInfeasibleError when the iteration budget runs out. Each
// iteration threads the prior pass's output through clamp, sector rescale,
// volatility rescale, liquidity clamp and renormalization, then re-checks
// all groups from scratch; later passes can reintroduce violations an
// earlier pass resolved. Input slices are never modified.
func (e *Enforcer) Enforce(proposed, current []float64, u *Universe) ([]float64, error) {
	if len(proposed) == 0 {
		return nil, &domain.DataError{Op: "enforce constraints", Msg: "empty weight vector"}
	}
	if len(current) != len(proposed) {
		return nil, &domain.DataError{
			Op:  "enforce constraints",
			Msg: fmt.Sprintf("weight length mismatch: proposed %d, current %d", len(proposed), len(current)),
		}
	}
	if len(u.Assets) > 0 && len(u.Assets) != len(proposed) {
		return nil, &domain.DataError{
			Op:  "enforce constraints",
			Msg: fmt.Sprintf("asset list length %d does not match weights %d", len(u.Assets), len(proposed)),
		}
	}
	if len(u.ADV) > 0 && len(u.ADV) != len(proposed) {
		return nil, &domain.DataError{
			Op:  "enforce constraints",
			Msg: fmt.Sprintf("ADV length %d does not match weights %d", len(u.ADV), len(proposed)),
		}
	}

	w := domain.CloneWeights(proposed)
	var status Status

	for iter := 0; iter < maxEnforceIterations; iter++ {
		w = e.adjustPositionSizes(w)
		w = e.adjustSectorExposures(w, u)
		w = e.adjustForVolatility(w, u.Covariance)
		w = e.adjustForLiquidity(w, u.ADV)
		w = normalize(w)

		status = e.checker.Check(w, current, u)
		if status.AllMet() {
			if err := ValidateWeightSum(w); err != nil {
				return nil, err
			}
			return w, nil
		}
	}

	return nil, &domain.ConstraintInfeasibleError{
		Iterations: maxEnforceIterations,
		Violations: status.Violations,
	}
}

// ValidateWeightSum confirms the weights form a fully invested portfolio.
func ValidateWeightSum(w []float64) error {
	sum := domain.WeightSum(w)
	if math.Abs(sum-1.0) > weightSumTol {
		return &domain.NumericalError{
			Op:  "validate weights",
			Msg: fmt.Sprintf("weights sum to %.8f, want 1", sum),
		}
	}
	return nil
}

func (e *Enforcer) adjustPositionSizes(w []float64) []float64 {
	out := make([]float64, len(w))
	for i, v := range w {
		out[i] = math.Max(e.limits.MinPositionSize, math.Min(e.limits.MaxPositionSize, v))
	}
	return out
}

func (e *Enforcer) adjustSectorExposures(w []float64, u *Universe) []float64 {
	out := domain.CloneWeights(w)
	if len(u.SectorMap) == 0 {
		return out
	}
	// Exposures are computed once from the incoming vector; sectors are
	// disjoint so the per-sector scaling order does not matter.
	for sector, exposure := range sectorExposures(w, u.Assets, u.SectorMap) {
		if math.Abs(exposure) > e.limits.MaxSectorExposure {
			scale := e.limits.MaxSectorExposure / math.Abs(exposure)
			for i, asset := range u.Assets {
				if u.SectorMap[asset] == sector {
					out[i] *= scale
				}
			}
		}
	}
	return out
}

func (e *Enforcer) adjustForVolatility(w []float64, cov *mat.SymDense) []float64 {
	out := domain.CloneWeights(w)
	if cov == nil {
		return out
	}
	vol := portfolioVolatility(w, cov)
	if vol > e.limits.MaxVolatility {
		scale := e.limits.MaxVolatility / vol
		for i := range out {
			out[i] *= scale
		}
	}
	return out
}

func (e *Enforcer) adjustForLiquidity(w []float64, adv []float64) []float64 {
	out := domain.CloneWeights(w)
	if e.limits.MinLiquidity <= 0 || len(adv) == 0 {
		return out
	}
	for i := range out {
		maxPosition := adv[i] * e.limits.MaxADVPercent / e.limits.MinLiquidity
		if math.Abs(out[i]) > maxPosition {
			if out[i] > 0 {
				out[i] = maxPosition
			} else {
				out[i] = -maxPosition
			}
		}
	}
	return out
}

// normalize rescales to unit sum. Near-zero sums are left untouched so the
// next check cycle reports the underlying violation instead of dividing
// by zero here.
func normalize(w []float64) []float64 {
	out := domain.CloneWeights(w)
	sum := domain.WeightSum(out)
	if math.Abs(sum) < 1e-12 {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
