package constraints

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// checkTol is the slack applied to limit comparisons. It matches the
// weight-sum tolerance so that renormalization inside the projection loop
// cannot keep a boundary-tight vector oscillating forever.
const checkTol = 1e-6

// Universe bundles the market data one constraint evaluation needs.
// Returns and Benchmark cover the active estimation window; Covariance is
// on the same period scale. ExcessCovariance is optional and enables the
// tracking error check when present. A nil Covariance, empty SectorMap or
// empty ADV slice disables the corresponding group.
type Universe struct {
	Assets           []string
	Returns          *mat.Dense
	Benchmark        []float64
	Covariance       *mat.SymDense
	ExcessCovariance *mat.SymDense
	SectorMap        map[string]string
	ADV              []float64
}

// Status records the outcome of one check cycle: a flag per predicate
// group plus the ordered violation messages. A fresh Status is produced
// by every check, nothing carries over between cycles.
type Status struct {
	PositionLimitsOK  bool
	SectorLimitsOK    bool
	RiskLimitsOK      bool
	TradingLimitsOK   bool
	LiquidityLimitsOK bool
	DiversificationOK bool
	Violations        []string
}

// AllMet reports whether every constraint group passed.
func (s *Status) AllMet() bool {
	return s.PositionLimitsOK && s.SectorLimitsOK && s.RiskLimitsOK &&
		s.TradingLimitsOK && s.LiquidityLimitsOK && s.DiversificationOK
}

// Checker evaluates weight vectors against a limit set.
type Checker struct {
	limits Limits
}

// NewChecker creates a checker for the given limits.
func NewChecker(limits Limits) *Checker {
	return &Checker{limits: limits}
}

// Check evaluates all six constraint groups for a proposed weight vector.
// Every group runs even after an earlier failure, so the returned status
// carries the complete violation list. Proposed and current must have the
// same length; callers validate dimensions before checking.
func (c *Checker) Check(proposed, current []float64, u *Universe) Status {
	status := Status{
		PositionLimitsOK:  true,
		SectorLimitsOK:    true,
		RiskLimitsOK:      true,
		TradingLimitsOK:   true,
		LiquidityLimitsOK: true,
		DiversificationOK: true,
	}

	record := func(ok bool, msg string, flag *bool) {
		if !ok {
			*flag = false
			status.Violations = append(status.Violations, msg)
		}
	}

	volOK := c.checkVolatilityLimit(proposed, u.Covariance)
	betaOK := c.checkBetaDeviation(proposed, u)
	teOK := true
	if u.ExcessCovariance != nil {
		teOK = c.checkTrackingError(proposed, u.ExcessCovariance)
	}

	record(c.checkPositionLimits(proposed), "Position size limits violated", &status.PositionLimitsOK)
	record(c.checkSectorExposure(proposed, u), "Sector exposure limits violated", &status.SectorLimitsOK)
	record(volOK && betaOK && teOK, "Risk limits violated", &status.RiskLimitsOK)
	record(c.checkTurnover(current, proposed), "Turnover limits violated", &status.TradingLimitsOK)
	record(c.checkLiquidity(proposed, u.ADV), "Liquidity constraints violated", &status.LiquidityLimitsOK)
	record(c.checkDiversification(proposed), "Diversification requirements not met", &status.DiversificationOK)

	return status
}

func (c *Checker) checkPositionLimits(w []float64) bool {
	for _, v := range w {
		if v-c.limits.MaxPositionSize > checkTol || c.limits.MinPositionSize-v > checkTol {
			return false
		}
	}
	return totalShortExposure(w)-c.limits.MaxShortPosition <= checkTol
}

func (c *Checker) checkSectorExposure(w []float64, u *Universe) bool {
	if len(u.SectorMap) == 0 {
		return true
	}
	for _, exposure := range sectorExposures(w, u.Assets, u.SectorMap) {
		if math.Abs(exposure)-c.limits.MaxSectorExposure > checkTol {
			return false
		}
	}
	return true
}

func (c *Checker) checkVolatilityLimit(w []float64, cov *mat.SymDense) bool {
	if cov == nil {
		return true
	}
	return portfolioVolatility(w, cov)-c.limits.MaxVolatility <= checkTol
}

func (c *Checker) checkTrackingError(w []float64, excessCov *mat.SymDense) bool {
	return portfolioVolatility(w, excessCov)-c.limits.MaxTrackingError <= checkTol
}

func (c *Checker) checkBetaDeviation(w []float64, u *Universe) bool {
	if u.Returns == nil || len(u.Benchmark) < 2 {
		return true
	}
	rows, cols := u.Returns.Dims()
	if rows != len(u.Benchmark) || cols != len(w) {
		return true
	}

	portfolio := make([]float64, rows)
	for t := 0; t < rows; t++ {
		var r float64
		for j := 0; j < cols; j++ {
			r += u.Returns.At(t, j) * w[j]
		}
		portfolio[t] = r
	}

	beta, ok := sampleBeta(portfolio, u.Benchmark)
	if !ok {
		return true
	}
	return math.Abs(beta-1.0)-c.limits.MaxBetaDeviation <= checkTol
}

func (c *Checker) checkTurnover(oldWeights, newWeights []float64) bool {
	return Turnover(oldWeights, newWeights)-c.limits.MaxTurnover <= checkTol
}

func (c *Checker) checkLiquidity(w []float64, adv []float64) bool {
	if c.limits.MinLiquidity <= 0 || len(adv) == 0 {
		return true
	}
	for i := range w {
		bound := adv[i] * c.limits.MaxADVPercent / c.limits.MinLiquidity
		if math.Abs(w[i])-bound > checkTol {
			return false
		}
	}
	return true
}

func (c *Checker) checkDiversification(w []float64) bool {
	active := c.activePositions(w)
	return active >= c.limits.MinPositions && active <= c.limits.MaxPositions
}

func (c *Checker) activePositions(w []float64) int {
	count := 0
	for _, v := range w {
		if math.Abs(v) > c.limits.MinTradeSize {
			count++
		}
	}
	return count
}

// Turnover is the one-way trading activity between two weight vectors,
// half the summed absolute weight changes.
func Turnover(oldWeights, newWeights []float64) float64 {
	var total float64
	for i := range newWeights {
		total += math.Abs(newWeights[i] - oldWeights[i])
	}
	return total / 2.0
}

func totalShortExposure(w []float64) float64 {
	var short float64
	for _, v := range w {
		if v < 0 {
			short += math.Abs(v)
		}
	}
	return short
}

func sectorExposures(w []float64, assets []string, sectorMap map[string]string) map[string]float64 {
	exposures := make(map[string]float64)
	for i, asset := range assets {
		sector := sectorMap[asset]
		if sector != "" {
			exposures[sector] += w[i]
		}
	}
	return exposures
}

func portfolioVolatility(w []float64, cov *mat.SymDense) float64 {
	var variance float64
	for i := range w {
		for j := range w {
			variance += w[i] * w[j] * cov.At(i, j)
		}
	}
	return math.Sqrt(math.Max(variance, 0))
}

// sampleBeta regresses the portfolio series on the benchmark. The second
// return is false when the benchmark carries no variance to regress against.
func sampleBeta(portfolio, benchmark []float64) (float64, bool) {
	n := len(portfolio)
	var pMean, bMean float64
	for i := 0; i < n; i++ {
		pMean += portfolio[i]
		bMean += benchmark[i]
	}
	pMean /= float64(n)
	bMean /= float64(n)

	var covar, benchVar float64
	for i := 0; i < n; i++ {
		covar += (portfolio[i] - pMean) * (benchmark[i] - bMean)
		benchVar += (benchmark[i] - bMean) * (benchmark[i] - bMean)
	}

	if benchVar < 1e-12 {
		return 0, false
	}
	return covar / benchVar, true
}
