package constraints

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestCheck_FeasibleVectorPassesAllGroups(t *testing.T) {
	checker := NewChecker(permissiveLimits())

	w := []float64{0.25, 0.25, 0.25, 0.25}
	status := checker.Check(w, w, &Universe{})

	assert.True(t, status.AllMet())
	assert.Empty(t, status.Violations)
}

func TestCheck_AccumulatesViolationsInOrder(t *testing.T) {
	limits := permissiveLimits()
	limits.MaxPositionSize = 0.3 // position violated by 0.6
	limits.MaxTurnover = 0.1     // turnover violated
	limits.MinPositions = 3      // diversification violated with 2 active
	checker := NewChecker(limits)

	proposed := []float64{0.6, 0.4}
	current := []float64{0.1, 0.9}

	status := checker.Check(proposed, current, &Universe{})

	assert.False(t, status.AllMet())
	assert.False(t, status.PositionLimitsOK)
	assert.False(t, status.TradingLimitsOK)
	assert.False(t, status.DiversificationOK)
	assert.True(t, status.SectorLimitsOK)
	assert.True(t, status.RiskLimitsOK)
	assert.True(t, status.LiquidityLimitsOK)

	// Every group runs; messages arrive in fixed group order.
	assert.Equal(t, []string{
		"Position size limits violated",
		"Turnover limits violated",
		"Diversification requirements not met",
	}, status.Violations)
}

func TestCheck_ShortExposureCap(t *testing.T) {
	limits := permissiveLimits()
	limits.MinPositionSize = -0.5
	limits.MaxShortPosition = 0.1
	checker := NewChecker(limits)

	status := checker.Check([]float64{0.7, 0.5, -0.2}, []float64{0.7, 0.5, -0.2}, &Universe{})
	assert.False(t, status.PositionLimitsOK, "total short 0.2 exceeds the 0.1 cap")
}

func TestCheck_BetaDeviation(t *testing.T) {
	limits := permissiveLimits()
	limits.MaxBetaDeviation = 0.3
	checker := NewChecker(limits)

	returns := mat.NewDense(4, 2, []float64{
		0.01, 0.01,
		-0.02, -0.02,
		0.015, 0.015,
		-0.005, -0.005,
	})
	w := []float64{0.5, 0.5}

	// Benchmark identical to the portfolio series: beta exactly 1.
	match := []float64{0.01, -0.02, 0.015, -0.005}
	status := checker.Check(w, w, &Universe{Returns: returns, Benchmark: match})
	assert.True(t, status.RiskLimitsOK)

	// Benchmark at half the amplitude: beta 2, deviation 1 > 0.3.
	half := []float64{0.005, -0.01, 0.0075, -0.0025}
	status = checker.Check(w, w, &Universe{Returns: returns, Benchmark: half})
	assert.False(t, status.RiskLimitsOK)
	assert.Contains(t, status.Violations, "Risk limits violated")
}

func TestCheck_TrackingErrorAgainstExcessCovariance(t *testing.T) {
	limits := permissiveLimits()
	limits.MaxTrackingError = 0.05
	checker := NewChecker(limits)

	w := []float64{0.5, 0.5}

	tight := mat.NewSymDense(2, []float64{0.001, 0, 0, 0.001})
	status := checker.Check(w, w, &Universe{ExcessCovariance: tight})
	assert.True(t, status.RiskLimitsOK, "TE sqrt(0.0005) ~ 0.022 within cap")

	wide := mat.NewSymDense(2, []float64{0.01, 0, 0, 0.01})
	status = checker.Check(w, w, &Universe{ExcessCovariance: wide})
	assert.False(t, status.RiskLimitsOK, "TE sqrt(0.005) ~ 0.071 exceeds cap")
}

func TestCheck_LiquidityBound(t *testing.T) {
	limits := permissiveLimits()
	limits.MinLiquidity = 1_000_000
	limits.MaxADVPercent = 0.05
	checker := NewChecker(limits)

	// Bound for each asset: adv * 0.05 / 1e6.
	u := &Universe{ADV: []float64{10_000_000, 1_000_000}}

	status := checker.Check([]float64{0.4, 0.04}, []float64{0.4, 0.04}, u)
	assert.True(t, status.LiquidityLimitsOK)

	status = checker.Check([]float64{0.4, 0.2}, []float64{0.4, 0.2}, u)
	assert.False(t, status.LiquidityLimitsOK, "0.2 exceeds the 0.05 ADV bound")
}

func TestTurnover_IsOneWay(t *testing.T) {
	assert.InDelta(t, 1.0, Turnover([]float64{1, 0}, []float64{0, 1}), 1e-15)
	assert.InDelta(t, 0.0, Turnover([]float64{0.5, 0.5}, []float64{0.5, 0.5}), 1e-15)
	assert.InDelta(t, 0.1, Turnover([]float64{0.6, 0.4}, []float64{0.5, 0.5}), 1e-15)
}
