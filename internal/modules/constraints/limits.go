// Package constraints checks portfolio weight vectors against configured
// limits and projects infeasible vectors back into the allowed region.
package constraints

// Limits holds the immutable constraint configuration for a run.
// Exposure values are fractions of portfolio value, volatility is on the
// same period scale as the covariance matrix supplied to the checks.
type Limits struct {
	MaxPositionSize   float64
	MinPositionSize   float64
	MaxShortPosition  float64 // Cap on summed absolute short exposure
	MaxSectorExposure float64
	MaxVolatility     float64
	MaxTrackingError  float64
	MaxTurnover       float64 // One-way turnover cap per rebalance
	MinLiquidity      float64 // Reference portfolio value for ADV sizing
	MaxADVPercent     float64
	MinPositions      int
	MaxPositions      int
	MaxBetaDeviation  float64 // Allowed |beta - 1|
	MinTradeSize      float64 // Threshold below which a position counts as inactive
}

// DefaultLimits returns the standard limit set for a diversified long-only book.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSize:   0.20,
		MinPositionSize:   0.0,
		MaxShortPosition:  0.0,
		MaxSectorExposure: 0.30,
		MaxVolatility:     0.25,
		MaxTrackingError:  0.05,
		MaxTurnover:       0.50,
		MinLiquidity:      1_000_000,
		MaxADVPercent:     0.05,
		MinPositions:      5,
		MaxPositions:      50,
		MaxBetaDeviation:  0.30,
		MinTradeSize:      1e-4,
	}
}
