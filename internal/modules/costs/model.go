// Package costs estimates the cost of moving a portfolio between two
// weight vectors and gates rebalance decisions on it.
package costs

import (
	"errors"
	"fmt"
	"math"

	"github.com/ballastlab/ballast/internal/domain"
)

// Slippage model names accepted by Parameters.
const (
	SlippageSqrt   = "sqrt"
	SlippageLinear = "linear"
)

// Parameters is the immutable cost configuration. All rates and
// coefficients are validated non-negative when the model is built.
type Parameters struct {
	FixedCommission    float64
	VariableCommission float64
	ImpactCoeff        float64
	SlippageCoeff      float64
	SlippageModel      string
	DaysToExecute      int
	DecayRate          float64
}

// Model prices portfolio transitions. Commission scales with trade value,
// market impact and slippage with the participation rate against average
// daily volume.
type Model struct {
	params Parameters
}

// NewModel validates the parameters and builds a cost model.
func NewModel(params Parameters) (*Model, error) {
	check := func(field string, v float64) error {
		if v < 0 {
			return &domain.ConfigurationError{Field: field, Msg: fmt.Sprintf("must be non-negative, got %g", v)}
		}
		return nil
	}
	if err := check("fixedCommission", params.FixedCommission); err != nil {
		return nil, err
	}
	if err := check("variableCommission", params.VariableCommission); err != nil {
		return nil, err
	}
	if err := check("impactCoeff", params.ImpactCoeff); err != nil {
		return nil, err
	}
	if err := check("slippageCoeff", params.SlippageCoeff); err != nil {
		return nil, err
	}
	if err := check("decayRate", params.DecayRate); err != nil {
		return nil, err
	}
	if params.DaysToExecute < 1 {
		return nil, &domain.ConfigurationError{
			Field: "daysToExecute",
			Msg:   fmt.Sprintf("must be at least 1, got %d", params.DaysToExecute),
		}
	}
	if params.SlippageModel != SlippageSqrt && params.SlippageModel != SlippageLinear {
		return nil, &domain.ConfigurationError{
			Field: "slippageModel",
			Msg:   fmt.Sprintf("must be %q or %q, got %q", SlippageSqrt, SlippageLinear, params.SlippageModel),
		}
	}
	return &Model{params: params}, nil
}

// Params returns the validated parameters.
func (m *Model) Params() Parameters {
	return m.params
}

// AssetCost itemizes one asset's contribution to a transition estimate.
type AssetCost struct {
	Index      int     `json:"index"`
	TradeValue float64 `json:"trade_value"`
	Commission float64 `json:"commission"`
	Impact     float64 `json:"impact"`
	Slippage   float64 `json:"slippage"`
}

// Total returns the asset's combined cost.
func (c AssetCost) Total() float64 {
	return c.Commission + c.Impact + c.Slippage
}

// Breakdown itemizes a transition estimate: one record per traded asset
// plus category totals. Assets without a trade are skipped.
type Breakdown struct {
	Assets     []AssetCost `json:"assets"`
	Commission float64     `json:"commission"`
	Impact     float64     `json:"impact"`
	Slippage   float64     `json:"slippage"`
	Total      float64     `json:"total"`
}

// EstimateBreakdown prices the transition from current to target weights
// asset by asset. Each nonzero trade contributes a fixed commission, a
// variable commission on trade value, market impact spread over the
// execution horizon, and slippage.
func (m *Model) EstimateBreakdown(current, target []float64, portfolioValue float64, adv []float64) (*Breakdown, error) {
	if len(current) != len(target) {
		return nil, &domain.DataError{
			Op:  "total cost",
			Msg: fmt.Sprintf("current has %d weights, target has %d", len(current), len(target)),
		}
	}
	if len(adv) != len(current) {
		return nil, &domain.DataError{
			Op:  "total cost",
			Msg: fmt.Sprintf("average volumes cover %d assets, weights cover %d", len(adv), len(current)),
		}
	}
	if portfolioValue <= 0 {
		return nil, &domain.DataError{
			Op:  "total cost",
			Msg: fmt.Sprintf("portfolio value must be positive, got %g", portfolioValue),
		}
	}

	breakdown := &Breakdown{}
	for i := range current {
		tradeSize := math.Abs(target[i]-current[i]) * portfolioValue
		if tradeSize == 0 {
			continue
		}

		commission := m.params.FixedCommission + tradeSize*m.params.VariableCommission
		impact, err := m.ImpactWithDecay(tradeSize, adv[i])
		if err != nil {
			return nil, wrapAssetIndex(err, i)
		}
		slippage, err := m.EstimateSlippage(tradeSize, adv[i])
		if err != nil {
			return nil, wrapAssetIndex(err, i)
		}

		breakdown.Assets = append(breakdown.Assets, AssetCost{
			Index:      i,
			TradeValue: tradeSize,
			Commission: commission,
			Impact:     impact,
			Slippage:   slippage,
		})
		breakdown.Commission += commission
		breakdown.Impact += impact
		breakdown.Slippage += slippage
		breakdown.Total += commission + impact + slippage
	}
	return breakdown, nil
}

// TotalCost prices the transition from current to target weights.
func (m *Model) TotalCost(current, target []float64, portfolioValue float64, adv []float64) (float64, error) {
	breakdown, err := m.EstimateBreakdown(current, target, portfolioValue, adv)
	if err != nil {
		return 0, err
	}
	return breakdown.Total, nil
}

// EstimateMarketImpact combines a linear and a 1.5-power term in the
// participation rate. A nonzero trade against non-positive volume is a
// configuration fault, never silently zero.
func (m *Model) EstimateMarketImpact(tradeSize, avgVolume float64) (float64, error) {
	if tradeSize == 0 {
		return 0, nil
	}
	if avgVolume <= 0 {
		return 0, &domain.ConfigurationError{
			Field: "averageDailyVolume",
			Msg:   fmt.Sprintf("must be positive for a nonzero trade, got %g", avgVolume),
		}
	}
	p := tradeSize / avgVolume
	return m.params.ImpactCoeff*p + m.params.ImpactCoeff*math.Pow(p, 1.5), nil
}

// ImpactWithDecay splits the trade evenly across the execution horizon
// and discounts each day's impact by exp(-decayRate·day).
func (m *Model) ImpactWithDecay(tradeSize, avgVolume float64) (float64, error) {
	daily := tradeSize / float64(m.params.DaysToExecute)
	var impact float64
	for day := 0; day < m.params.DaysToExecute; day++ {
		base, err := m.EstimateMarketImpact(daily, avgVolume)
		if err != nil {
			return 0, err
		}
		impact += base * math.Exp(-m.params.DecayRate*float64(day))
	}
	return impact, nil
}

// EstimateSlippage prices slippage from the participation rate, using
// the square-root model by default or the linear model when configured.
func (m *Model) EstimateSlippage(tradeSize, avgVolume float64) (float64, error) {
	if tradeSize == 0 {
		return 0, nil
	}
	if avgVolume <= 0 {
		return 0, &domain.ConfigurationError{
			Field: "averageDailyVolume",
			Msg:   fmt.Sprintf("must be positive for a nonzero trade, got %g", avgVolume),
		}
	}
	p := tradeSize / avgVolume
	if m.params.SlippageModel == SlippageLinear {
		return m.params.SlippageCoeff * p, nil
	}
	return m.params.SlippageCoeff * math.Sqrt(p), nil
}

// Turnover is the one-way trading activity between two weight vectors.
func Turnover(old, new []float64) float64 {
	var sum float64
	for i := range old {
		sum += math.Abs(new[i] - old[i])
	}
	return sum / 2
}

// ShouldCommit is the rebalance decision gate: commit only when the
// estimated cost is strictly below the expected gain from switching.
func ShouldCommit(totalCost, expectedGain float64) bool {
	return totalCost < expectedGain
}

func wrapAssetIndex(err error, i int) error {
	var cfgErr *domain.ConfigurationError
	if errors.As(err, &cfgErr) {
		return &domain.ConfigurationError{
			Field: cfgErr.Field,
			Msg:   fmt.Sprintf("asset %d: %s", i, cfgErr.Msg),
		}
	}
	return err
}
