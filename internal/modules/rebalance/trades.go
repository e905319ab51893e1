package rebalance

import "math"

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Trade is one leg of a committed rebalance.
type Trade struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	WeightDelta float64 `json:"weight_delta"`
	Amount      float64 `json:"amount"`
}

// BuildTrades lists the per-asset moves from current to target weights.
// Deltas smaller than minTradeSize are dropped rather than traded.
func BuildTrades(current, target []float64, assets []string, portfolioValue, minTradeSize float64) []Trade {
	var trades []Trade
	for i := range current {
		delta := target[i] - current[i]
		if math.Abs(delta) < minTradeSize {
			continue
		}
		side := SideBuy
		if delta < 0 {
			side = SideSell
		}
		trades = append(trades, Trade{
			Symbol:      assets[i],
			Side:        side,
			WeightDelta: delta,
			Amount:      math.Abs(delta) * portfolioValue,
		})
	}
	return trades
}
