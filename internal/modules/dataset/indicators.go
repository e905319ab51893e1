package dataset

import (
	"math"

	"github.com/markcheno/go-talib"

	"github.com/ballastlab/ballast/internal/domain"
)

const (
	smaLength      = 20
	rsiLength      = 14
	momentumLength = 10
)

// Diagnostics summarizes one asset's recent behavior for reports. Nil
// fields mean the history is too short for that indicator.
type Diagnostics struct {
	Symbol   string   `json:"symbol"`
	SMATrend *float64 `json:"sma_trend,omitempty"` // distance of the index from its 20-period SMA
	RSI      *float64 `json:"rsi,omitempty"`
	Momentum *float64 `json:"momentum,omitempty"` // 10-period rate of change, percent
}

// Diagnose computes indicator diagnostics for every asset. Returns are
// compounded into a growth index so the price-based indicators apply.
func Diagnose(series *domain.ReturnSeries) []Diagnostics {
	out := make([]Diagnostics, series.NumAssets())
	for j, symbol := range series.Assets() {
		index := growthIndex(series.AssetReturns(j))
		out[j] = Diagnostics{
			Symbol:   symbol,
			SMATrend: smaTrend(index),
			RSI:      rsi(index),
			Momentum: momentum(index),
		}
	}
	return out
}

// growthIndex compounds fractional returns into a price-like series
// starting at 100.
func growthIndex(returns []float64) []float64 {
	index := make([]float64, len(returns)+1)
	index[0] = 100
	for i, r := range returns {
		index[i+1] = index[i] * (1 + r)
	}
	return index
}

func smaTrend(index []float64) *float64 {
	if len(index) < smaLength {
		return nil
	}
	sma := talib.Sma(index, smaLength)
	last := lastValid(sma)
	if last == nil || *last == 0 {
		return nil
	}
	trend := (index[len(index)-1] - *last) / *last
	return &trend
}

func rsi(index []float64) *float64 {
	if len(index) < rsiLength+1 {
		return nil
	}
	return lastValid(talib.Rsi(index, rsiLength))
}

func momentum(index []float64) *float64 {
	if len(index) < momentumLength+1 {
		return nil
	}
	return lastValid(talib.Roc(index, momentumLength))
}

func lastValid(xs []float64) *float64 {
	if len(xs) == 0 {
		return nil
	}
	v := xs[len(xs)-1]
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
