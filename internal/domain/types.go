package domain

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// ReturnSeries is the immutable periods-by-assets matrix of fractional
// returns with a parallel benchmark column. It is created once by the data
// provider and read-only thereafter; accessors return copies so callers
// cannot mutate the backing storage.
type ReturnSeries struct {
	assets    []string
	dates     []time.Time
	returns   *mat.Dense // periods x assets
	benchmark []float64  // periods
}

// NewReturnSeries validates dimensions and builds an immutable series.
// dates, returns rows and benchmark entries must all cover the same periods,
// and the return matrix must have one column per asset.
func NewReturnSeries(assets []string, dates []time.Time, returns *mat.Dense, benchmark []float64) (*ReturnSeries, error) {
	periods, cols := returns.Dims()
	if len(assets) == 0 {
		return nil, &DataError{Op: "return series", Msg: "no assets"}
	}
	if cols != len(assets) {
		return nil, &DataError{Op: "return series", Msg: "asset count does not match return columns"}
	}
	if len(dates) != periods {
		return nil, &DataError{Op: "return series", Msg: "date count does not match return rows"}
	}
	if len(benchmark) != periods {
		return nil, &DataError{Op: "return series", Msg: "benchmark length does not match return rows"}
	}
	for i := 0; i < periods; i++ {
		if math.IsNaN(benchmark[i]) || math.IsInf(benchmark[i], 0) {
			return nil, &DataError{Op: "return series", Msg: "benchmark contains NaN or Inf"}
		}
		for j := 0; j < cols; j++ {
			v := returns.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &DataError{Op: "return series", Msg: "returns contain NaN or Inf"}
			}
		}
	}

	r := mat.NewDense(periods, cols, nil)
	r.Copy(returns)
	return &ReturnSeries{
		assets:    append([]string(nil), assets...),
		dates:     append([]time.Time(nil), dates...),
		returns:   r,
		benchmark: append([]float64(nil), benchmark...),
	}, nil
}

// Periods returns the number of observation periods.
func (s *ReturnSeries) Periods() int { return len(s.dates) }

// NumAssets returns the number of assets.
func (s *ReturnSeries) NumAssets() int { return len(s.assets) }

// Assets returns a copy of the asset identifiers in column order.
func (s *ReturnSeries) Assets() []string {
	return append([]string(nil), s.assets...)
}

// Dates returns a copy of the ordered period dates.
func (s *ReturnSeries) Dates() []time.Time {
	return append([]time.Time(nil), s.dates...)
}

// At returns the return of asset j in period i.
func (s *ReturnSeries) At(i, j int) float64 { return s.returns.At(i, j) }

// BenchmarkAt returns the benchmark return in period i.
func (s *ReturnSeries) BenchmarkAt(i int) float64 { return s.benchmark[i] }

// Benchmark returns a copy of the full benchmark column.
func (s *ReturnSeries) Benchmark() []float64 {
	return append([]float64(nil), s.benchmark...)
}

// AssetReturns returns a copy of asset j's full return column.
func (s *ReturnSeries) AssetReturns(j int) []float64 {
	col := make([]float64, s.Periods())
	mat.Col(col, j, s.returns)
	return col
}

// Window returns a copy of the return rows in [start, end) together with the
// matching benchmark slice. The copy keeps pipeline stages from aliasing the
// shared history.
func (s *ReturnSeries) Window(start, end int) (*mat.Dense, []float64, error) {
	if start < 0 || end > s.Periods() || start >= end {
		return nil, nil, &DataError{Op: "window", Msg: "window bounds out of range"}
	}
	rows := end - start
	w := mat.NewDense(rows, s.NumAssets(), nil)
	w.Copy(s.returns.Slice(start, end, 0, s.NumAssets()))
	b := append([]float64(nil), s.benchmark[start:end]...)
	return w, b, nil
}

// Slice returns an independent sub-series covering periods [start, end).
func (s *ReturnSeries) Slice(start, end int) (*ReturnSeries, error) {
	if start < 0 || end > s.Periods() || start >= end {
		return nil, &DataError{Op: "slice", Msg: "slice bounds out of range"}
	}
	rows := end - start
	r := mat.NewDense(rows, s.NumAssets(), nil)
	r.Copy(s.returns.Slice(start, end, 0, s.NumAssets()))
	return &ReturnSeries{
		assets:    append([]string(nil), s.assets...),
		dates:     append([]time.Time(nil), s.dates[start:end]...),
		returns:   r,
		benchmark: append([]float64(nil), s.benchmark[start:end]...),
	}, nil
}

// PortfolioReturns collapses the window [start, end) to the weighted
// portfolio return per period.
func (s *ReturnSeries) PortfolioReturns(weights []float64, start, end int) ([]float64, error) {
	if len(weights) != s.NumAssets() {
		return nil, &DataError{Op: "portfolio returns", Msg: "weight length does not match assets"}
	}
	if start < 0 || end > s.Periods() || start >= end {
		return nil, &DataError{Op: "portfolio returns", Msg: "window bounds out of range"}
	}
	out := make([]float64, end-start)
	for i := start; i < end; i++ {
		var r float64
		for j := 0; j < s.NumAssets(); j++ {
			r += weights[j] * s.returns.At(i, j)
		}
		out[i-start] = r
	}
	return out, nil
}

// FrontierPoint is one solved point on the efficient frontier.
type FrontierPoint struct {
	TargetReturn   float64 `json:"target_return"`
	Risk           float64 `json:"risk"`
	AchievedReturn float64 `json:"achieved_return"`
}

// PortfolioRisk bundles the risk and performance figures computed for one
// weight vector against the historical sample. Recomputed fresh every cycle.
type PortfolioRisk struct {
	DailyVolatility      float64            `json:"daily_volatility"`
	MonthlyVolatility    float64            `json:"monthly_volatility"`
	AnnualizedVolatility float64            `json:"annualized_volatility"`
	AnnualizedReturn     float64            `json:"annualized_return"`
	TrackingError        float64            `json:"tracking_error"`
	Beta                 float64            `json:"beta"`
	Alpha                float64            `json:"alpha"`
	SharpeRatio          float64            `json:"sharpe_ratio"`
	SortinoRatio         float64            `json:"sortino_ratio"`
	TreynorRatio         float64            `json:"treynor_ratio"`
	InformationRatio     float64            `json:"information_ratio"`
	MaxDrawdown          float64            `json:"max_drawdown"`
	ValueAtRisk          float64            `json:"value_at_risk"`
	ExpectedShortfall    float64            `json:"expected_shortfall"`
	FactorExposures      map[string]float64 `json:"factor_exposures,omitempty"`
}

// CloneWeights returns an independent copy of a weight vector. Enforcement
// and cost stages compare against pre-adjustment vectors, so helpers must
// never hand out aliases.
func CloneWeights(w []float64) []float64 {
	return append([]float64(nil), w...)
}

// WeightSum returns the sum of a weight vector.
func WeightSum(w []float64) float64 {
	var sum float64
	for _, v := range w {
		sum += v
	}
	return sum
}
