package stress

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/ballastlab/ballast/internal/domain"
	"github.com/ballastlab/ballast/internal/modules/riskmetrics"
)

// Result is the portfolio record under one scenario.
type Result struct {
	Scenario             string  `json:"scenario"`
	PortfolioReturn      float64 `json:"portfolio_return"` // compounded over the stressed window
	MaxDrawdown          float64 `json:"max_drawdown"`
	DailyVolatility      float64 `json:"daily_volatility"`
	AnnualizedVolatility float64 `json:"annualized_volatility"`
	ValueAtRisk          float64 `json:"value_at_risk"`
	ExpectedShortfall    float64 `json:"expected_shortfall"`
}

// Config sets the reporting conventions, mirroring riskmetrics defaults.
type Config struct {
	ConfidenceLevel float64
	PeriodsPerYear  int
}

// Engine applies scenarios to a return window. Stateless and safe for
// concurrent use.
type Engine struct {
	confidence    float64
	annualization float64
}

// NewEngine builds an engine, defaulting to 95% confidence and 252
// periods per year when unset.
func NewEngine(cfg Config) *Engine {
	if cfg.ConfidenceLevel <= 0 || cfg.ConfidenceLevel >= 1 {
		cfg.ConfidenceLevel = 0.95
	}
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = 252
	}
	return &Engine{
		confidence:    cfg.ConfidenceLevel,
		annualization: math.Sqrt(float64(cfg.PeriodsPerYear)),
	}
}

// Run evaluates every scenario against the same window, one goroutine per
// scenario over scenario-private copies of the returns. Results keep the
// input order.
func (e *Engine) Run(ctx context.Context, series *domain.ReturnSeries, weights []float64, scenarios []Scenario) ([]Result, error) {
	if len(weights) != series.NumAssets() {
		return nil, &domain.DataError{
			Op:  "stress test",
			Msg: fmt.Sprintf("%d weights for %d assets", len(weights), series.NumAssets()),
		}
	}
	if len(scenarios) == 0 {
		return nil, &domain.ConfigurationError{Field: "scenarios", Msg: "no scenarios to run"}
	}
	for i := range scenarios {
		if err := scenarios[i].validate(); err != nil {
			return nil, fmt.Errorf("scenario %d: %w", i+1, err)
		}
	}

	results := make([]Result, len(scenarios))
	g, ctx := errgroup.WithContext(ctx)
	for i, scenario := range scenarios {
		i, scenario := i, scenario
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			result, err := e.runOne(series, weights, scenario.normalized())
			if err != nil {
				return fmt.Errorf("scenario %q: %w", scenario.Name, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) runOne(series *domain.ReturnSeries, weights []float64, scenario Scenario) (Result, error) {
	columns, err := stressedColumns(series, scenario)
	if err != nil {
		return Result{}, err
	}

	periods := series.Periods()
	portfolio := make([]float64, periods)
	for t := 0; t < periods; t++ {
		var r float64
		for j := range weights {
			r += weights[j] * columns[j][t]
		}
		portfolio[t] = r
	}

	vol, err := riskmetrics.SampleStdDev(portfolio)
	if err != nil {
		return Result{}, err
	}
	valueAtRisk, err := riskmetrics.HistoricalVaR(portfolio, e.confidence)
	if err != nil {
		return Result{}, err
	}
	shortfall, err := riskmetrics.ExpectedShortfall(portfolio, e.confidence)
	if err != nil {
		return Result{}, err
	}

	compound := 1.0
	for _, r := range portfolio {
		compound *= 1 + r
	}

	return Result{
		Scenario:             scenario.Name,
		PortfolioReturn:      compound - 1,
		MaxDrawdown:          riskmetrics.MaxDrawdown(portfolio),
		DailyVolatility:      vol,
		AnnualizedVolatility: vol * e.annualization,
		ValueAtRisk:          valueAtRisk,
		ExpectedShortfall:    shortfall,
	}, nil
}

// stressedColumns builds scenario-private per-asset return columns. The
// shift applies first, then dispersion scales around each shifted mean,
// then the correlation blend pulls the columns toward a common movement.
func stressedColumns(series *domain.ReturnSeries, scenario Scenario) ([][]float64, error) {
	assets := series.Assets()
	index := make(map[string]int, len(assets))
	for j, symbol := range assets {
		index[symbol] = j
	}
	for symbol := range scenario.AssetShocks {
		if _, ok := index[symbol]; !ok {
			return nil, &domain.DataError{
				Op:  "stress test",
				Msg: fmt.Sprintf("shock references unknown asset %s", symbol),
			}
		}
	}

	periods := series.Periods()
	columns := make([][]float64, len(assets))
	means := make([]float64, len(assets))
	for j, symbol := range assets {
		shift := scenario.MarketShock + scenario.AssetShocks[symbol]
		column := make([]float64, periods)
		for t := 0; t < periods; t++ {
			column[t] = series.At(t, j) + shift
		}
		mean := riskmetrics.Mean(column)
		for t := range column {
			column[t] = mean + scenario.VolatilityScale*(column[t]-mean)
		}
		columns[j] = column
		means[j] = mean
	}

	if scenario.CorrelationShift == 0 {
		return columns, nil
	}
	return blendCommon(columns, means, scenario.CorrelationShift)
}

// blendCommon moves every asset toward the cross-sectional average of the
// standardized deviations. At shift 1 all assets follow that common path
// exactly, scaled back to their own dispersion.
func blendCommon(columns [][]float64, means []float64, shift float64) ([][]float64, error) {
	periods := len(columns[0])
	stddevs := make([]float64, len(columns))
	for j, column := range columns {
		sd, err := riskmetrics.SampleStdDev(column)
		if err != nil {
			return nil, err
		}
		stddevs[j] = sd
	}

	common := make([]float64, periods)
	for t := 0; t < periods; t++ {
		var sum float64
		var n int
		for j, column := range columns {
			if stddevs[j] > 0 {
				sum += (column[t] - means[j]) / stddevs[j]
				n++
			}
		}
		if n > 0 {
			common[t] = sum / float64(n)
		}
	}
	if sd, err := riskmetrics.SampleStdDev(common); err == nil && sd > 0 {
		for t := range common {
			common[t] /= sd
		}
	}

	for j, column := range columns {
		for t := range column {
			deviation := column[t] - means[j]
			column[t] = means[j] + (1-shift)*deviation + shift*stddevs[j]*common[t]
		}
	}
	return columns, nil
}
