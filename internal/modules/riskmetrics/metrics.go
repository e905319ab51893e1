package riskmetrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/ballastlab/ballast/internal/domain"
)

// tradingDaysPerMonth converts daily volatility to the monthly figure.
const tradingDaysPerMonth = 21

// betaEpsilon is the smallest beta magnitude the Treynor ratio accepts.
const betaEpsilon = 1e-6

// Config sets the sampling and reporting conventions for an Engine.
// TargetReturn is the per-period minimum acceptable return used by the
// Sortino ratio.
type Config struct {
	PeriodsPerYear  int
	RiskFreeRate    float64
	ConfidenceLevel float64
	VaRHorizon      int
	TargetReturn    float64
}

// Engine computes the full risk record for a weight vector against a
// historical sample. All ratio computations fail explicitly instead of
// emitting Inf or NaN.
type Engine struct {
	periodsPerYear float64
	annualization  float64
	riskFree       float64
	confidence     float64
	varHorizon     float64
	target         float64
}

// NewEngine builds an engine, defaulting to 252 periods per year, 95%
// confidence and a one-period VaR horizon when unset.
func NewEngine(cfg Config) *Engine {
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = 252
	}
	if cfg.ConfidenceLevel <= 0 || cfg.ConfidenceLevel >= 1 {
		cfg.ConfidenceLevel = 0.95
	}
	if cfg.VaRHorizon < 1 {
		cfg.VaRHorizon = 1
	}
	return &Engine{
		periodsPerYear: float64(cfg.PeriodsPerYear),
		annualization:  math.Sqrt(float64(cfg.PeriodsPerYear)),
		riskFree:       cfg.RiskFreeRate,
		confidence:     cfg.ConfidenceLevel,
		varHorizon:     float64(cfg.VaRHorizon),
		target:         cfg.TargetReturn,
	}
}

// AnnualizedReturn compounds a per-period mean return over one year.
func (e *Engine) AnnualizedReturn(meanPerPeriod float64) float64 {
	return math.Pow(1+meanPerPeriod, e.periodsPerYear) - 1
}

// TrackingError annualizes the excess-covariance volatility of the
// weights: √(wᵗΣₑw · periodsPerYear).
func (e *Engine) TrackingError(weights []float64, excessCovariance *mat.SymDense) float64 {
	var v float64
	for i := range weights {
		for j := range weights {
			v += weights[i] * excessCovariance.At(i, j) * weights[j]
		}
	}
	return math.Sqrt(math.Max(v, 0) * e.periodsPerYear)
}

// Sharpe is (annualizedReturn - riskFree) / annualizedVol.
func (e *Engine) Sharpe(annualizedReturn, annualizedVol float64) (float64, error) {
	if annualizedVol <= 0 {
		return 0, &domain.NumericalError{Op: "sharpe ratio", Msg: "volatility must be positive"}
	}
	return (annualizedReturn - e.riskFree) / annualizedVol, nil
}

// Sortino divides mean return above the target by the downside
// deviation. Fails when no observation falls below the target.
func (e *Engine) Sortino(portfolioReturns []float64) (float64, error) {
	dd := DownsideDeviation(portfolioReturns, e.target)
	if dd <= 0 {
		return 0, &domain.NumericalError{Op: "sortino ratio", Msg: "downside deviation must be positive"}
	}
	return (Mean(portfolioReturns) - e.target) / dd, nil
}

// Treynor is (annualizedReturn - riskFree) / beta. Fails when beta is
// within betaEpsilon of zero.
func (e *Engine) Treynor(annualizedReturn, beta float64) (float64, error) {
	if math.Abs(beta) < betaEpsilon {
		return 0, &domain.NumericalError{Op: "treynor ratio", Msg: "beta too close to zero"}
	}
	return (annualizedReturn - e.riskFree) / beta, nil
}

// InformationRatio annualizes the mean excess return and divides by the
// annualized tracking error.
func (e *Engine) InformationRatio(meanExcessPerPeriod, trackingError float64) (float64, error) {
	if trackingError <= 0 {
		return 0, &domain.NumericalError{Op: "information ratio", Msg: "tracking error must be positive"}
	}
	return meanExcessPerPeriod * e.periodsPerYear / trackingError, nil
}

// Alpha is the annualized return in excess of the CAPM expectation at the
// portfolio's beta.
func (e *Engine) Alpha(annualizedReturn, annualizedBenchmark, beta float64) float64 {
	return annualizedReturn - (e.riskFree + beta*(annualizedBenchmark-e.riskFree))
}

// Compute derives the full risk record for the weights against the
// series and the covariance estimates for the same window ordering.
func (e *Engine) Compute(
	weights []float64,
	series *domain.ReturnSeries,
	cov *mat.SymDense,
	excessCov *mat.SymDense,
) (*domain.PortfolioRisk, error) {
	if r, _ := cov.Dims(); r != len(weights) {
		return nil, &domain.DataError{
			Op:  "risk metrics",
			Msg: fmt.Sprintf("covariance is %dx%d but portfolio has %d assets", r, r, len(weights)),
		}
	}
	if r, _ := excessCov.Dims(); r != len(weights) {
		return nil, &domain.DataError{
			Op:  "risk metrics",
			Msg: fmt.Sprintf("excess covariance is %dx%d but portfolio has %d assets", r, r, len(weights)),
		}
	}

	portfolioReturns, err := series.PortfolioReturns(weights, 0, series.Periods())
	if err != nil {
		return nil, err
	}
	benchmark := series.Benchmark()

	dailyVol := PortfolioVolatility(weights, cov)
	trackingError := e.TrackingError(weights, excessCov)

	meanDaily := Mean(portfolioReturns)
	annualizedReturn := e.AnnualizedReturn(meanDaily)
	annualizedBenchmark := e.AnnualizedReturn(Mean(benchmark))

	beta, err := Beta(portfolioReturns, benchmark)
	if err != nil {
		return nil, err
	}

	annualizedVol := dailyVol * e.annualization
	sharpe, err := e.Sharpe(annualizedReturn, annualizedVol)
	if err != nil {
		return nil, err
	}
	sortino, err := e.Sortino(portfolioReturns)
	if err != nil {
		return nil, err
	}
	treynor, err := e.Treynor(annualizedReturn, beta)
	if err != nil {
		return nil, err
	}

	excess := make([]float64, len(portfolioReturns))
	for i := range portfolioReturns {
		excess[i] = portfolioReturns[i] - benchmark[i]
	}
	infoRatio, err := e.InformationRatio(Mean(excess), trackingError)
	if err != nil {
		return nil, err
	}

	valueAtRisk, err := HistoricalVaR(portfolioReturns, e.confidence)
	if err != nil {
		return nil, err
	}
	shortfall, err := ExpectedShortfall(portfolioReturns, e.confidence)
	if err != nil {
		return nil, err
	}
	horizonScale := math.Sqrt(e.varHorizon)

	return &domain.PortfolioRisk{
		DailyVolatility:      dailyVol,
		MonthlyVolatility:    dailyVol * math.Sqrt(tradingDaysPerMonth),
		AnnualizedVolatility: annualizedVol,
		AnnualizedReturn:     annualizedReturn,
		TrackingError:        trackingError,
		Beta:                 beta,
		Alpha:                e.Alpha(annualizedReturn, annualizedBenchmark, beta),
		SharpeRatio:          sharpe,
		SortinoRatio:         sortino,
		TreynorRatio:         treynor,
		InformationRatio:     infoRatio,
		MaxDrawdown:          MaxDrawdown(portfolioReturns),
		ValueAtRisk:          valueAtRisk * horizonScale,
		ExpectedShortfall:    shortfall * horizonScale,
	}, nil
}

// FactorExposures regresses the portfolio return series on each named
// factor series, returning the beta per factor.
func (e *Engine) FactorExposures(
	weights []float64,
	series *domain.ReturnSeries,
	factors map[string][]float64,
) (map[string]float64, error) {
	portfolioReturns, err := series.PortfolioReturns(weights, 0, series.Periods())
	if err != nil {
		return nil, err
	}

	exposures := make(map[string]float64, len(factors))
	for name, factor := range factors {
		if len(factor) != len(portfolioReturns) {
			return nil, &domain.DataError{
				Op:  "factor exposures",
				Msg: fmt.Sprintf("factor %q has %d observations, sample has %d", name, len(factor), len(portfolioReturns)),
			}
		}
		b, err := Beta(portfolioReturns, factor)
		if err != nil {
			return nil, err
		}
		exposures[name] = b
	}
	return exposures, nil
}
