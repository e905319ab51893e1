package rebalance

import (
	"github.com/rs/zerolog"

	"github.com/ballastlab/ballast/internal/domain"
	"github.com/ballastlab/ballast/internal/modules/riskmetrics"
	"github.com/ballastlab/ballast/internal/modules/solver"
)

// Service drives the rebalancing machine and layers persistence and risk
// reporting on top of it. The machine itself never touches the database;
// everything observable lives here.
type Service struct {
	machine   *Rebalancer
	series    *domain.ReturnSeries
	estimator EstimateProvider
	history   *History
	risk      *riskmetrics.Engine
	log       zerolog.Logger
}

// CycleResult pairs a resolved cycle with its persistence id and the risk
// snapshot computed on the post-decision weights.
type CycleResult struct {
	Cycle *Cycle               `json:"cycle"`
	ID    string               `json:"id,omitempty"`
	Risk  *domain.PortfolioRisk `json:"risk,omitempty"`
}

// NewService wires the machine to its observers. history may be nil to
// run without persistence.
func NewService(
	machine *Rebalancer,
	series *domain.ReturnSeries,
	estimator EstimateProvider,
	history *History,
	risk *riskmetrics.Engine,
	log zerolog.Logger,
) *Service {
	return &Service{
		machine:   machine,
		series:    series,
		estimator: estimator,
		history:   history,
		risk:      risk,
		log:       log.With().Str("service", "rebalance").Logger(),
	}
}

// State reports the machine state.
func (s *Service) State() State { return s.machine.State() }

// Done reports whether the date series is exhausted.
func (s *Service) Done() bool { return s.machine.Done() }

// CurrentWeights returns the committed weight vector.
func (s *Service) CurrentWeights() []float64 { return s.machine.CurrentWeights() }

// CurrentPeriod returns the index of the next period to process.
func (s *Service) CurrentPeriod() int { return s.machine.CurrentPeriod() }

// Periods returns the length of the date series.
func (s *Service) Periods() int { return s.series.Periods() }

// Assets returns the asset identifiers in weight order.
func (s *Service) Assets() []string { return s.series.Assets() }

// History exposes the cycle store for read-side consumers.
func (s *Service) History() *History { return s.history }

// StepOnce resolves the next period. Trigger cycles get a risk snapshot
// on the post-decision weights and a history row; risk failures degrade
// to a missing snapshot, persistence failures are returned.
func (s *Service) StepOnce() (*CycleResult, error) {
	cycle, err := s.machine.Step()
	if err != nil {
		return nil, err
	}

	result := &CycleResult{Cycle: cycle}
	if cycle.Status == StatusNotDue {
		return result, nil
	}

	risk, err := s.RiskFor(cycle.Weights, cycle.PeriodIndex)
	if err != nil {
		s.log.Warn().Err(err).
			Int("period", cycle.PeriodIndex).
			Msg("Risk snapshot unavailable for cycle")
	} else {
		result.Risk = risk
	}

	s.log.Info().
		Int("period", cycle.PeriodIndex).
		Str("date", cycle.Date.Format("2006-01-02")).
		Str("status", string(cycle.Status)).
		Str("reason", cycle.Reason).
		Float64("turnover", cycle.Turnover).
		Float64("cost", cycle.Cost).
		Msg("Rebalance cycle resolved")

	if s.history != nil {
		id, err := s.history.Record(cycle, result.Risk)
		if err != nil {
			return nil, err
		}
		result.ID = id
	}
	return result, nil
}

// Propose evaluates the optimization pipeline at period without touching
// machine state or the history. period -1 targets the final period of
// the series. Proposals that survive the pipeline get a risk snapshot on
// the proposed weights.
func (s *Service) Propose(period int) (*CycleResult, error) {
	cycle, err := s.machine.Propose(period)
	if err != nil {
		return nil, err
	}

	result := &CycleResult{Cycle: cycle}
	if cycle.Status == StatusFailed {
		return result, nil
	}

	weights := cycle.Proposed
	if len(weights) == 0 {
		weights = cycle.Weights
	}
	risk, err := s.RiskFor(weights, cycle.PeriodIndex)
	if err != nil {
		s.log.Warn().Err(err).
			Int("period", cycle.PeriodIndex).
			Msg("Risk snapshot unavailable for proposal")
	} else {
		result.Risk = risk
	}
	return result, nil
}

// RunAll steps through every remaining period and returns the trigger
// cycles in order.
func (s *Service) RunAll() ([]*CycleResult, error) {
	var results []*CycleResult
	for !s.machine.Done() {
		result, err := s.StepOnce()
		if err != nil {
			return results, err
		}
		if result.Cycle.Status != StatusNotDue {
			results = append(results, result)
		}
	}
	return results, nil
}

// RiskFor computes the risk record for a weight vector using the trailing
// estimation window ending at period.
func (s *Service) RiskFor(weights []float64, period int) (*domain.PortfolioRisk, error) {
	est, err := s.estimator.EstimateAt(s.series, period)
	if err != nil {
		return nil, err
	}
	start := period + 1 - s.estimator.WindowSize()
	if start < 0 {
		start = 0
	}
	window, err := s.series.Slice(start, period+1)
	if err != nil {
		return nil, err
	}
	return s.risk.Compute(weights, window, est.Covariance, est.ExcessCovariance)
}

// FrontierAt traces the efficient frontier from the estimates at period.
func (s *Service) FrontierAt(period, points int) ([]domain.FrontierPoint, error) {
	est, err := s.estimator.EstimateAt(s.series, period)
	if err != nil {
		return nil, err
	}
	return solver.Frontier(est.Mu, est.Covariance, points)
}

// CurrentFrontier traces the frontier at the latest resolvable period.
func (s *Service) CurrentFrontier(points int) ([]domain.FrontierPoint, error) {
	period := s.machine.CurrentPeriod()
	if period >= s.series.Periods() {
		period = s.series.Periods() - 1
	}
	return s.FrontierAt(period, points)
}
