// Package rebalance drives the period loop: trigger detection, solve,
// enforce, cost gate, commit or reject, advance.
package rebalance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ballastlab/ballast/internal/domain"
	"github.com/ballastlab/ballast/internal/modules/constraints"
	"github.com/ballastlab/ballast/internal/modules/costs"
	"github.com/ballastlab/ballast/internal/modules/covariance"
	"github.com/ballastlab/ballast/internal/modules/solver"
)

// Objective names for the weight solve.
const (
	ObjectiveTracking = "tracking"
	ObjectiveUtility  = "utility"
)

// Machine lifecycle states. The per-step branch outcomes live in
// Cycle.Status.
type State string

const (
	StateInitialized State = "INITIALIZED"
	StateRunning     State = "RUNNING"
	StateTerminal    State = "TERMINAL"
)

// Status records how one period resolved.
type Status string

const (
	StatusNotDue    Status = "NOT_DUE"
	StatusCommitted Status = "COMMITTED"
	StatusRejected  Status = "REJECTED"
	StatusFailed    Status = "FAILED"
)

// Cycle is the outcome of one period step.
type Cycle struct {
	PeriodIndex  int              `json:"period_index"`
	Date         time.Time        `json:"date"`
	Status       Status           `json:"status"`
	Reason       string           `json:"reason,omitempty"`
	Proposed     []float64        `json:"proposed,omitempty"`
	Weights      []float64        `json:"weights"`
	Turnover     float64          `json:"turnover"`
	Cost         float64          `json:"cost"`
	CostDetail   *costs.Breakdown `json:"cost_detail,omitempty"`
	ExpectedGain float64          `json:"expected_gain"`
	Trades       []Trade          `json:"trades,omitempty"`
}

// EstimateProvider supplies window statistics per period.
type EstimateProvider interface {
	EstimateAt(series *domain.ReturnSeries, period int) (*covariance.Estimates, error)
	WindowSize() int
}

// Config carries the per-run optimizer settings.
type Config struct {
	TargetReturn         float64
	Objective            string
	RiskAversion         float64
	PortfolioValue       float64
	UseTransactionCosts  bool
	MaxTradingCost       float64
	MinTradeSize         float64
	UseSectorConstraints bool
}

// Rebalancer walks the date series period by period. Trigger periods are
// computed once at construction; each Step resolves exactly one period
// and advances regardless of outcome. The only mutable state is the
// committed weight vector and the period counter.
type Rebalancer struct {
	series    *domain.ReturnSeries
	sectorMap map[string]string
	adv       []float64
	estimator EstimateProvider
	enforcer  *constraints.Enforcer
	costModel *costs.Model
	refiner   *solver.Refiner
	cfg       Config

	triggers map[int]bool
	weights  []float64
	period   int
	state    State
}

// NewRebalancer validates the wiring and precomputes trigger periods.
// The starting portfolio is equal-weighted.
func NewRebalancer(
	series *domain.ReturnSeries,
	sectorMap map[string]string,
	adv []float64,
	estimator EstimateProvider,
	enforcer *constraints.Enforcer,
	costModel *costs.Model,
	refiner *solver.Refiner,
	cfg Config,
) (*Rebalancer, error) {
	if series.Periods() == 0 {
		return nil, &domain.DataError{Op: "rebalancer", Msg: "empty return series"}
	}
	if len(adv) != series.NumAssets() {
		return nil, &domain.DataError{
			Op:  "rebalancer",
			Msg: fmt.Sprintf("average volumes cover %d assets, series has %d", len(adv), series.NumAssets()),
		}
	}
	if cfg.Objective == "" {
		cfg.Objective = ObjectiveTracking
	}
	if cfg.Objective != ObjectiveTracking && cfg.Objective != ObjectiveUtility {
		return nil, &domain.ConfigurationError{
			Field: "objective",
			Msg:   fmt.Sprintf("must be %q or %q, got %q", ObjectiveTracking, ObjectiveUtility, cfg.Objective),
		}
	}
	if cfg.PortfolioValue <= 0 {
		return nil, &domain.ConfigurationError{
			Field: "portfolioValue",
			Msg:   fmt.Sprintf("must be positive, got %g", cfg.PortfolioValue),
		}
	}

	n := series.NumAssets()
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1 / float64(n)
	}

	triggers := make(map[int]bool)
	for _, idx := range TriggerPeriods(series.Dates()) {
		triggers[idx] = true
	}

	return &Rebalancer{
		series:    series,
		sectorMap: sectorMap,
		adv:       append([]float64(nil), adv...),
		estimator: estimator,
		enforcer:  enforcer,
		costModel: costModel,
		refiner:   refiner,
		cfg:       cfg,
		triggers:  triggers,
		weights:   weights,
		state:     StateInitialized,
	}, nil
}

// TriggerPeriods scans the date series once and returns the index of the
// first period of every month, including the very first date.
func TriggerPeriods(dates []time.Time) []int {
	var out []int
	var haveCurrent bool
	var curYear int
	var curMonth time.Month
	for i, d := range dates {
		if !haveCurrent || d.Year() != curYear || d.Month() != curMonth {
			out = append(out, i)
			curYear, curMonth = d.Year(), d.Month()
			haveCurrent = true
		}
	}
	return out
}

// State reports the machine lifecycle state.
func (r *Rebalancer) State() State { return r.state }

// Done reports whether the date series is exhausted.
func (r *Rebalancer) Done() bool { return r.period >= r.series.Periods() }

// CurrentPeriod returns the index of the next period to process.
func (r *Rebalancer) CurrentPeriod() int { return r.period }

// CurrentWeights returns a copy of the committed weight vector.
func (r *Rebalancer) CurrentWeights() []float64 {
	return domain.CloneWeights(r.weights)
}

// IsTrigger reports whether the period index starts a new month.
func (r *Rebalancer) IsTrigger(period int) bool { return r.triggers[period] }

// Step resolves the current period: on a trigger date it solves,
// enforces, prices and gates the proposed weights; otherwise it records
// NOT_DUE. The period counter always advances. Solver, enforcement and
// cost failures resolve the period as FAILED with prior weights
// retained; only broken wiring surfaces as an error.
func (r *Rebalancer) Step() (*Cycle, error) {
	if r.Done() {
		r.state = StateTerminal
		return nil, &domain.DataError{Op: "rebalance step", Msg: "date series exhausted"}
	}
	r.state = StateRunning

	period := r.period
	cycle := &Cycle{
		PeriodIndex: period,
		Date:        r.series.Dates()[period],
		Weights:     domain.CloneWeights(r.weights),
	}

	defer func() {
		r.period++
		if r.period >= r.series.Periods() {
			r.state = StateTerminal
		}
	}()

	if !r.triggers[period] {
		cycle.Status = StatusNotDue
		return cycle, nil
	}

	if err := r.optimize(period, cycle); err != nil {
		if recoverable(err) {
			cycle.Status = StatusFailed
			cycle.Reason = err.Error()
			return cycle, nil
		}
		return nil, err
	}
	return cycle, nil
}

// Run steps through every remaining period.
func (r *Rebalancer) Run() ([]*Cycle, error) {
	var cycles []*Cycle
	for !r.Done() {
		cycle, err := r.Step()
		if err != nil {
			return cycles, err
		}
		cycles = append(cycles, cycle)
	}
	return cycles, nil
}

// Propose runs the full optimization pipeline at period against the
// committed weights and reports the outcome without committing it or
// advancing the machine. period -1 targets the final period of the
// series. The status tells how a trigger at that period would resolve;
// Weights keeps the committed vector either way.
func (r *Rebalancer) Propose(period int) (*Cycle, error) {
	if period == -1 {
		period = r.series.Periods() - 1
	}
	if period < 0 || period >= r.series.Periods() {
		return nil, &domain.DataError{
			Op:  "propose",
			Msg: fmt.Sprintf("period %d outside series of %d", period, r.series.Periods()),
		}
	}

	cycle := &Cycle{
		PeriodIndex: period,
		Date:        r.series.Dates()[period],
		Weights:     domain.CloneWeights(r.weights),
	}
	if err := r.evaluate(period, cycle); err != nil {
		if recoverable(err) {
			cycle.Status = StatusFailed
			cycle.Reason = err.Error()
			return cycle, nil
		}
		return nil, err
	}
	if cycle.Status == "" {
		cycle.Status = StatusCommitted
	}
	return cycle, nil
}

// optimize runs the DUE branch and commits a gate-passing outcome.
func (r *Rebalancer) optimize(period int, cycle *Cycle) error {
	if err := r.evaluate(period, cycle); err != nil {
		return err
	}
	if cycle.Status == StatusRejected {
		return nil
	}
	r.weights = domain.CloneWeights(cycle.Proposed)
	cycle.Weights = domain.CloneWeights(cycle.Proposed)
	cycle.Status = StatusCommitted
	return nil
}

// evaluate runs estimate, solve, enforce, price and gate for one period
// against the committed weights, filling the cycle without touching
// machine state. Gate failures set StatusRejected; a passing cycle gets
// its trade list and an empty status for the caller to resolve.
func (r *Rebalancer) evaluate(period int, cycle *Cycle) error {
	est, err := r.estimator.EstimateAt(r.series, period)
	if err != nil {
		return err
	}

	proposed, err := r.solve(est)
	if err != nil {
		return err
	}

	universe, err := r.buildUniverse(period, est)
	if err != nil {
		return err
	}

	enforced, err := r.enforcer.Enforce(proposed, r.weights, universe)
	if err != nil {
		var infeasible *domain.ConstraintInfeasibleError
		if errors.As(err, &infeasible) {
			return fmt.Errorf("enforcement after %d iterations: %s: %w",
				infeasible.Iterations, strings.Join(infeasible.Violations, "; "), err)
		}
		return err
	}
	cycle.Proposed = enforced

	expectedGain := excessGain(est.ExcessMu, r.weights, enforced)
	cycle.ExpectedGain = expectedGain
	cycle.Turnover = costs.Turnover(r.weights, enforced)

	breakdown, err := r.costModel.EstimateBreakdown(r.weights, enforced, r.cfg.PortfolioValue, r.adv)
	if err != nil {
		return err
	}
	costFraction := breakdown.Total / r.cfg.PortfolioValue
	cycle.Cost = costFraction
	cycle.CostDetail = breakdown

	if r.gate(cycle, costFraction, expectedGain) {
		cycle.Trades = BuildTrades(r.weights, enforced, r.series.Assets(), r.cfg.PortfolioValue, r.cfg.MinTradeSize)
	}
	return nil
}

// solve picks the configured objective: the tracking objective targets
// excess return against the excess covariance, the utility objective
// targets absolute return shifted by the benchmark mean and then refines
// toward maximum mean-variance utility.
func (r *Rebalancer) solve(est *covariance.Estimates) ([]float64, error) {
	if r.cfg.Objective == ObjectiveUtility {
		sol, err := solver.Markowitz(est.Mu, est.Covariance, r.cfg.TargetReturn+est.BenchmarkMean)
		if err != nil {
			return nil, err
		}
		if r.refiner == nil {
			return sol.Weights, nil
		}
		return r.refiner.Refine(est.Mu, est.Covariance, sol.Weights)
	}

	sol, err := solver.Markowitz(est.ExcessMu, est.ExcessCovariance, r.cfg.TargetReturn)
	if err != nil {
		return nil, err
	}
	return sol.Weights, nil
}

// gate applies the transaction-cost decision. Returns true to commit.
func (r *Rebalancer) gate(cycle *Cycle, costFraction, expectedGain float64) bool {
	if !r.cfg.UseTransactionCosts {
		return true
	}
	if r.cfg.MaxTradingCost > 0 && costFraction > r.cfg.MaxTradingCost {
		cycle.Status = StatusRejected
		cycle.Reason = fmt.Sprintf("cost %.6f exceeds cap %.6f", costFraction, r.cfg.MaxTradingCost)
		return false
	}
	if !costs.ShouldCommit(costFraction, expectedGain) {
		cycle.Status = StatusRejected
		cycle.Reason = fmt.Sprintf("cost %.6f not below expected gain %.6f", costFraction, expectedGain)
		return false
	}
	return true
}

func (r *Rebalancer) buildUniverse(period int, est *covariance.Estimates) (*constraints.Universe, error) {
	start := period + 1 - r.estimator.WindowSize()
	if start < 0 {
		start = 0
	}
	window, benchmark, err := r.series.Window(start, period+1)
	if err != nil {
		return nil, err
	}

	sectorMap := r.sectorMap
	if !r.cfg.UseSectorConstraints {
		sectorMap = nil
	}
	return &constraints.Universe{
		Assets:           r.series.Assets(),
		Returns:          window,
		Benchmark:        benchmark,
		Covariance:       est.Covariance,
		ExcessCovariance: est.ExcessCovariance,
		SectorMap:        sectorMap,
		ADV:              r.adv,
	}, nil
}

// excessGain is the per-period expected excess return gained by moving
// from the old weights to the new ones.
func excessGain(excessMu, old, new []float64) float64 {
	var gain float64
	for i := range excessMu {
		gain += excessMu[i] * (new[i] - old[i])
	}
	return gain
}

// recoverable classifies cycle failures that retain prior weights and
// let the run continue: numerical solver trouble, infeasible
// constraints, and per-asset cost configuration faults. Anything else
// means broken wiring and aborts the run.
func recoverable(err error) bool {
	var numErr *domain.NumericalError
	var infeasible *domain.ConstraintInfeasibleError
	var cfgErr *domain.ConfigurationError
	return errors.As(err, &numErr) || errors.As(err, &infeasible) || errors.As(err, &cfgErr)
}
