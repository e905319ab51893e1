package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ballastlab/ballast/internal/config"
	"github.com/ballastlab/ballast/internal/domain"
	"github.com/ballastlab/ballast/internal/modules/covariance"
	"github.com/ballastlab/ballast/internal/modules/dataset"
	"github.com/ballastlab/ballast/internal/modules/rebalance"
	"github.com/ballastlab/ballast/internal/modules/stress"
)

// rebalanceEngine is the slice of the rebalance service the API handlers
// consume.
type rebalanceEngine interface {
	Assets() []string
	CurrentWeights() []float64
	CurrentPeriod() int
	Periods() int
	Propose(period int) (*rebalance.CycleResult, error)
	RiskFor(weights []float64, period int) (*domain.PortfolioRisk, error)
	FrontierAt(period, points int) ([]domain.FrontierPoint, error)
	History() *rebalance.History
}

// PortfolioHandlers serves the optimization and analytics endpoints.
type PortfolioHandlers struct {
	engine         rebalanceEngine
	stress         *stress.Engine
	series         *domain.ReturnSeries
	presets        []stress.Scenario
	window         int
	frontierPoints int
	decayFactor    float64
	log            zerolog.Logger
}

// NewPortfolioHandlers prepares the API handlers. Stress requests with
// no scenarios of their own fall back to the scenario file when one is
// configured, else to the built-in presets.
func NewPortfolioHandlers(
	engine *rebalance.Service,
	stressEngine *stress.Engine,
	series *domain.ReturnSeries,
	sectors map[string]string,
	cfg *config.Config,
	log zerolog.Logger,
) *PortfolioHandlers {
	h := &PortfolioHandlers{
		engine:         engine,
		stress:         stressEngine,
		series:         series,
		presets:        stress.Presets(sectors),
		window:         cfg.WindowSize,
		frontierPoints: cfg.Optimizer.FrontierPoints,
		decayFactor:    cfg.Risk.DecayFactor,
		log:            log.With().Str("component", "api_handlers").Logger(),
	}
	if cfg.ScenarioFile != "" {
		loaded, err := stress.LoadScenarios(cfg.ScenarioFile)
		if err != nil {
			h.log.Warn().Err(err).Str("path", cfg.ScenarioFile).Msg("Scenario file unreadable, keeping presets")
		} else {
			h.presets = loaded
		}
	}
	return h
}

// OptimizeRequest is the body of POST /api/optimize. Period -1 or an
// absent body targets the final period of the series.
type OptimizeRequest struct {
	Period *int `json:"period"`
}

// OptimizeResponse pairs a proposal with the run id minted for it.
type OptimizeResponse struct {
	RunID  string                 `json:"run_id"`
	Assets []string               `json:"assets"`
	Result *rebalance.CycleResult `json:"result"`
}

// HandleOptimize runs one advisory optimization without committing it.
// POST /api/optimize
func (h *PortfolioHandlers) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, h.log, http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
		return
	}
	period := -1
	if req.Period != nil {
		period = *req.Period
	}

	runID := uuid.New().String()
	result, err := h.engine.Propose(period)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info().
		Str("run_id", runID).
		Int("period", result.Cycle.PeriodIndex).
		Str("status", string(result.Cycle.Status)).
		Msg("Optimization proposal resolved")

	writeJSON(w, h.log, http.StatusOK, OptimizeResponse{
		RunID:  runID,
		Assets: h.engine.Assets(),
		Result: result,
	})
}

// RiskResponse reports the risk record of the committed weights.
type RiskResponse struct {
	Period         int                   `json:"period"`
	Date           string                `json:"date"`
	Assets         []string              `json:"assets"`
	Weights        []float64             `json:"weights"`
	Risk           *domain.PortfolioRisk `json:"risk"`
	EWMAVolatility float64               `json:"ewma_volatility,omitempty"`
}

// HandleRisk computes the risk record for the committed weights on the
// trailing window ending at ?period (default: the final period).
// GET /api/risk
func (h *PortfolioHandlers) HandleRisk(w http.ResponseWriter, r *http.Request) {
	period := queryInt(r, "period", -1)
	if period < 0 {
		period = h.engine.Periods() - 1
	}

	weights := h.engine.CurrentWeights()
	risk, err := h.engine.RiskFor(weights, period)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	response := RiskResponse{
		Period:  period,
		Date:    h.series.Dates()[period].Format("2006-01-02"),
		Assets:  h.engine.Assets(),
		Weights: weights,
		Risk:    risk,
	}
	if ewma, err := h.ewmaVolatility(weights, period); err != nil {
		h.log.Warn().Err(err).Int("period", period).Msg("EWMA volatility unavailable")
	} else {
		response.EWMAVolatility = ewma
	}

	writeJSON(w, h.log, http.StatusOK, response)
}

// ewmaVolatility computes the exponentially weighted daily volatility of
// the given weights over the trailing window ending at period.
func (h *PortfolioHandlers) ewmaVolatility(weights []float64, period int) (float64, error) {
	start := period + 1 - h.window
	if start < 0 {
		start = 0
	}
	window, _, err := h.series.Window(start, period+1)
	if err != nil {
		return 0, err
	}
	sigma, err := covariance.Exponential(window, h.decayFactor)
	if err != nil {
		return 0, err
	}

	var variance float64
	for i := range weights {
		for j := range weights {
			variance += weights[i] * sigma.At(i, j) * weights[j]
		}
	}
	return math.Sqrt(variance), nil
}

// FrontierResponse carries a traced efficient frontier.
type FrontierResponse struct {
	Period int                    `json:"period"`
	Points []domain.FrontierPoint `json:"points"`
}

// HandleFrontier traces the efficient frontier from the estimates at
// ?period (default: the final period) with ?points targets.
// GET /api/frontier
func (h *PortfolioHandlers) HandleFrontier(w http.ResponseWriter, r *http.Request) {
	period := queryInt(r, "period", -1)
	if period < 0 {
		period = h.engine.Periods() - 1
	}
	points := queryInt(r, "points", h.frontierPoints)

	frontier, err := h.engine.FrontierAt(period, points)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, FrontierResponse{Period: period, Points: frontier})
}

// StressRequest optionally overrides the configured scenario set.
type StressRequest struct {
	Scenarios []stress.Scenario `json:"scenarios"`
}

// StressResponse reports per-scenario portfolio figures.
type StressResponse struct {
	Window    int             `json:"window"`
	Scenarios int             `json:"scenarios"`
	Results   []stress.Result `json:"results"`
}

// HandleStress runs shock scenarios against the committed weights over
// the trailing estimation window.
// POST /api/stress
func (h *PortfolioHandlers) HandleStress(w http.ResponseWriter, r *http.Request) {
	var req StressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, h.log, http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
		return
	}
	scenarios := req.Scenarios
	if len(scenarios) == 0 {
		scenarios = h.presets
	}

	start := h.series.Periods() - h.window
	if start < 0 {
		start = 0
	}
	window, err := h.series.Slice(start, h.series.Periods())
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	results, err := h.stress.Run(r.Context(), window, h.engine.CurrentWeights(), scenarios)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, h.log, http.StatusOK, StressResponse{
		Window:    window.Periods(),
		Scenarios: len(scenarios),
		Results:   results,
	})
}

// HandleDiagnostics reports per-asset indicator diagnostics.
// GET /api/diagnostics
func (h *PortfolioHandlers) HandleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.log, http.StatusOK, map[string]interface{}{
		"diagnostics": dataset.Diagnose(h.series),
	})
}

// HandleHistory lists recorded cycles, newest first.
// GET /api/rebalance/history
func (h *PortfolioHandlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	history := h.engine.History()
	if history == nil {
		writeJSON(w, h.log, http.StatusServiceUnavailable, errorBody("cycle history not configured"))
		return
	}

	limit := queryInt(r, "limit", 50)
	records, err := history.Cycles(limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]interface{}{
		"count":  len(records),
		"cycles": records,
	})
}

// LatestResponse is the most recent committed cycle with its recorded
// weights and trades.
type LatestResponse struct {
	Cycle   *rebalance.CycleRecord `json:"cycle"`
	Weights map[string]float64     `json:"weights"`
	Trades  []rebalance.Trade      `json:"trades"`
}

// HandleLatest returns the most recent committed cycle.
// GET /api/rebalance/latest
func (h *PortfolioHandlers) HandleLatest(w http.ResponseWriter, r *http.Request) {
	history := h.engine.History()
	if history == nil {
		writeJSON(w, h.log, http.StatusServiceUnavailable, errorBody("cycle history not configured"))
		return
	}

	record, err := history.LatestCommitted()
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if record == nil {
		writeJSON(w, h.log, http.StatusNotFound, errorBody("no committed cycle yet"))
		return
	}

	weights, err := history.CycleWeights(record.ID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	trades, err := history.TradesFor(record.ID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, h.log, http.StatusOK, LatestResponse{Cycle: record, Weights: weights, Trades: trades})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"version": "1.0.0",
		"service": "ballast",
	}
	writeJSON(w, s.log, http.StatusOK, response)
}

// queryInt reads an integer query parameter, falling back on absence or
// garbage.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, log zerolog.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps an engine error onto a status code. Bad inputs and
// configuration faults are the caller's problem; everything else is
// ours.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := http.StatusInternalServerError
	var dataErr *domain.DataError
	var cfgErr *domain.ConfigurationError
	if errors.As(err, &dataErr) || errors.As(err, &cfgErr) {
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, log, status, errorBody(err.Error()))
}
