// Package main is the ballast command line runner. It imports return
// and metadata CSVs into the market database, replays the full
// rebalancing backtest, prints summary tables and writes the report
// artifacts (CSV, XLSX, PNG charts) under the data directory.
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ballastlab/ballast/internal/config"
	"github.com/ballastlab/ballast/internal/database"
	"github.com/ballastlab/ballast/internal/domain"
	"github.com/ballastlab/ballast/internal/modules/attribution"
	"github.com/ballastlab/ballast/internal/modules/constraints"
	"github.com/ballastlab/ballast/internal/modules/costs"
	"github.com/ballastlab/ballast/internal/modules/covariance"
	"github.com/ballastlab/ballast/internal/modules/dataset"
	"github.com/ballastlab/ballast/internal/modules/rebalance"
	"github.com/ballastlab/ballast/internal/modules/reporting"
	"github.com/ballastlab/ballast/internal/modules/riskmetrics"
	"github.com/ballastlab/ballast/internal/modules/solver"
	"github.com/ballastlab/ballast/internal/modules/stress"
	"github.com/ballastlab/ballast/pkg/logger"
)

const estimateCacheTTL = 24 * time.Hour

func main() {
	csvPath := flag.String("csv", "", "return or price matrix to import before running")
	metaPath := flag.String("meta", "", "per-asset sector and volume metadata, required with -csv")
	benchmark := flag.String("benchmark", "SPY", "benchmark column name in the import file")
	kind := flag.String("kind", string(dataset.KindReturns), "how import cells are read: returns or prices")
	importOnly := flag.Bool("import-only", false, "import the dataset and exit without running")
	consoleOnly := flag.Bool("console-only", false, "print tables only, skip report artifacts")
	runStress := flag.Bool("stress", false, "stress the final holdings under the scenario set")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})

	if *importOnly && *csvPath == "" {
		log.Fatal().Msg("Nothing to import, -import-only needs -csv")
	}

	marketDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "market.db"),
		Profile: database.ProfileStandard,
		Name:    "market",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open market database")
	}
	defer marketDB.Close()

	historyDB, err := database.New(database.Config{
		Path:    cfg.DatabasePath,
		Profile: database.ProfileHistory,
		Name:    "history",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history database")
	}
	defer historyDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer cacheDB.Close()

	for _, db := range []*database.DB{marketDB, historyDB, cacheDB} {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("database", db.Name()).Msg("Failed to migrate database")
		}
	}

	store := dataset.NewStore(marketDB.Conn(), log)

	var (
		series  *domain.ReturnSeries
		sectors map[string]string
		adv     []float64
	)
	if *csvPath != "" {
		if *metaPath == "" {
			log.Fatal().Msg("-meta is required when importing, the optimizer needs sectors and volumes")
		}
		series, err = dataset.LoadCSV(*csvPath, *benchmark, dataset.Kind(*kind))
		if err != nil {
			log.Fatal().Err(err).Str("path", *csvPath).Msg("Failed to load return series")
		}
		sectors, adv, err = dataset.LoadMetaCSV(*metaPath, series.Assets())
		if err != nil {
			log.Fatal().Err(err).Str("path", *metaPath).Msg("Failed to load asset metadata")
		}
		warnings, err := dataset.Validate(series)
		if err != nil {
			log.Fatal().Err(err).Msg("Dataset failed validation")
		}
		for _, warning := range warnings {
			log.Warn().Msg(warning)
		}
		if err := store.SaveSeries(series, sectors, adv); err != nil {
			log.Fatal().Err(err).Msg("Failed to store dataset")
		}
		log.Info().
			Int("assets", series.NumAssets()).
			Int("periods", series.Periods()).
			Msg("Dataset imported")
	} else {
		series, sectors, adv, err = store.LoadSeries()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load dataset, import one with -csv first")
		}
	}

	if *importOnly {
		return
	}

	estimator := covariance.NewCachedEstimator(
		covariance.NewEstimator(cfg.WindowSize),
		covariance.NewCache(cacheDB.Conn()),
		estimateCacheTTL,
	)
	enforcer := constraints.NewEnforcer(cfg.Limits.ToLimits())
	costModel, err := costs.NewModel(cfg.Costs.ToParameters())
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid cost model configuration")
	}
	refiner := solver.NewRefiner(
		cfg.Optimizer.RiskAversion,
		cfg.Optimizer.MaxIterations,
		cfg.Optimizer.ConvergenceTolerance,
	)

	machine, err := rebalance.NewRebalancer(
		series, sectors, adv,
		estimator, enforcer, costModel, refiner,
		cfg.ToRebalanceConfig(),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assemble the rebalancer")
	}

	riskEngine := riskmetrics.NewEngine(riskmetrics.Config{
		PeriodsPerYear:  252,
		RiskFreeRate:    cfg.Risk.RiskFreeRate,
		ConfidenceLevel: cfg.Risk.ConfidenceLevel,
		VaRHorizon:      cfg.Risk.VaRHorizon,
		TargetReturn:    cfg.Risk.TargetReturn,
	})

	history := rebalance.NewHistory(historyDB.Conn(), series.Assets(), log)
	engine := rebalance.NewService(machine, series, estimator, history, riskEngine, log)

	log.Info().Int("periods", series.Periods()).Msg("Running backtest")
	results, err := engine.RunAll()
	if err != nil {
		log.Fatal().Err(err).Msg("Backtest aborted")
	}

	var committed, rejected, failed int
	for _, result := range results {
		switch result.Cycle.Status {
		case rebalance.StatusCommitted:
			committed++
		case rebalance.StatusRejected:
			rejected++
		case rebalance.StatusFailed:
			failed++
		}
	}
	log.Info().
		Int("cycles", len(results)).
		Int("committed", committed).
		Int("rejected", rejected).
		Int("failed", failed).
		Msg("Backtest finished")

	console := reporting.NewConsole(os.Stdout)
	assets := series.Assets()
	weights := engine.CurrentWeights()

	if err := console.Weights(assets, sectors, weights); err != nil {
		log.Error().Err(err).Msg("Failed to print weights")
	}

	risk := finalRisk(engine, results, log)
	if risk != nil {
		console.Risk(risk)
	}

	records := cycleRecords(results)
	console.Cycles(records)

	if detail := lastCostDetail(results); detail != nil {
		if err := console.Costs(assets, detail); err != nil {
			log.Error().Err(err).Msg("Failed to print cost breakdown")
		}
	}

	if report, err := attribution.Analyze(series, sectors, weights, equalWeights(len(assets))); err != nil {
		log.Warn().Err(err).Msg("Attribution unavailable")
	} else {
		console.Attribution(report)
	}

	if *runStress {
		stressResults, err := runScenarios(cfg, series, weights, sectors, log)
		if err != nil {
			log.Error().Err(err).Msg("Stress run failed")
		} else {
			console.Stress(stressResults)
		}
	}

	console.Diagnostics(dataset.Diagnose(series))

	if *consoleOnly {
		return
	}

	reportsDir := filepath.Join(cfg.DataDir, "reports")
	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", reportsDir).Msg("Failed to create reports directory")
	}

	frontier, err := engine.CurrentFrontier(cfg.Optimizer.FrontierPoints)
	if err != nil {
		log.Warn().Err(err).Msg("Frontier unavailable")
	}

	if err := reporting.WriteWeightsCSV(filepath.Join(reportsDir, "weights.csv"), assets, weights); err != nil {
		log.Error().Err(err).Msg("Failed to write weights.csv")
	}
	if err := reporting.WriteFrontierCSV(filepath.Join(reportsDir, "frontier.csv"), frontier); err != nil {
		log.Error().Err(err).Msg("Failed to write frontier.csv")
	}
	if err := reporting.WriteCyclesCSV(filepath.Join(reportsDir, "cycles.csv"), records); err != nil {
		log.Error().Err(err).Msg("Failed to write cycles.csv")
	}
	if err := reporting.WriteWorkbook(filepath.Join(reportsDir, "ballast.xlsx"), reporting.WorkbookData{
		Assets:   assets,
		Sectors:  sectors,
		Weights:  weights,
		Frontier: frontier,
		Cycles:   records,
		Risk:     risk,
	}); err != nil {
		log.Error().Err(err).Msg("Failed to write ballast.xlsx")
	}

	writeChart := func(name string, render func() ([]byte, error)) {
		buf, err := render()
		if err != nil {
			log.Warn().Err(err).Str("chart", name).Msg("Chart skipped")
			return
		}
		if err := os.WriteFile(filepath.Join(reportsDir, name), buf, 0o644); err != nil {
			log.Error().Err(err).Str("chart", name).Msg("Failed to write chart")
		}
	}
	writeChart("frontier.png", func() ([]byte, error) {
		return reporting.FrontierChart(frontier)
	})
	writeChart("drawdown.png", func() ([]byte, error) {
		return reporting.DrawdownChart(series.Dates(), backtestReturns(series, results))
	})
	writeChart("weights.png", func() ([]byte, error) {
		dates, evolution := weightEvolution(len(assets), results)
		return reporting.WeightEvolutionChart(assets, dates, evolution)
	})

	log.Info().Str("dir", reportsDir).Msg("Report artifacts written")
}

// equalWeights builds the 1/n holding used as the backtest start and
// the attribution benchmark.
func equalWeights(n int) []float64 {
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1.0 / float64(n)
	}
	return weights
}

// finalRisk prefers the snapshot of the last trigger cycle and falls
// back to computing one on the final holdings.
func finalRisk(engine *rebalance.Service, results []*rebalance.CycleResult, log zerolog.Logger) *domain.PortfolioRisk {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Risk != nil {
			return results[i].Risk
		}
	}
	risk, err := engine.RiskFor(engine.CurrentWeights(), engine.Periods()-1)
	if err != nil {
		log.Warn().Err(err).Msg("Risk summary unavailable")
		return nil
	}
	return risk
}

func cycleRecords(results []*rebalance.CycleResult) []rebalance.CycleRecord {
	records := make([]rebalance.CycleRecord, len(results))
	for i, result := range results {
		records[i] = rebalance.CycleRecord{
			ID:           result.ID,
			PeriodIndex:  result.Cycle.PeriodIndex,
			TriggerDate:  result.Cycle.Date.Format("2006-01-02"),
			Status:       string(result.Cycle.Status),
			Reason:       result.Cycle.Reason,
			Turnover:     result.Cycle.Turnover,
			Cost:         result.Cycle.Cost,
			ExpectedGain: result.Cycle.ExpectedGain,
		}
	}
	return records
}

// lastCostDetail returns the itemized costs of the most recent priced
// cycle, nil when no trigger cycle got as far as pricing.
func lastCostDetail(results []*rebalance.CycleResult) *costs.Breakdown {
	for i := len(results) - 1; i >= 0; i-- {
		if detail := results[i].Cycle.CostDetail; detail != nil {
			return detail
		}
	}
	return nil
}

// backtestReturns replays the committed weight path over the series.
// Returns accrue to the weights held entering each period; a committed
// cycle switches the holdings at that period's close.
func backtestReturns(series *domain.ReturnSeries, results []*rebalance.CycleResult) []float64 {
	committedAt := make(map[int][]float64, len(results))
	for _, result := range results {
		if result.Cycle.Status == rebalance.StatusCommitted {
			committedAt[result.Cycle.PeriodIndex] = result.Cycle.Weights
		}
	}

	current := equalWeights(series.NumAssets())
	out := make([]float64, series.Periods())
	for t := 0; t < series.Periods(); t++ {
		var ret float64
		for j := range current {
			ret += current[j] * series.At(t, j)
		}
		out[t] = ret
		if next, ok := committedAt[t]; ok {
			current = next
		}
	}
	return out
}

// weightEvolution collects the post-decision holdings at each trigger
// cycle for the evolution chart.
func weightEvolution(n int, results []*rebalance.CycleResult) ([]time.Time, [][]float64) {
	evolution := make([][]float64, n)
	dates := make([]time.Time, 0, len(results))
	for _, result := range results {
		dates = append(dates, result.Cycle.Date)
		for j := 0; j < n; j++ {
			evolution[j] = append(evolution[j], result.Cycle.Weights[j])
		}
	}
	return dates, evolution
}

// runScenarios stresses the holdings over the trailing estimation
// window, preferring the configured scenario file over the presets.
func runScenarios(cfg *config.Config, series *domain.ReturnSeries, weights []float64, sectors map[string]string, log zerolog.Logger) ([]stress.Result, error) {
	scenarios := stress.Presets(sectors)
	if cfg.ScenarioFile != "" {
		loaded, err := stress.LoadScenarios(cfg.ScenarioFile)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.ScenarioFile).Msg("Scenario file unreadable, keeping presets")
		} else {
			scenarios = loaded
		}
	}

	start := series.Periods() - cfg.WindowSize
	if start < 0 {
		start = 0
	}
	window, err := series.Slice(start, series.Periods())
	if err != nil {
		return nil, err
	}

	engine := stress.NewEngine(stress.Config{
		ConfidenceLevel: cfg.Risk.ConfidenceLevel,
		PeriodsPerYear:  252,
	})
	return engine.Run(context.Background(), window, weights, scenarios)
}
