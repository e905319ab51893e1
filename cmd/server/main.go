// Package main is the entry point for the Ballast rebalancing service.
// It loads the stored dataset, assembles the optimization pipeline and
// serves the HTTP API, with cron jobs for periodic re-optimization,
// nightly cloud backups and database maintenance.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ballastlab/ballast/internal/config"
	"github.com/ballastlab/ballast/internal/database"
	"github.com/ballastlab/ballast/internal/modules/constraints"
	"github.com/ballastlab/ballast/internal/modules/costs"
	"github.com/ballastlab/ballast/internal/modules/covariance"
	"github.com/ballastlab/ballast/internal/modules/dataset"
	"github.com/ballastlab/ballast/internal/modules/rebalance"
	"github.com/ballastlab/ballast/internal/modules/riskmetrics"
	"github.com/ballastlab/ballast/internal/modules/solver"
	"github.com/ballastlab/ballast/internal/modules/stress"
	"github.com/ballastlab/ballast/internal/reliability"
	"github.com/ballastlab/ballast/internal/scheduler"
	"github.com/ballastlab/ballast/internal/server"
	"github.com/ballastlab/ballast/pkg/logger"
)

const (
	// Step one period after the close on weekdays.
	rebalanceSchedule = "0 30 17 * * MON-FRI"
	// Nightly backup upload, then retention sweep.
	backupSchedule = "0 0 2 * * *"
	// Cache checkpoint and vacuum.
	maintenanceSchedule = "0 0 3 * * *"

	backupRetentionDays = 30
	estimateCacheTTL    = 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting Ballast")

	// Three databases: the validated input universe, the append-only
	// rebalance record, and the ephemeral covariance cache.
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

	// The server optimizes against the stored dataset; import one with
	// the ballast CLI before starting.
	store := dataset.NewStore(marketDB.Conn(), log)
	series, sectors, adv, err := store.LoadSeries()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load dataset")
	}
	log.Info().
		Int("assets", series.NumAssets()).
		Int("periods", series.Periods()).
		Msg("Dataset loaded")

	// Estimation and optimization pipeline.
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

	stressEngine := stress.NewEngine(stress.Config{
		ConfidenceLevel: cfg.Risk.ConfidenceLevel,
		PeriodsPerYear:  252,
	})

	// Cloud backups switch on only when credentials are configured.
	var backups *reliability.Service
	if cfg.Backup.Enabled() {
		objectStore, err := reliability.NewObjectStore(context.Background(), cfg.Backup, log)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize backup storage, backups disabled")
		} else {
			backups = reliability.NewService(objectStore, historyDB, cfg.DataDir, log)
			log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Cloud backups enabled")
		}
	}

	srv := server.New(server.Config{
		Log:     log,
		Cfg:     cfg,
		DB:      historyDB,
		Engine:  engine,
		Series:  series,
		Sectors: sectors,
		Stress:  stressEngine,
		Backups: backups,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started")

	// Background jobs.
	sched := scheduler.New(log)
	if err := sched.AddJob(rebalanceSchedule, scheduler.NewRebalanceStepJob(engine, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register rebalance step job")
	}
	if err := sched.AddJob(maintenanceSchedule, reliability.NewMaintenanceJob(cacheDB, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register maintenance job")
	}
	if backups != nil {
		if err := sched.AddJob(backupSchedule, reliability.NewCloudBackupJob(backups, backupRetentionDays)); err != nil {
			log.Fatal().Err(err).Msg("Failed to register backup job")
		}
	}
	sched.Start()

	// Block until interrupted, then drain jobs and in-flight requests.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
