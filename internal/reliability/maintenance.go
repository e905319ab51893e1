package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ballastlab/ballast/internal/database"
)

// MaintenanceJob keeps the database healthy between rebalance runs: an
// integrity check, a WAL checkpoint to stop sidecar growth and a VACUUM
// for profiles that reclaim space.
type MaintenanceJob struct {
	db  *database.DB
	log zerolog.Logger
}

// NewMaintenanceJob builds a maintenance job over db.
func NewMaintenanceJob(db *database.DB, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		db:  db,
		log: log.With().Str("job", "database_maintenance").Logger(),
	}
}

// Run executes one maintenance pass.
func (j *MaintenanceJob) Run() error {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := j.db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		j.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	// The history profile never auto-shrinks and its record is append-only,
	// so a VACUUM there would only rewrite the file.
	if j.db.Profile() != database.ProfileHistory {
		if err := j.db.Vacuum(); err != nil {
			j.log.Warn().Err(err).Msg("VACUUM failed")
		}
	}

	j.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Msg("Database maintenance completed")

	return nil
}

// Name returns the job name for the scheduler.
func (j *MaintenanceJob) Name() string {
	return "database_maintenance"
}
