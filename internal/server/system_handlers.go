package server

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ballastlab/ballast/internal/database"
	"github.com/ballastlab/ballast/internal/modules/rebalance"
	"github.com/ballastlab/ballast/internal/reliability"
)

// engineStatus is the slice of the rebalance service the status
// endpoint reads.
type engineStatus interface {
	State() rebalance.State
	Done() bool
	CurrentPeriod() int
	Periods() int
	Assets() []string
}

// backupStore is what the backup endpoints need from the reliability
// layer.
type backupStore interface {
	List(ctx context.Context) ([]reliability.Info, error)
	CreateAndUpload(ctx context.Context) (string, error)
}

// SystemHandlers serves the monitoring and operations endpoints.
type SystemHandlers struct {
	log         zerolog.Logger
	startupTime time.Time
	db          *database.DB
	engine      engineStatus
	backups     backupStore
}

// NewSystemHandlers wires the system endpoints. A nil backups service
// disables the backup routes with a 503 rather than dropping them.
func NewSystemHandlers(log zerolog.Logger, db *database.DB, engine *rebalance.Service, backups *reliability.Service) *SystemHandlers {
	h := &SystemHandlers{
		log:         log.With().Str("component", "system_handlers").Logger(),
		startupTime: time.Now(),
		db:          db,
		engine:      engine,
	}
	if backups != nil {
		h.backups = backups
	}
	return h
}

// EngineStatus summarizes the rebalancing machine.
type EngineStatus struct {
	State         rebalance.State `json:"state"`
	Done          bool            `json:"done"`
	CurrentPeriod int             `json:"current_period"`
	Periods       int             `json:"periods"`
	Assets        int             `json:"assets"`
}

// DatabaseStatus summarizes the history database.
type DatabaseStatus struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Healthy   bool   `json:"healthy"`
}

// SystemStatusResponse is the payload of GET /api/system/status.
type SystemStatusResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	CPUPercent    float64        `json:"cpu_percent"`
	RAMPercent    float64        `json:"ram_percent"`
	Engine        EngineStatus   `json:"engine"`
	Database      DatabaseStatus `json:"database"`
}

// HandleSystemStatus reports process, machine and database health.
// GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting system status")

	cpuPercent, ramPercent := h.getSystemStats()

	response := SystemStatusResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.startupTime).Seconds()),
		CPUPercent:    cpuPercent,
		RAMPercent:    ramPercent,
		Engine: EngineStatus{
			State:         h.engine.State(),
			Done:          h.engine.Done(),
			CurrentPeriod: h.engine.CurrentPeriod(),
			Periods:       h.engine.Periods(),
			Assets:        len(h.engine.Assets()),
		},
	}

	if h.db != nil {
		status := DatabaseStatus{Path: h.db.Path(), Healthy: true}
		if err := h.db.HealthCheck(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("Database health check failed")
			status.Healthy = false
			response.Status = "degraded"
		}
		if info, err := os.Stat(h.db.Path()); err == nil {
			status.SizeBytes = info.Size()
		}
		response.Database = status
	}

	writeJSON(w, h.log, http.StatusOK, response)
}

// HandleListBackups lists the archives in the object store, newest
// first.
// GET /api/backups
func (h *SystemHandlers) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeJSON(w, h.log, http.StatusServiceUnavailable, errorBody("backup storage not configured"))
		return
	}

	backups, err := h.backups.List(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list backups")
		writeJSON(w, h.log, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}

	writeJSON(w, h.log, http.StatusOK, map[string]interface{}{
		"count":   len(backups),
		"backups": backups,
	})
}

// HandleTriggerBackup starts a backup upload in the background and
// returns immediately with the trigger id to follow in the logs.
// POST /api/backups
func (h *SystemHandlers) HandleTriggerBackup(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeJSON(w, h.log, http.StatusServiceUnavailable, errorBody("backup storage not configured"))
		return
	}

	triggerID := uuid.New().String()
	h.log.Info().Str("trigger_id", triggerID).Msg("Manual backup triggered")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		key, err := h.backups.CreateAndUpload(ctx)
		if err != nil {
			h.log.Error().Err(err).Str("trigger_id", triggerID).Msg("Manual backup failed")
			return
		}
		h.log.Info().Str("trigger_id", triggerID).Str("key", key).Msg("Manual backup uploaded")
	}()

	writeJSON(w, h.log, http.StatusAccepted, map[string]string{
		"status":     "started",
		"trigger_id": triggerID,
	})
}

// getSystemStats calculates CPU and RAM usage percentages
// Uses a shorter interval (100ms) for faster response while still providing accurate readings
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
