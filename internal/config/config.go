// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ballastlab/ballast/internal/domain"
	"github.com/ballastlab/ballast/internal/modules/constraints"
	"github.com/ballastlab/ballast/internal/modules/costs"
	"github.com/ballastlab/ballast/internal/modules/rebalance"
	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir      string // Base directory for databases and reports (always absolute)
	DatabasePath string // SQLite database path (defaults to <DataDir>/ballast.db)
	LogLevel     string
	Port         int
	DevMode      bool
	WindowSize   int    // Trailing estimation window in trading days
	ScenarioFile string // Optional YAML stress-scenario definitions

	Optimizer OptimizerConfig
	Limits    LimitsConfig
	Costs     CostConfig
	Risk      RiskConfig
	Backup    BackupConfig
}

// OptimizerConfig holds mean-variance solver parameters
type OptimizerConfig struct {
	RiskAversion         float64
	TargetReturn         float64 // Daily target used when cost gating compares return pickup
	Objective            string  // "tracking" or "utility"
	PortfolioValue       float64 // Notional used to size trades in currency terms
	MaxIterations        int
	ConvergenceTolerance float64
	FrontierPoints       int
	UseTransactionCosts  bool
	UseSectorConstraints bool
	MaxTradingCost       float64 // Hard ceiling on per-cycle cost as a fraction of portfolio value
}

// ToRebalanceConfig assembles the rebalance engine configuration from the
// optimizer and limit sections.
func (c *Config) ToRebalanceConfig() rebalance.Config {
	return rebalance.Config{
		TargetReturn:         c.Optimizer.TargetReturn,
		Objective:            c.Optimizer.Objective,
		RiskAversion:         c.Optimizer.RiskAversion,
		PortfolioValue:       c.Optimizer.PortfolioValue,
		UseTransactionCosts:  c.Optimizer.UseTransactionCosts,
		MaxTradingCost:       c.Optimizer.MaxTradingCost,
		MinTradeSize:         c.Limits.MinTradeSize,
		UseSectorConstraints: c.Optimizer.UseSectorConstraints,
	}
}

// LimitsConfig holds portfolio constraint limits (config package version)
type LimitsConfig struct {
	MaxPositionSize   float64
	MinPositionSize   float64
	MaxShortPosition  float64
	MaxSectorExposure float64
	MaxVolatility     float64
	MaxTrackingError  float64
	MaxTurnover       float64
	MinLiquidity      float64
	MaxADVPercent     float64
	MinPositions      int
	MaxPositions      int
	MaxBetaDeviation  float64
	MinTradeSize      float64
}

// ToLimits converts config.LimitsConfig to constraints.Limits
func (c *LimitsConfig) ToLimits() constraints.Limits {
	return constraints.Limits{
		MaxPositionSize:   c.MaxPositionSize,
		MinPositionSize:   c.MinPositionSize,
		MaxShortPosition:  c.MaxShortPosition,
		MaxSectorExposure: c.MaxSectorExposure,
		MaxVolatility:     c.MaxVolatility,
		MaxTrackingError:  c.MaxTrackingError,
		MaxTurnover:       c.MaxTurnover,
		MinLiquidity:      c.MinLiquidity,
		MaxADVPercent:     c.MaxADVPercent,
		MinPositions:      c.MinPositions,
		MaxPositions:      c.MaxPositions,
		MaxBetaDeviation:  c.MaxBetaDeviation,
		MinTradeSize:      c.MinTradeSize,
	}
}

// CostConfig holds transaction cost model parameters
type CostConfig struct {
	FixedCommission    float64 // Per-trade flat fee as a fraction of portfolio value
	VariableCommission float64 // Rate applied to traded notional
	SlippageModel      string  // "sqrt" or "linear"
	SlippageCoeff      float64
	ImpactCoeff        float64
	DaysToExecute      int
	DecayRate          float64
}

// ToParameters converts config.CostConfig to costs.Parameters
func (c *CostConfig) ToParameters() costs.Parameters {
	return costs.Parameters{
		FixedCommission:    c.FixedCommission,
		VariableCommission: c.VariableCommission,
		ImpactCoeff:        c.ImpactCoeff,
		SlippageCoeff:      c.SlippageCoeff,
		SlippageModel:      c.SlippageModel,
		DaysToExecute:      c.DaysToExecute,
		DecayRate:          c.DecayRate,
	}
}

// RiskConfig holds risk metric parameters
type RiskConfig struct {
	RiskFreeRate    float64 // Annualized, converted per-period by consumers
	ConfidenceLevel float64
	VaRHorizon      int     // Horizon in days for VaR scaling
	TargetReturn    float64 // Per-period floor for downside deviation
	DecayFactor     float64 // Lambda for exponentially weighted covariance
}

// BackupConfig holds S3-compatible backup storage credentials.
// Backups are optional; they activate only when all fields are set.
type BackupConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// Enabled reports whether backup credentials are fully configured
func (c *BackupConfig) Enabled() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != "" && c.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := getEnv("DATABASE_PATH", "")
	if dbPath == "" {
		dbPath = filepath.Join(absDataDir, "ballast.db")
	}

	cfg := &Config{
		DataDir:      absDataDir,
		DatabasePath: dbPath,
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		Port:         getEnvAsInt("PORT", 8090),
		DevMode:      getEnvAsBool("DEV_MODE", false),
		WindowSize:   getEnvAsInt("WINDOW_SIZE", 252),
		ScenarioFile: getEnv("SCENARIO_FILE", ""),
		Optimizer:    loadOptimizerConfig(),
		Limits:       loadLimitsConfig(),
		Costs:        loadCostConfig(),
		Risk:         loadRiskConfig(),
		Backup:       loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration values for internal consistency
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &domain.ConfigurationError{Field: "PORT", Msg: fmt.Sprintf("must be in [1, 65535], got %d", c.Port)}
	}
	if c.WindowSize < 2 {
		return &domain.ConfigurationError{Field: "WINDOW_SIZE", Msg: fmt.Sprintf("need at least 2 observations, got %d", c.WindowSize)}
	}
	if c.Optimizer.RiskAversion <= 0 {
		return &domain.ConfigurationError{Field: "RISK_AVERSION", Msg: "must be positive"}
	}
	if o := c.Optimizer.Objective; o != rebalance.ObjectiveTracking && o != rebalance.ObjectiveUtility {
		return &domain.ConfigurationError{Field: "OPT_OBJECTIVE", Msg: fmt.Sprintf("must be %q or %q, got %q", rebalance.ObjectiveTracking, rebalance.ObjectiveUtility, o)}
	}
	if c.Optimizer.PortfolioValue <= 0 {
		return &domain.ConfigurationError{Field: "PORTFOLIO_VALUE", Msg: "must be positive"}
	}
	if c.Optimizer.MaxIterations < 1 {
		return &domain.ConfigurationError{Field: "MAX_ITERATIONS", Msg: "must be at least 1"}
	}
	if c.Optimizer.ConvergenceTolerance <= 0 {
		return &domain.ConfigurationError{Field: "CONVERGENCE_TOLERANCE", Msg: "must be positive"}
	}
	if c.Optimizer.FrontierPoints < 2 {
		return &domain.ConfigurationError{Field: "FRONTIER_POINTS", Msg: "need at least 2 points"}
	}
	if c.Limits.MaxPositionSize <= 0 {
		return &domain.ConfigurationError{Field: "MAX_POSITION_SIZE", Msg: "must be positive"}
	}
	if c.Limits.MinPositionSize > c.Limits.MaxPositionSize {
		return &domain.ConfigurationError{Field: "MIN_POSITION_SIZE", Msg: "must not exceed MAX_POSITION_SIZE"}
	}
	if c.Limits.MaxSectorExposure <= 0 {
		return &domain.ConfigurationError{Field: "MAX_SECTOR_EXPOSURE", Msg: "must be positive"}
	}
	if c.Limits.MaxVolatility <= 0 {
		return &domain.ConfigurationError{Field: "MAX_VOLATILITY", Msg: "must be positive"}
	}
	if c.Limits.MinPositions < 1 {
		return &domain.ConfigurationError{Field: "MIN_POSITIONS", Msg: "must be at least 1"}
	}
	if c.Limits.MaxPositions < c.Limits.MinPositions {
		return &domain.ConfigurationError{Field: "MAX_POSITIONS", Msg: "must be at least MIN_POSITIONS"}
	}
	if c.Costs.DaysToExecute < 1 {
		return &domain.ConfigurationError{Field: "DAYS_TO_EXECUTE", Msg: "must be at least 1"}
	}
	if c.Costs.DecayRate < 0 {
		return &domain.ConfigurationError{Field: "DECAY_RATE", Msg: "must not be negative"}
	}
	if m := c.Costs.SlippageModel; m != "sqrt" && m != "linear" {
		return &domain.ConfigurationError{Field: "SLIPPAGE_MODEL", Msg: fmt.Sprintf("must be \"sqrt\" or \"linear\", got %q", m)}
	}
	if cl := c.Risk.ConfidenceLevel; cl <= 0 || cl >= 1 {
		return &domain.ConfigurationError{Field: "CONFIDENCE_LEVEL", Msg: "must be in (0, 1)"}
	}
	if c.Risk.VaRHorizon < 1 {
		return &domain.ConfigurationError{Field: "VAR_HORIZON", Msg: "must be at least 1"}
	}
	if df := c.Risk.DecayFactor; df <= 0 || df > 1 {
		return &domain.ConfigurationError{Field: "DECAY_FACTOR", Msg: "must be in (0, 1]"}
	}
	return nil
}

func loadOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		RiskAversion:         getEnvAsFloat("RISK_AVERSION", 3.0),
		TargetReturn:         getEnvAsFloat("TARGET_RETURN", 0.0013),
		Objective:            getEnv("OPT_OBJECTIVE", rebalance.ObjectiveTracking),
		PortfolioValue:       getEnvAsFloat("PORTFOLIO_VALUE", 1_000_000),
		MaxIterations:        getEnvAsInt("MAX_ITERATIONS", 1000),
		ConvergenceTolerance: getEnvAsFloat("CONVERGENCE_TOLERANCE", 1e-8),
		FrontierPoints:       getEnvAsInt("FRONTIER_POINTS", 60),
		UseTransactionCosts:  getEnvAsBool("USE_TRANSACTION_COSTS", true),
		UseSectorConstraints: getEnvAsBool("USE_SECTOR_CONSTRAINTS", true),
		MaxTradingCost:       getEnvAsFloat("MAX_TRADING_COST", 0.01),
	}
}

func loadLimitsConfig() LimitsConfig {
	return LimitsConfig{
		MaxPositionSize:   getEnvAsFloat("MAX_POSITION_SIZE", 0.20),
		MinPositionSize:   getEnvAsFloat("MIN_POSITION_SIZE", 0.0),
		MaxShortPosition:  getEnvAsFloat("MAX_SHORT_POSITION", 0.0),
		MaxSectorExposure: getEnvAsFloat("MAX_SECTOR_EXPOSURE", 0.30),
		MaxVolatility:     getEnvAsFloat("MAX_VOLATILITY", 0.25),
		MaxTrackingError:  getEnvAsFloat("MAX_TRACKING_ERROR", 0.05),
		MaxTurnover:       getEnvAsFloat("MAX_TURNOVER", 0.50),
		MinLiquidity:      getEnvAsFloat("MIN_LIQUIDITY", 1_000_000),
		MaxADVPercent:     getEnvAsFloat("MAX_ADV_PERCENT", 0.05),
		MinPositions:      getEnvAsInt("MIN_POSITIONS", 5),
		MaxPositions:      getEnvAsInt("MAX_POSITIONS", 50),
		MaxBetaDeviation:  getEnvAsFloat("MAX_BETA_DEVIATION", 0.30),
		MinTradeSize:      getEnvAsFloat("MIN_TRADE_SIZE", 1e-4),
	}
}

func loadCostConfig() CostConfig {
	return CostConfig{
		FixedCommission:    getEnvAsFloat("FIXED_COMMISSION", 0.0),
		VariableCommission: getEnvAsFloat("VARIABLE_COMMISSION", 0.0),
		SlippageModel:      getEnv("SLIPPAGE_MODEL", "sqrt"),
		SlippageCoeff:      getEnvAsFloat("SLIPPAGE_COEFF", 0.0),
		ImpactCoeff:        getEnvAsFloat("IMPACT_COEFF", 0.0),
		DaysToExecute:      getEnvAsInt("DAYS_TO_EXECUTE", 1),
		DecayRate:          getEnvAsFloat("DECAY_RATE", 0.1),
	}
}

func loadRiskConfig() RiskConfig {
	return RiskConfig{
		RiskFreeRate:    getEnvAsFloat("RISK_FREE_RATE", 0.02),
		ConfidenceLevel: getEnvAsFloat("CONFIDENCE_LEVEL", 0.95),
		VaRHorizon:      getEnvAsInt("VAR_HORIZON", 1),
		TargetReturn:    getEnvAsFloat("RISK_TARGET_RETURN", 0.0),
		DecayFactor:     getEnvAsFloat("DECAY_FACTOR", 0.94),
	}
}

func loadBackupConfig() BackupConfig {
	return BackupConfig{
		Endpoint:        getEnv("S3_ENDPOINT", ""),
		Region:          getEnv("S3_REGION", "auto"),
		AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		Bucket:          getEnv("S3_BUCKET", ""),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
