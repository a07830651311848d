// Package config provides configuration management functionality.
//
// Credentials, paths and the log level come from environment variables
// (.env file supported via godotenv). Trading behavior comes from a YAML
// file; absent keys keep their documented defaults, present keys override
// only what they name. The YAML file is hot-reloaded (see Watcher).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	DataDir         string // Base directory for all databases (always absolute)
	ConfigFile      string // Path to the trading YAML file (may not exist)
	AlpacaAPIKey    string // Broker API key
	AlpacaAPISecret string // Broker API secret
	AlpacaBaseURL   string // Broker endpoint (paper by default)
	LogLevel        string // Log level (debug, info, warn, error)
	Port            int    // HTTP server port
	DevMode         bool   // Development mode flag
}

// Load reads configuration from environment variables.
// A .env file in the working directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("TRADER_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	port := 8001
	if p := os.Getenv("TRADER_PORT"); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid TRADER_PORT %q: %w", p, err)
		}
		port = parsed
	}

	return &Config{
		DataDir:         absDataDir,
		ConfigFile:      getEnv("TRADER_CONFIG_FILE", filepath.Join(absDataDir, "config.yaml")),
		AlpacaAPIKey:    os.Getenv("ALPACA_API_KEY"),
		AlpacaAPISecret: os.Getenv("ALPACA_API_SECRET"),
		AlpacaBaseURL:   getEnv("ALPACA_BASE_URL", "https://paper-api.alpaca.markets"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		Port:            port,
		DevMode:         os.Getenv("DEV_MODE") == "true",
	}, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// StageConfig is the policy of one filter stage in the cycle pipeline.
type StageConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Required      bool    `yaml:"required"`
	FallbackScore float64 `yaml:"fallback_score"`
	Threshold     float64 `yaml:"threshold"`
}

// SessionConfig selects the trading mode.
type SessionConfig struct {
	Mode string `yaml:"mode"` // autonomous | supervised | paper
}

// RiskConfig bounds pre-trade validation and the P&L monitor.
type RiskConfig struct {
	MaxDailyLoss         float64 `yaml:"max_daily_loss"`
	WarningThresholdPct  float64 `yaml:"warning_threshold_pct"`
	MaxPositions         int     `yaml:"max_positions"`
	MaxPositionSize      float64 `yaml:"max_position_size"`
	MaxSectorExposurePct float64 `yaml:"max_sector_exposure_pct"`
	TotalRiskBudget      float64 `yaml:"total_risk_budget"`
	MonitorIntervalSecs  int     `yaml:"monitor_interval_seconds"`
	BrokerTimeoutSecs    int     `yaml:"broker_timeout_seconds"`
}

// PositionsConfig sets default exit policy for new positions.
type PositionsConfig struct {
	DefaultStopLossPct    float64 `yaml:"default_stop_loss_pct"`
	DefaultTakeProfitPct  float64 `yaml:"default_take_profit_pct"`
	MaxHoldTimeMinutes    int     `yaml:"max_hold_time_minutes"`
	CloseAllAtMarketClose bool    `yaml:"close_all_at_market_close"`
}

// WorkflowConfig tunes the cycle orchestrator.
type WorkflowConfig struct {
	ScanFrequencyMinutes int     `yaml:"scan_frequency_minutes"`
	ExecuteTopN          int     `yaml:"execute_top_n"`
	MinConfidenceScore   float64 `yaml:"min_confidence_score"`
	InitialUniverseSize  int     `yaml:"initial_universe_size"`
	ScanSampleSize       int     `yaml:"scan_sample_size"`
	MinPrice             float64 `yaml:"min_price"`
	MaxPrice             float64 `yaml:"max_price"`
}

// FiltersConfig holds the per-stage policies.
type FiltersConfig struct {
	News      StageConfig `yaml:"news"`
	Pattern   StageConfig `yaml:"pattern"`
	Technical StageConfig `yaml:"technical"`
}

// MonitorConfig tunes the position monitor's exit thresholds.
type MonitorConfig struct {
	CheckIntervalSeconds int     `yaml:"check_interval_seconds"`
	TrailPct             float64 `yaml:"trail_pct"`
	StopLossStrongPct    float64 `yaml:"stop_loss_strong_pct"`
	TakeProfitStrongPct  float64 `yaml:"take_profit_strong_pct"`
	MaxAdvisorCalls      int     `yaml:"max_advisor_calls"`
	FinalMinutes         int     `yaml:"final_minutes"`
}

// ExchangeConfig parameterizes exchange-specific constants so broker
// differences live in configuration, not code branches.
type ExchangeConfig struct {
	Name         string  `yaml:"name"`
	Timezone     string  `yaml:"timezone"`
	Open         string  `yaml:"open"`  // HH:MM local
	Close        string  `yaml:"close"` // HH:MM local
	LunchStart   string  `yaml:"lunch_start"`
	LunchEnd     string  `yaml:"lunch_end"`
	TickSize     float64 `yaml:"tick_size"`
	DefaultTIF   string  `yaml:"default_tif"`
	PreMarketMin int     `yaml:"pre_market_minutes"`
}

// BackupConfig controls the weekly database backup.
type BackupConfig struct {
	Enabled  bool   `yaml:"enabled"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	Region   string `yaml:"region"`
}

// TradingConfig is the full hot-reloadable trading configuration.
type TradingConfig struct {
	Session   SessionConfig   `yaml:"session"`
	Risk      RiskConfig      `yaml:"risk"`
	Positions PositionsConfig `yaml:"positions"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Filters   FiltersConfig   `yaml:"filters"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Backup    BackupConfig    `yaml:"backup"`
}

// DefaultTradingConfig returns the documented defaults (US equities).
func DefaultTradingConfig() *TradingConfig {
	return &TradingConfig{
		Session: SessionConfig{Mode: "paper"},
		Risk: RiskConfig{
			MaxDailyLoss:         2000,
			WarningThresholdPct:  0.75,
			MaxPositions:         5,
			MaxPositionSize:      10000,
			MaxSectorExposurePct: 40,
			TotalRiskBudget:      10000,
			MonitorIntervalSecs:  60,
			BrokerTimeoutSecs:    10,
		},
		Positions: PositionsConfig{
			DefaultStopLossPct:    3,
			DefaultTakeProfitPct:  6,
			MaxHoldTimeMinutes:    390,
			CloseAllAtMarketClose: true,
		},
		Workflow: WorkflowConfig{
			ScanFrequencyMinutes: 30,
			ExecuteTopN:          3,
			MinConfidenceScore:   0.35,
			InitialUniverseSize:  200,
			ScanSampleSize:       500,
			MinPrice:             1,
			MaxPrice:             500,
		},
		Filters: FiltersConfig{
			News:      StageConfig{Enabled: true, Required: false, FallbackScore: 0.5, Threshold: 0.3},
			Pattern:   StageConfig{Enabled: true, Required: false, FallbackScore: 0.5, Threshold: 0.3},
			Technical: StageConfig{Enabled: true, Required: true, FallbackScore: 0.5, Threshold: 0.3},
		},
		Monitor: MonitorConfig{
			CheckIntervalSeconds: 300,
			TrailPct:             3,
			StopLossStrongPct:    5,
			TakeProfitStrongPct:  10,
			MaxAdvisorCalls:      5,
			FinalMinutes:         15,
		},
		Exchange: ExchangeConfig{
			Name:       "US",
			Timezone:   "America/New_York",
			Open:       "09:30",
			Close:      "16:00",
			TickSize:   0.01,
			DefaultTIF: "day",
		},
		Backup: BackupConfig{
			Enabled:  false,
			S3Prefix: "daytrader-backups",
			Region:   "us-east-1",
		},
	}
}

// LoadTradingConfig reads the YAML file at path over the defaults.
// A missing file is not an error: defaults apply. A malformed file is.
func LoadTradingConfig(path string) (*TradingConfig, error) {
	cfg := DefaultTradingConfig()

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects configurations that would make the risk engine inert.
func (c *TradingConfig) Validate() error {
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be positive")
	}
	if c.Risk.WarningThresholdPct <= 0 || c.Risk.WarningThresholdPct >= 1 {
		return fmt.Errorf("risk.warning_threshold_pct must be in (0, 1)")
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions must be positive")
	}
	if c.Workflow.ExecuteTopN <= 0 {
		return fmt.Errorf("workflow.execute_top_n must be positive")
	}
	switch c.Session.Mode {
	case "autonomous", "supervised", "paper":
	default:
		return fmt.Errorf("session.mode must be autonomous, supervised or paper, got %q", c.Session.Mode)
	}
	return nil
}
