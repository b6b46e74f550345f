// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir       string // Base directory for all databases (always absolute)
	EngineDropDir string // Directory watched for engine candidate drop files
	LogLevel      string
	Port          int
	DevMode       bool

	Gate    GateConfig
	Boost   BoostConfig
	Ranking RankingConfig
	Orders  OrderConfig
	Risk    RiskConfig
	Broker  BrokerConfig
	Backup  BackupConfig

	// Scan session times in "HH:MM" 24h format, America/New_York
	ScanTimePre string
	ScanTimeAM  string
	ScanTimePM  string
}

// GateConfig holds selection gate thresholds
type GateConfig struct {
	MinORMScore    float64
	MinSignalCount int
	MinBaseScore   float64
}

// BoostConfig holds recurrence boost parameters
type BoostConfig struct {
	WindowDays int
	SecondSeen float64 // additive boost when seen twice in window
	ThirdSeen  float64 // additive boost when seen three or more times
}

// RankingConfig holds ranker parameters
type RankingConfig struct {
	TopN           int
	EnginePriority []string // highest priority first
}

// OrderConfig holds order executor parameters
type OrderConfig struct {
	MaxAttempts       int
	BackoffSeconds    int
	ScanDeadlineSecs  int
	ContractsPerTrade int
}

// RiskConfig holds position monitor parameters
type RiskConfig struct {
	StopLossPct          float64
	PartialProfitMult    float64
	TakeProfitMult       float64
	PartialCloseFraction float64
	PollSeconds          int
}

// BrokerConfig holds broker API credentials
type BrokerConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	DataWSURL string
	Paper     bool
}

// BackupConfig holds S3 backup settings
type BackupConfig struct {
	Enabled   bool
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory, always resolved absolute, created if missing
	dataDir := getEnv("DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dropDir := getEnv("ENGINE_DROP_DIR", filepath.Join(absDataDir, "engine_drops"))
	absDropDir, err := filepath.Abs(dropDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve engine drop directory path: %w", err)
	}
	if err := os.MkdirAll(absDropDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create engine drop directory: %w", err)
	}

	env := &envParser{}
	cfg := &Config{
		DataDir:       absDataDir,
		EngineDropDir: absDropDir,
		Port:          env.Int("PORT", 8090),
		DevMode:       env.Bool("DEV_MODE", false),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Gate: GateConfig{
			MinORMScore:    env.Float("GATE_MIN_ORM_SCORE", 0.45),
			MinSignalCount: env.Int("GATE_MIN_SIGNAL_COUNT", 2),
			MinBaseScore:   env.Float("GATE_MIN_BASE_SCORE", 0.65),
		},
		Boost: BoostConfig{
			WindowDays: env.Int("BOOST_WINDOW_DAYS", 7),
			SecondSeen: env.Float("BOOST_SECOND_SEEN", 0.15),
			ThirdSeen:  env.Float("BOOST_THIRD_SEEN", 0.30),
		},
		Ranking: RankingConfig{
			TopN:           env.Int("TOP_N_PICKS", 3),
			EnginePriority: getEnvAsSlice("ENGINE_PRIORITY", []string{"orm", "momentum", "flow"}),
		},
		Orders: OrderConfig{
			MaxAttempts:       env.Int("ORDER_MAX_ATTEMPTS", 3),
			BackoffSeconds:    env.Int("ORDER_BACKOFF_SECONDS", 2),
			ScanDeadlineSecs:  env.Int("SCAN_DEADLINE_SECONDS", 300),
			ContractsPerTrade: env.Int("CONTRACTS_PER_TRADE", 5),
		},
		Risk: RiskConfig{
			StopLossPct:          env.Float("STOP_LOSS_PCT", 0.50),
			PartialProfitMult:    env.Float("PARTIAL_PROFIT_MULTIPLE", 2.0),
			TakeProfitMult:       env.Float("TAKE_PROFIT_MULTIPLE", 3.0),
			PartialCloseFraction: env.Float("PARTIAL_CLOSE_FRACTION", 0.5),
			PollSeconds:          env.Int("RISK_POLL_SECONDS", 60),
		},
		Broker: BrokerConfig{
			APIKey:    getEnv("ALPACA_API_KEY", ""),
			APISecret: getEnv("ALPACA_API_SECRET", ""),
			BaseURL:   getEnv("ALPACA_BASE_URL", "https://paper-api.alpaca.markets"),
			DataWSURL: getEnv("ALPACA_DATA_WS_URL", "wss://stream.data.alpaca.markets/v1beta1/indicative"),
			Paper:     env.Bool("ALPACA_PAPER", true),
		},
		Backup: BackupConfig{
			Enabled:   env.Bool("BACKUP_ENABLED", false),
			Bucket:    getEnv("BACKUP_S3_BUCKET", ""),
			Endpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
			Region:    getEnv("BACKUP_S3_REGION", "auto"),
			AccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
			SecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
		},
		ScanTimePre: getEnv("SCAN_TIME_PRE", "08:30"),
		ScanTimeAM:  getEnv("SCAN_TIME_AM", "09:35"),
		ScanTimePM:  getEnv("SCAN_TIME_PM", "15:15"),
	}

	// A malformed variable aborts startup rather than silently running on
	// a default the operator did not choose.
	if err := env.Err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if configuration values are coherent
func (c *Config) Validate() error {
	if c.Gate.MinORMScore < 0 || c.Gate.MinORMScore > 1 {
		return fmt.Errorf("GATE_MIN_ORM_SCORE must be in [0,1], got %v", c.Gate.MinORMScore)
	}
	if c.Gate.MinBaseScore < 0 || c.Gate.MinBaseScore > 1 {
		return fmt.Errorf("GATE_MIN_BASE_SCORE must be in [0,1], got %v", c.Gate.MinBaseScore)
	}
	if c.Gate.MinSignalCount < 0 {
		return fmt.Errorf("GATE_MIN_SIGNAL_COUNT must be non-negative, got %d", c.Gate.MinSignalCount)
	}
	if c.Boost.WindowDays < 1 {
		return fmt.Errorf("BOOST_WINDOW_DAYS must be at least 1, got %d", c.Boost.WindowDays)
	}
	if c.Ranking.TopN < 1 {
		return fmt.Errorf("TOP_N_PICKS must be at least 1, got %d", c.Ranking.TopN)
	}
	if c.Orders.MaxAttempts < 1 {
		return fmt.Errorf("ORDER_MAX_ATTEMPTS must be at least 1, got %d", c.Orders.MaxAttempts)
	}
	if c.Orders.ContractsPerTrade < 1 {
		return fmt.Errorf("CONTRACTS_PER_TRADE must be at least 1, got %d", c.Orders.ContractsPerTrade)
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 1 {
		return fmt.Errorf("STOP_LOSS_PCT must be in (0,1), got %v", c.Risk.StopLossPct)
	}
	if c.Risk.PartialProfitMult >= c.Risk.TakeProfitMult {
		return fmt.Errorf("PARTIAL_PROFIT_MULTIPLE (%v) must be below TAKE_PROFIT_MULTIPLE (%v)",
			c.Risk.PartialProfitMult, c.Risk.TakeProfitMult)
	}
	if c.Risk.PartialCloseFraction <= 0 || c.Risk.PartialCloseFraction >= 1 {
		return fmt.Errorf("PARTIAL_CLOSE_FRACTION must be in (0,1), got %v", c.Risk.PartialCloseFraction)
	}
	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("BACKUP_S3_BUCKET required when backups are enabled")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envParser reads typed environment variables, collecting every parse
// failure so Load can report them all at once instead of silently
// substituting defaults.
type envParser struct {
	problems []string
}

func (p *envParser) Int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.problems = append(p.problems, fmt.Sprintf("%s=%q is not an integer", key, value))
		return defaultValue
	}
	return n
}

func (p *envParser) Float(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.problems = append(p.problems, fmt.Sprintf("%s=%q is not a number", key, value))
		return defaultValue
	}
	return f
}

func (p *envParser) Bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.problems = append(p.problems, fmt.Sprintf("%s=%q is not a boolean", key, value))
		return defaultValue
	}
	return b
}

// Err reports all malformed variables seen so far
func (p *envParser) Err() error {
	if len(p.problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid environment configuration: %s", strings.Join(p.problems, "; "))
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
