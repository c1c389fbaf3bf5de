package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"marketOpenBot/internal/adapters/logger" // Import the logger package for LogLevel
	"marketOpenBot/internal/ports"
)

// Config holds all application configuration.
type Config struct {
	// Mode
	IsLive bool
	DryRun bool   // Orders go to the paper broker whatever Broker says
	Broker string // paper or binance

	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Stream child process
	StreamCommand  string
	StreamScript   string
	StreamEndpoint string
	StreamCST      string
	StreamXST      string
	AccountID      string

	// Bridge supervision
	HeartbeatTimeout     time.Duration
	RestartMinDelay      time.Duration
	RestartMaxDelay      time.Duration
	MaxRestartFailures   int
	RestartFailureWindow time.Duration

	// Stop engine
	StopPollInterval   time.Duration
	MaxMonitorDuration time.Duration
	BreakevenTriggerR  float64
	TrailActivationATR float64
	TrailDistanceATR   float64
	NoChaseMultiple    float64

	// Signals
	SignalRetryAttempts int
	SignalCooldown      time.Duration

	// Risk
	RiskPerTradePercent float64 // Fraction of balance, e.g. 0.01 for 1%
	MinAccountBalance   float64
	MaxRiskAmount       float64
	MaxDailyLoss        float64
	MaxOpenPositions    int
	PaperBalance        float64

	// Journal
	JournalDriver string // sqlite or postgres
	DBPath        string
	PostgresDSN   string

	// Signal generators
	PlanPath   string
	AnalystURL string

	// Alerts
	HAAPIURL       string
	HAAccessToken  string
	HANotifyEntity string

	// Observability
	MetricsAddr            string
	PyroscopeServerAddress string

	// Logging
	LogLevel  logger.LogLevel // Use the LogLevel type from the logger adapter
	LogFormat string          // text or json

	// Markets
	MarketsFile string
	Markets     []string // Catalogue keys to trade
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Mode
	cfg.IsLive = getEnvAsBool("IS_LIVE", false)
	cfg.DryRun = getEnvAsBool("DRY_RUN", !cfg.IsLive)
	cfg.Broker = strings.ToLower(getEnv("BROKER", "paper"))
	if cfg.Broker != "paper" && cfg.Broker != "binance" {
		errs = append(errs, fmt.Sprintf("BROKER must be paper or binance, got %q", cfg.Broker))
	}

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	if cfg.Broker == "binance" && !cfg.DryRun {
		if cfg.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set")
		}
		if cfg.SecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set")
		}
	}
	if cfg.IsLive && cfg.DryRun {
		errs = append(errs, "IS_LIVE and DRY_RUN cannot both be true")
	}

	// Stream child process
	cfg.StreamCommand = getEnv("STREAM_COMMAND", "node")
	cfg.StreamScript = getEnv("STREAM_SCRIPT", "./stream/ig_stream.js")
	cfg.StreamEndpoint = getEnv("STREAM_ENDPOINT", "")
	cfg.StreamCST = getEnv("STREAM_CST", "")
	cfg.StreamXST = getEnv("STREAM_XST", "")
	cfg.AccountID = getEnv("ACCOUNT_ID", "")
	if cfg.StreamCommand == "" {
		errs = append(errs, "STREAM_COMMAND must be set")
	}
	for key, value := range map[string]string{
		"STREAM_ENDPOINT": cfg.StreamEndpoint,
		"STREAM_CST":      cfg.StreamCST,
		"STREAM_XST":      cfg.StreamXST,
		"ACCOUNT_ID":      cfg.AccountID,
	} {
		if value == "" {
			errs = append(errs, key+" must be set")
		}
	}

	// Bridge supervision
	heartbeat := getEnvAsInt("HEARTBEAT_TIMEOUT_SECONDS", 30)
	if heartbeat <= 0 {
		errs = append(errs, "HEARTBEAT_TIMEOUT_SECONDS must be positive")
	}
	cfg.HeartbeatTimeout = time.Duration(heartbeat) * time.Second

	restartMinMs := getEnvAsInt("RESTART_MIN_DELAY_MS", 500)
	restartMaxSeconds := getEnvAsInt("RESTART_MAX_DELAY_SECONDS", 30)
	if restartMinMs <= 0 || restartMaxSeconds <= 0 {
		errs = append(errs, "RESTART_MIN_DELAY_MS and RESTART_MAX_DELAY_SECONDS must be positive")
	}
	cfg.RestartMinDelay = time.Duration(restartMinMs) * time.Millisecond
	cfg.RestartMaxDelay = time.Duration(restartMaxSeconds) * time.Second
	if cfg.RestartMinDelay > cfg.RestartMaxDelay {
		errs = append(errs, "RESTART_MIN_DELAY_MS must not exceed RESTART_MAX_DELAY_SECONDS")
	}

	cfg.MaxRestartFailures = getEnvAsInt("MAX_RESTART_FAILURES", 5)
	if cfg.MaxRestartFailures <= 0 {
		errs = append(errs, "MAX_RESTART_FAILURES must be positive")
	}
	window := getEnvAsInt("RESTART_FAILURE_WINDOW_SECONDS", 300)
	if window <= 0 {
		errs = append(errs, "RESTART_FAILURE_WINDOW_SECONDS must be positive")
	}
	cfg.RestartFailureWindow = time.Duration(window) * time.Second

	// Stop engine
	poll := getEnvAsInt("STOP_POLL_INTERVAL_SECONDS", 5)
	if poll <= 0 {
		errs = append(errs, "STOP_POLL_INTERVAL_SECONDS must be positive")
	}
	cfg.StopPollInterval = time.Duration(poll) * time.Second

	monitor := getEnvAsInt("MAX_MONITOR_DURATION_MINUTES", 240)
	if monitor <= 0 {
		errs = append(errs, "MAX_MONITOR_DURATION_MINUTES must be positive")
	}
	cfg.MaxMonitorDuration = time.Duration(monitor) * time.Minute

	cfg.BreakevenTriggerR, err = getEnvAsFloatRequired("BREAKEVEN_TRIGGER_R", 1.5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BREAKEVEN_TRIGGER_R: %v", err))
	} else if cfg.BreakevenTriggerR < 0 {
		errs = append(errs, "BREAKEVEN_TRIGGER_R cannot be negative")
	}
	cfg.TrailActivationATR, err = getEnvAsFloatRequired("TRAIL_ACTIVATION_ATR", 1.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRAIL_ACTIVATION_ATR: %v", err))
	} else if cfg.TrailActivationATR < 0 {
		errs = append(errs, "TRAIL_ACTIVATION_ATR cannot be negative")
	}
	cfg.TrailDistanceATR, err = getEnvAsFloatRequired("TRAIL_DISTANCE_ATR", 1.5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRAIL_DISTANCE_ATR: %v", err))
	} else if cfg.TrailDistanceATR <= 0 {
		errs = append(errs, "TRAIL_DISTANCE_ATR must be positive")
	}
	cfg.NoChaseMultiple, err = getEnvAsFloatRequired("NO_CHASE_MULTIPLE", 0.5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid NO_CHASE_MULTIPLE: %v", err))
	} else if cfg.NoChaseMultiple < 0 {
		errs = append(errs, "NO_CHASE_MULTIPLE cannot be negative")
	}

	// Signals
	cfg.SignalRetryAttempts = getEnvAsInt("SIGNAL_RETRY_ATTEMPTS", 3)
	if cfg.SignalRetryAttempts <= 0 {
		errs = append(errs, "SIGNAL_RETRY_ATTEMPTS must be positive")
	}
	cooldown := getEnvAsInt("SIGNAL_COOLDOWN_SECONDS", 60)
	if cooldown < 0 {
		errs = append(errs, "SIGNAL_COOLDOWN_SECONDS cannot be negative")
	}
	cfg.SignalCooldown = time.Duration(cooldown) * time.Second

	// Risk
	cfg.RiskPerTradePercent, err = getEnvAsFloatRequired("RISK_PER_TRADE_PERCENT", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RISK_PER_TRADE_PERCENT: %v", err))
	} else if cfg.RiskPerTradePercent <= 0 || cfg.RiskPerTradePercent >= 1.0 {
		errs = append(errs, "RISK_PER_TRADE_PERCENT must be between 0.0 and 1.0 (exclusive)")
	}
	cfg.MinAccountBalance, err = getEnvAsFloatRequired("MIN_ACCOUNT_BALANCE", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_ACCOUNT_BALANCE: %v", err))
	} else if cfg.MinAccountBalance < 0 {
		errs = append(errs, "MIN_ACCOUNT_BALANCE cannot be negative")
	}
	cfg.MaxRiskAmount, err = getEnvAsFloatRequired("MAX_RISK_AMOUNT", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_RISK_AMOUNT: %v", err))
	} else if cfg.MaxRiskAmount < 0 {
		errs = append(errs, "MAX_RISK_AMOUNT cannot be negative")
	}
	cfg.MaxDailyLoss, err = getEnvAsFloatRequired("MAX_DAILY_LOSS", 50.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DAILY_LOSS: %v", err))
	} else if cfg.MaxDailyLoss < 0 {
		errs = append(errs, "MAX_DAILY_LOSS cannot be negative")
	}
	cfg.MaxOpenPositions, err = getEnvAsIntRequired("MAX_OPEN_POSITIONS", 1)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_OPEN_POSITIONS: %v", err))
	} else if cfg.MaxOpenPositions < 0 {
		errs = append(errs, "MAX_OPEN_POSITIONS cannot be negative")
	}
	cfg.PaperBalance = getEnvAsFloat("PAPER_BALANCE", 10000.0)

	// Journal
	cfg.JournalDriver = strings.ToLower(getEnv("JOURNAL_DRIVER", "sqlite"))
	cfg.DBPath = getEnv("DB_PATH", "./data/journal.db")
	cfg.PostgresDSN = getEnv("POSTGRES_DSN", "")
	switch cfg.JournalDriver {
	case "sqlite":
		if cfg.DBPath == "" {
			errs = append(errs, "DB_PATH must be set")
		}
	case "postgres":
		if cfg.PostgresDSN == "" {
			errs = append(errs, "POSTGRES_DSN must be set when JOURNAL_DRIVER=postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("JOURNAL_DRIVER must be sqlite or postgres, got %q", cfg.JournalDriver))
	}

	// Signal generators
	cfg.PlanPath = getEnv("PLAN_PATH", "")
	cfg.AnalystURL = getEnv("ANALYST_URL", "")

	// Alerts
	cfg.HAAPIURL = getEnv("HA_API_URL", "")
	cfg.HAAccessToken = getEnv("HA_ACCESS_TOKEN", "")
	cfg.HANotifyEntity = getEnv("HA_NOTIFY_ENTITY", "")
	if cfg.HAAPIURL != "" && (cfg.HAAccessToken == "" || cfg.HANotifyEntity == "") {
		errs = append(errs, "HA_ACCESS_TOKEN and HA_NOTIFY_ENTITY must be set with HA_API_URL")
	}

	// Observability
	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")
	cfg.PyroscopeServerAddress = getEnv("PYROSCOPE_SERVER_ADDRESS", "")

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "text"))
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat))
	}

	// Markets
	cfg.MarketsFile = getEnv("MARKETS_FILE", "./markets.yaml")
	cfg.Markets = splitList(getEnv("MARKETS", "london"))
	if len(cfg.Markets) == 0 {
		errs = append(errs, "MARKETS must name at least one market")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: configuration validation failed: %s", ports.ErrConfigurationError, strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
