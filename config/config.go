package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"replayGuard/internal/adapters/logger" // Import the logger package for LogLevel
	"replayGuard/internal/ports"
)

// Config holds the process-level configuration read from the environment.
// Domain settings live in the YAML file at SettingsPath (see Settings).
type Config struct {
	// Binance API, only needed for the historical export
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Files
	SettingsPath string
	DBPath       string
	DataDir      string
	// MetricsFile receives a Prometheus textfile dump after each command when set.
	MetricsFile string

	// Logging
	LogLevel  logger.LogLevel
	LogFormat string
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string

	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", false)

	cfg.SettingsPath = getEnv("SETTINGS_PATH", "./settings.yaml")
	cfg.DBPath = getEnv("DB_PATH", "./data/replay_guard.db")
	cfg.DataDir = getEnv("DATA_DIR", "./data")
	cfg.MetricsFile = getEnv("METRICS_FILE", "")

	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr)

	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "console"))
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be console or json, got %q", cfg.LogFormat))
	}

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
