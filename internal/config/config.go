package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration derived from the environment, an
// optional .env file and an optional YAML/JSON config file. Environment
// variables win over file values.
type Config struct {
	HTTPPort     string
	DBDriver     string
	DBPath       string
	DatabaseURL  string
	Environment  string
	LogLevel     string
	ConfigPath   string
	StrictConfig bool

	IngestAPIKey string
	ReadAPIKey   string
	APIKeyHeader string
	CORSOrigins  []string

	// CarrierNameMatch selects the carrier identity strategy: "exact" or "fold".
	CarrierNameMatch string
	MetricsEnabled   bool
	TxMaxRetries     int
	RebuildWorkers   int
}

type fileConfig struct {
	HTTPPort         string   `json:"http_port" yaml:"http_port"`
	DBDriver         string   `json:"db_driver" yaml:"db_driver"`
	DBPath           string   `json:"db_path" yaml:"db_path"`
	DatabaseURL      string   `json:"database_url" yaml:"database_url"`
	Environment      string   `json:"environment" yaml:"environment"`
	LogLevel         string   `json:"log_level" yaml:"log_level"`
	IngestAPIKey     string   `json:"ingest_api_key" yaml:"ingest_api_key"`
	ReadAPIKey       string   `json:"read_api_key" yaml:"read_api_key"`
	APIKeyHeader     string   `json:"api_key_header" yaml:"api_key_header"`
	CORSOrigins      []string `json:"cors_origins" yaml:"cors_origins"`
	CarrierNameMatch string   `json:"carrier_name_match" yaml:"carrier_name_match"`
	MetricsEnabled   *bool    `json:"metrics_enabled" yaml:"metrics_enabled"`
	TxMaxRetries     *int     `json:"tx_max_retries" yaml:"tx_max_retries"`
	RebuildWorkers   *int     `json:"rebuild_workers" yaml:"rebuild_workers"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	MatchExact = "exact"
	MatchFold  = "fold"

	EnvProduction = "production"

	defaultPort           = ":8000"
	defaultDBPath         = "carrier_analytics.db"
	defaultAPIKeyHeader   = "X-API-Key"
	defaultEnvironment    = "development"
	defaultLogLevel       = "info"
	defaultTxMaxRetries   = 5
	maxTxMaxRetries       = 20
	defaultRebuildWorkers = 4
	maxRebuildWorkers     = 64
)

// Load reads configuration from environment variables and applies sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		StrictConfig:   parseBoolEnv("STRICT_CONFIG"),
		MetricsEnabled: true,
		TxMaxRetries:   defaultTxMaxRetries,
		RebuildWorkers: defaultRebuildWorkers,
	}
	cfg.ConfigPath = getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))

	fileCfg, fileErr := loadFileConfig(cfg.ConfigPath)
	if fileErr != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", cfg.ConfigPath, fileErr)
		}
		if !errors.Is(fileErr, os.ErrNotExist) {
			slog.Warn("config load failed, using defaults", "path", cfg.ConfigPath, "err", fileErr)
		}
	}

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), fileCfg.HTTPPort, defaultPort)
	if legacyPort := os.Getenv("PORT"); legacyPort != "" && cfg.HTTPPort == defaultPort {
		cfg.HTTPPort = legacyPort
	}
	if !strings.HasPrefix(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}

	cfg.DBDriver = strings.ToLower(firstNonEmpty(os.Getenv("DB_DRIVER"), fileCfg.DBDriver, DriverSQLite))
	cfg.DBPath = firstNonEmpty(os.Getenv("DB_PATH"), fileCfg.DBPath, defaultDBPath)
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), fileCfg.DatabaseURL)
	cfg.Environment = strings.ToLower(firstNonEmpty(os.Getenv("ENVIRONMENT"), fileCfg.Environment, defaultEnvironment))
	cfg.LogLevel = strings.ToLower(firstNonEmpty(os.Getenv("LOG_LEVEL"), fileCfg.LogLevel, defaultLogLevel))

	cfg.IngestAPIKey = strings.TrimSpace(firstNonEmpty(os.Getenv("INGEST_API_KEY"), fileCfg.IngestAPIKey))
	cfg.ReadAPIKey = strings.TrimSpace(firstNonEmpty(os.Getenv("READ_API_KEY"), fileCfg.ReadAPIKey))
	cfg.APIKeyHeader = firstNonEmpty(os.Getenv("API_KEY_HEADER"), fileCfg.APIKeyHeader, defaultAPIKeyHeader)

	if v := os.Getenv("CORS_ORIGINS"); strings.TrimSpace(v) != "" {
		cfg.CORSOrigins = splitList(v)
	} else if len(fileCfg.CORSOrigins) > 0 {
		cfg.CORSOrigins = fileCfg.CORSOrigins
	} else {
		cfg.CORSOrigins = []string{"*"}
	}

	cfg.CarrierNameMatch = strings.ToLower(firstNonEmpty(os.Getenv("CARRIER_NAME_MATCH"), fileCfg.CarrierNameMatch, MatchExact))

	if fileCfg.MetricsEnabled != nil {
		cfg.MetricsEnabled = *fileCfg.MetricsEnabled
	}
	cfg.MetricsEnabled = parseBoolEnvDefault("METRICS_ENABLED", cfg.MetricsEnabled)

	if fileCfg.TxMaxRetries != nil && *fileCfg.TxMaxRetries > 0 {
		cfg.TxMaxRetries = *fileCfg.TxMaxRetries
	}
	if v, ok, err := parseIntEnv("TX_MAX_RETRIES"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid TX_MAX_RETRIES: %w", err)
		}
		slog.Warn("invalid TX_MAX_RETRIES, using default", "err", err)
	} else if ok && v > 0 {
		cfg.TxMaxRetries = v
	}
	cfg.TxMaxRetries = clampInt(cfg.TxMaxRetries, 1, maxTxMaxRetries)

	if fileCfg.RebuildWorkers != nil && *fileCfg.RebuildWorkers > 0 {
		cfg.RebuildWorkers = *fileCfg.RebuildWorkers
	}
	if v, ok, err := parseIntEnv("REBUILD_WORKERS"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid REBUILD_WORKERS: %w", err)
		}
		slog.Warn("invalid REBUILD_WORKERS, using default", "err", err)
	} else if ok && v > 0 {
		cfg.RebuildWorkers = v
	}
	cfg.RebuildWorkers = clampInt(cfg.RebuildWorkers, 1, maxRebuildWorkers)

	if err := validateConfig(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		slog.Warn("config validation failed, continuing", "err", err)
	}

	return cfg, nil
}

// IsProduction reports whether internal error detail must be hidden from callers.
func (c Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// DataSource returns the driver-specific connection string.
func (c Config) DataSource() string {
	if c.DBDriver == DriverPostgres {
		return c.DatabaseURL
	}
	return c.DBPath
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.HTTPPort) == "" {
		return errors.New("HTTP_PORT is required")
	}
	switch cfg.DBDriver {
	case DriverSQLite:
		if strings.TrimSpace(cfg.DBPath) == "" {
			return errors.New("DB_PATH is required for sqlite")
		}
	case DriverPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("DATABASE_URL is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	switch cfg.CarrierNameMatch {
	case MatchExact, MatchFold:
	default:
		return fmt.Errorf("unsupported CARRIER_NAME_MATCH %q", cfg.CarrierNameMatch)
	}
	if cfg.IngestAPIKey == "" || cfg.ReadAPIKey == "" {
		return errors.New("INGEST_API_KEY and READ_API_KEY should both be set")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	return parseBoolEnv(key)
}

func parseIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.Atoi(raw)
	return val, true, err
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
