package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("CONFIG_PATH", path)
	for _, key := range []string{"HTTP_PORT", "PORT", "DB_DRIVER", "DB_PATH", "DATABASE_URL", "INGEST_API_KEY", "READ_API_KEY", "API_KEY_HEADER", "CORS_ORIGINS", "CARRIER_NAME_MATCH", "METRICS_ENABLED", "TX_MAX_RETRIES", "REBUILD_WORKERS", "STRICT_CONFIG", "ENVIRONMENT"} {
		t.Setenv(key, "")
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8000", cfg.HTTPPort)
	require.Equal(t, DriverSQLite, cfg.DBDriver)
	require.Equal(t, "X-API-Key", cfg.APIKeyHeader)
	require.Equal(t, MatchExact, cfg.CarrierNameMatch)
	require.Equal(t, []string{"*"}, cfg.CORSOrigins)
	require.True(t, cfg.MetricsEnabled)
	require.False(t, cfg.IsProduction())
}

func TestHTTPPortDefaultFormatting(t *testing.T) {
	isolate(t)
	t.Setenv("HTTP_PORT", "9000")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.HTTPPort)
}

func TestFileValuesAreOverriddenByEnv(t *testing.T) {
	path := isolate(t)
	require.NoError(t, os.WriteFile(path, []byte(`
ingest_api_key: file-ingest
read_api_key: file-read
carrier_name_match: fold
rebuild_workers: 8
metrics_enabled: false
cors_origins: ["https://a.example"]
`), 0o600))
	t.Setenv("READ_API_KEY", "env-read")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "file-ingest", cfg.IngestAPIKey)
	require.Equal(t, "env-read", cfg.ReadAPIKey)
	require.Equal(t, MatchFold, cfg.CarrierNameMatch)
	require.Equal(t, 8, cfg.RebuildWorkers)
	require.False(t, cfg.MetricsEnabled)
	require.Equal(t, []string{"https://a.example"}, cfg.CORSOrigins)
}

func TestRetriesClamped(t *testing.T) {
	isolate(t)
	t.Setenv("TX_MAX_RETRIES", "500")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, maxTxMaxRetries, cfg.TxMaxRetries)
}

func TestStrictConfigRejectsInvalid(t *testing.T) {
	isolate(t)
	t.Setenv("STRICT_CONFIG", "true")
	t.Setenv("INGEST_API_KEY", "a")
	t.Setenv("READ_API_KEY", "b")
	t.Setenv("DB_DRIVER", "oracle")
	_, err := Load()
	require.Error(t, err)
}

func TestPostgresRequiresURL(t *testing.T) {
	err := validateConfig(Config{HTTPPort: ":1", DBDriver: DriverPostgres, CarrierNameMatch: MatchExact})
	require.ErrorContains(t, err, "DATABASE_URL")
}

func TestWatchReloadsKeys(t *testing.T) {
	path := isolate(t)
	require.NoError(t, os.WriteFile(path, []byte("read_api_key: first\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() { _ = Watch(ctx, log, path, func(c Config) { got <- c }) }()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("read_api_key: second\n"), 0o600)
		select {
		case c := <-got:
			return c.ReadAPIKey == "second"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchSurvivesAtomicSaves(t *testing.T) {
	path := isolate(t)
	require.NoError(t, os.WriteFile(path, []byte("read_api_key: first\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 16)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() { _ = Watch(ctx, log, path, func(c Config) { got <- c }) }()

	// save writes a sibling file and renames it over path, the way most
	// editors do.
	save := func(key string) error {
		tmp := filepath.Join(filepath.Dir(path), ".config.yaml.tmp")
		if err := os.WriteFile(tmp, []byte("read_api_key: "+key+"\n"), 0o600); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	}
	for _, key := range []string{"second", "third"} {
		require.Eventually(t, func() bool {
			if err := save(key); err != nil {
				return false
			}
			for {
				select {
				case c := <-got:
					if c.ReadAPIKey == key {
						return true
					}
				case <-time.After(50 * time.Millisecond):
					return false
				}
			}
		}, 3*time.Second, 20*time.Millisecond, key)
	}
}
