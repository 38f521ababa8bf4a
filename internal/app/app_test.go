package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"carrier_analytics/internal/config"
)

func testConfig(t *testing.T) config.Config {
	return config.Config{
		HTTPPort:         ":0",
		DBDriver:         config.DriverSQLite,
		DBPath:           filepath.Join(t.TempDir(), "app.db"),
		Environment:      "development",
		ConfigPath:       filepath.Join(t.TempDir(), "missing.yaml"),
		IngestAPIKey:     "ingest-1",
		ReadAPIKey:       "read-1",
		APIKeyHeader:     "X-API-Key",
		CarrierNameMatch: config.MatchFold,
		TxMaxRetries:     3,
		RebuildWorkers:   2,
	}
}

func newTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := NewWithClock(cfg, log, clockwork.NewFakeClockAt(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func call(t *testing.T, h http.Handler, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func event(callID, carrier string) map[string]any {
	return map[string]any{
		"call_id":        callID,
		"carrier_name":   carrier,
		"lane":           "LA→PHX",
		"miles":          400,
		"equipment_type": "Dry Van",
		"final_rate":     900,
		"outcome_simple": "Successful",
		"sentiment":      "positive",
		"call_date":      "2025-03-09T10:00:00Z",
	}
}

func TestAppServesIngestAndReads(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	h := a.Handler()

	rec := call(t, h, http.MethodPost, "/api/v1/events/call-completed", "ingest-1", event("c1", "Acme Freight"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = call(t, h, http.MethodPost, "/api/v1/events/call-completed", "ingest-1", event("c2", "  ACME  freight "))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = call(t, h, http.MethodGet, "/api/v1/carriers", "read-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1, "folded names resolve to one carrier")
	require.Equal(t, "Acme Freight", list[0]["carrier_name"])

	rec = call(t, h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAppReloadRotatesCredentials(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)
	h := a.Handler()

	require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/api/v1/carriers", "read-1", nil).Code)

	cfg.ReadAPIKey = "read-2"
	a.Reload(cfg)
	require.Equal(t, http.StatusUnauthorized, call(t, h, http.MethodGet, "/api/v1/carriers", "read-1", nil).Code)
	require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/api/v1/carriers", "read-2", nil).Code)
}

func TestAppRebuild(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	h := a.Handler()
	for _, id := range []string{"c1", "c2"} {
		require.Equal(t, http.StatusCreated, call(t, h, http.MethodPost, "/api/v1/events/call-completed", "ingest-1", event(id, "Acme")).Code)
	}
	require.Equal(t, http.StatusCreated, call(t, h, http.MethodPost, "/api/v1/events/call-completed", "ingest-1", event("c3", "Bolt")).Code)

	ctx := context.Background()
	summary, err := a.Rebuild(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Carriers)
	require.Empty(t, summary.Drifted)

	summary, err = a.Rebuild(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Rebuilt)
}

func TestNewRejectsUnknownNameStrategy(t *testing.T) {
	cfg := testConfig(t)
	cfg.CarrierNameMatch = "phonetic"
	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTPPort = "127.0.0.1:0"
	a := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
