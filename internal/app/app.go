package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"carrier_analytics/internal/analytics"
	"carrier_analytics/internal/auth"
	"carrier_analytics/internal/backfill"
	"carrier_analytics/internal/config"
	"carrier_analytics/internal/httpapi"
	"carrier_analytics/internal/identity"
	"carrier_analytics/internal/ingest"
	"carrier_analytics/internal/matching"
	"carrier_analytics/internal/rollup"
	"carrier_analytics/internal/store"
)

const shutdownTimeout = 10 * time.Second

// App wires the data plane components together.
type App struct {
	cfg       config.Config
	log       *slog.Logger
	store     *store.Store
	gate      *auth.Gate
	rebuilder *backfill.Rebuilder
	handler   http.Handler
}

func New(cfg config.Config, log *slog.Logger) (*App, error) {
	return NewWithClock(cfg, log, clockwork.NewRealClock())
}

// NewWithClock is New with an injected clock for the store, analytics and
// matching.
func NewWithClock(cfg config.Config, log *slog.Logger, clock clockwork.Clock) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	names, err := identity.ByName(cfg.CarrierNameMatch)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Options{
		Driver:     cfg.DBDriver,
		DSN:        cfg.DataSource(),
		MaxRetries: cfg.TxMaxRetries,
		Logger:     log,
		Clock:      clock,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	engine := rollup.NewEngine(log)
	gate := auth.NewGate(keysFrom(cfg), httpapi.NewErrorWriter(log, cfg.IsProduction()))
	router := httpapi.NewRouter(httpapi.Deps{
		Store:          st,
		Ingest:         ingest.NewService(st, engine, names, log),
		Analytics:      analytics.NewService(st, clock),
		Matching:       matching.NewEngine(st, clock, log),
		Gate:           gate,
		Logger:         log,
		Production:     cfg.IsProduction(),
		MetricsEnabled: cfg.MetricsEnabled,
		CORSOrigins:    cfg.CORSOrigins,
		APIKeyHeader:   cfg.APIKeyHeader,
	})
	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		gate:      gate,
		rebuilder: backfill.New(st, engine, cfg.RebuildWorkers, log),
		handler:   router.Handler(),
	}, nil
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests.
// Credential changes in the config file are applied without a restart.
func (a *App) Run(ctx context.Context) error {
	if _, err := os.Stat(a.cfg.ConfigPath); err == nil {
		go func() {
			if err := config.Watch(ctx, a.log, a.cfg.ConfigPath, a.Reload); err != nil {
				a.log.Warn("config: watch disabled", "path", a.cfg.ConfigPath, "err", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPPort,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http: listening", "addr", a.cfg.HTTPPort, "driver", a.cfg.DBDriver, "environment", a.cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.log.Info("http: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// Reload applies the reloadable parts of cfg. Only credentials change at
// runtime; everything else needs a restart.
func (a *App) Reload(cfg config.Config) {
	a.gate.Update(keysFrom(cfg))
	a.log.Info("auth: credentials reloaded", "header", cfg.APIKeyHeader)
}

// Rebuild recomputes every carrier rollup, or with verify only reports
// carriers whose stored rollup has drifted.
func (a *App) Rebuild(ctx context.Context, verify bool) (backfill.Summary, error) {
	if verify {
		return a.rebuilder.Verify(ctx)
	}
	return a.rebuilder.Rebuild(ctx)
}

func (a *App) Handler() http.Handler { return a.handler }
func (a *App) Store() *store.Store { return a.store }
func (a *App) Close() error { return a.store.Close() }

func keysFrom(cfg config.Config) auth.Keys {
	return auth.Keys{Ingest: cfg.IngestAPIKey, Read: cfg.ReadAPIKey, Header: cfg.APIKeyHeader}
}
