package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"carrier_analytics/internal/app"
	"carrier_analytics/internal/config"
	"carrier_analytics/internal/metrics"
)

// Set by the linker.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:          "carrier-analytics",
		Short:        "Carrier negotiation call analytics service",
		SilenceUsage: true,
	}
	bindGlobalFlags(root.PersistentFlags())
	root.AddCommand(serveCmd(), rebuildCmd(), versionCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

			a, err := app.New(cfg, log)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return a.Run(ctx)
		},
	}
}

func rebuildCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute every carrier rollup from stored call events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			a, err := app.New(cfg, log)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			summary, err := a.Rebuild(ctx, verify)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return err
			}
			if summary.Failed > 0 {
				return fmt.Errorf("%d carriers failed", summary.Failed)
			}
			if verify && len(summary.Drifted) > 0 {
				return fmt.Errorf("%d carriers drifted", len(summary.Drifted))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "only report carriers whose stored rollup differs from a full scan")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "carrier-analytics %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func bindGlobalFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func setup() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	log := newLogger(verbose || cfg.LogLevel == "debug")
	slog.SetDefault(log)
	return cfg, log, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z"))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}
