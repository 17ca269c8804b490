// Package main provides the ledgerbench CLI: a throughput and latency
// benchmark for a permissioned ledger's metering chaincode.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/ledgerbench/internal/config"
	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/storage"
)

func main() {
	level := new(slog.LevelVar)
	app := &app{
		cfg:   config.FromEnv(),
		level: level,
		// Long-running commands log JSON on stdout, interactive ones text
		// on stderr so their results stay machine-readable.
		logger:    slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})),
		cliLogger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(app)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries the process-wide configuration shared by the subcommands.
type app struct {
	cfg       *config.Config
	level     *slog.LevelVar
	logger    *slog.Logger
	cliLogger *slog.Logger
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "ledgerbench",
		Short: "Benchmark harness for the metering chaincode of a permissioned ledger",
		Long: `Ledgerbench fans measurement submissions out across worker processes and
threads, each writing to its own block of meters, and records the latency of
every submission for offline analysis.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			level, err := config.ParseLogLevel(a.cfg.LogLevel)
			if err != nil {
				return err
			}
			a.level.Set(level)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfg.GatewayURL, "gateway", a.cfg.GatewayURL,
		"Ledger gateway URL (overrides the profile's gateway_url)")
	flags.StringVar(&a.cfg.ProfilePath, "profile", a.cfg.ProfilePath,
		"Network profile TOML file")
	flags.StringVar(&a.cfg.DatabasePath, "database", a.cfg.DatabasePath,
		"SQLite run history database (empty disables history)")
	flags.StringVar(&a.cfg.StatsDir, "stats-dir", a.cfg.StatsDir,
		"Directory receiving per-worker <meterBase>.csv files")
	flags.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel,
		"Log level (debug, info, warn, error)")
	flags.IntVar(&a.cfg.MetricsBasePort, "metrics-base-port", a.cfg.MetricsBasePort,
		"Worker process i serves /metrics on this port + i (0 disables)")

	root.AddCommand(
		newRunCmd(a),
		newServeCmd(a),
		newWorkerCmd(a),
		newRegisterCmd(a),
		newQueryCmd(a),
		newReportCmd(a),
		newKeygenCmd(a),
	)

	return root
}

// sharedArgs returns the persistent flags a worker child needs to rebuild
// the parent's configuration.
func (a *app) sharedArgs() []string {
	args := []string{
		"--profile", a.cfg.ProfilePath,
		"--database", a.cfg.DatabasePath,
		"--stats-dir", a.cfg.StatsDir,
		"--log-level", a.cfg.LogLevel,
		"--metrics-base-port", strconv.Itoa(a.cfg.MetricsBasePort),
	}
	if a.cfg.GatewayURL != "" {
		args = append(args, "--gateway", a.cfg.GatewayURL)
	}
	return args
}

func (a *app) loadProfile() (*config.Profile, error) {
	return config.LoadProfile(a.cfg.ProfilePath, a.cfg.GatewayURL)
}

// openStore opens the history database, or returns nil when it is disabled.
func (a *app) openStore(logger *slog.Logger) (*storage.SQLiteStorage, error) {
	if a.cfg.DatabasePath == "" {
		return nil, nil
	}
	store, err := storage.NewSQLiteStorage(a.cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open run history %s: %w", a.cfg.DatabasePath, err)
	}
	logger.Debug("initialized storage", slog.String("path", a.cfg.DatabasePath))
	return store, nil
}

// gatewayConfig derives the gateway client settings from the profile.
func gatewayConfig(p *config.Profile, logger *slog.Logger) ledger.GatewayConfig {
	cfg := ledger.DefaultGatewayConfig(p.GatewayURL)
	cfg.Timeout = p.CallTimeout
	cfg.Logger = logger
	return cfg
}

func identity(p *config.Profile) ledger.Identity {
	return ledger.Identity{Org: p.Identity.Org, User: p.Identity.User}
}
