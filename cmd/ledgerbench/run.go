package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gateway-fm/ledgerbench/internal/config"
	"github.com/gateway-fm/ledgerbench/internal/coordinator"
	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/internal/ratelimit"
	"github.com/gateway-fm/ledgerbench/internal/storage"
	"github.com/gateway-fm/ledgerbench/internal/transport"
	"github.com/gateway-fm/ledgerbench/internal/worker"
)

// shutdownTimeout bounds the graceful shutdown of the API server.
const shutdownTimeout = 10 * time.Second

// runtimeOptions select how worker processes are hosted and paced.
type runtimeOptions struct {
	inProcess   bool
	stopTimeout time.Duration
	interval    time.Duration
	policy      string
	collectorTo string
}

func addRuntimeFlags(flags *pflag.FlagSet, a *app, opts *runtimeOptions) {
	flags.BoolVar(&opts.inProcess, "in-process", false,
		"Host worker pools on goroutines instead of child processes")
	flags.DurationVar(&opts.stopTimeout, "stop-timeout", coordinator.DefaultStopTimeout,
		"Wait after SIGTERM before a worker process is killed")
	flags.StringVar(&a.cfg.Collector, "collector", a.cfg.Collector,
		"Metrics collector command line started before and killed after each run")
	flags.StringVar(&opts.collectorTo, "collector-output", "",
		"File receiving the collector's output (default: stderr)")
	addPacingFlags(flags, &opts.interval, &opts.policy)
}

func addPacingFlags(flags *pflag.FlagSet, interval *time.Duration, policy *string) {
	flags.DurationVar(interval, "interval", worker.DefaultInterval,
		"Pause between a worker's submissions")
	flags.StringVar(policy, "pacing", ratelimit.Gap.String(),
		"Pacing policy: gap (full interval after each submission) or strict (fixed schedule)")
}

func newRunCmd(a *app) *cobra.Command {
	var (
		opts       runtimeOptions
		listen     string
		outputJSON bool
		signKey    string
	)

	cmd := &cobra.Command{
		Use:   "run " + config.RunUsage,
		Short: "Run a benchmark for a fixed duration",
		Long: `Spawn nprocesses worker processes hosting nthreads workers each. Every
worker submits one measurement per interval to its own block of meters until
the duration elapsed, then writes its submission timestamps to
<stats-dir>/<meterBase>.csv and to the run history.

Modes: 1 (full) waits for commit, 2 (endorse-only) stops after endorsement,
3 (broadcast-only) stops once the orderer accepted the transaction. Passing
<pubkey> <kbits> submits Paillier-encrypted measurements. --sign-key submits
each measurement with its ECDSA signature to the PKI chaincode instead.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ra, err := config.ParseRunArgs(args)
			if err != nil {
				return err
			}
			ra.SignKeyPath = signKey
			plan := coordinator.Plan{RunArgs: *ra, Duration: a.cfg.Duration}
			if err := plan.Validate(); err != nil {
				return err
			}
			return runBenchmark(cmd.Context(), a, plan, opts, listen, outputJSON)
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&a.cfg.Duration, "duration", a.cfg.Duration,
		"Run duration")
	flags.StringVar(&listen, "listen", "",
		"Also serve the run API on this address while the run is active")
	flags.BoolVar(&outputJSON, "json", false,
		"Print the run result as JSON")
	flags.StringVar(&signKey, "sign-key", "",
		"ECDSA private key (PEM) signing each measurement")
	addRuntimeFlags(flags, a, &opts)

	return cmd
}

func runBenchmark(ctx context.Context, a *app, plan coordinator.Plan, opts runtimeOptions, listen string, outputJSON bool) error {
	logger := a.logger
	reg := newRegistry()

	rt, err := newSession(a, opts, reg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if listen != "" {
		srv := startAPIServer(listen, rt.coord, rt.health, reg, a.cfg.CORSAllowedOrigins, logger)
		defer shutdownAPIServer(srv, logger)
	}

	logger.Info("starting benchmark",
		slog.String("mode", plan.Mode.String()),
		slog.Int("processes", plan.Processes),
		slog.Int("threads", plan.Threads),
		slog.String("payload", string(plan.PayloadKind())),
		slog.Duration("duration", plan.Duration),
		slog.Bool("inProcess", opts.inProcess),
	)

	res, runErr := rt.coord.Run(ctx, plan)
	if res != nil {
		if outputJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
		}
		logResult(logger, res)
	}
	return runErr
}

func logResult(logger *slog.Logger, res *coordinator.Result) {
	attrs := []any{
		slog.String("runId", res.RunID),
		slog.String("status", string(res.Status)),
	}
	if s := res.Summary; s != nil {
		attrs = append(attrs,
			slog.Int("records", s.Records),
			slog.Int("workers", s.Workers),
			slog.Float64("tps", s.TPS),
		)
		if s.Latency != nil {
			attrs = append(attrs,
				slog.Float64("p50Ms", s.Latency.P50),
				slog.Float64("p99Ms", s.Latency.P99),
			)
		}
	}
	logger.Info("run finished", attrs...)
}

func newServeCmd(a *app) *cobra.Command {
	var opts runtimeOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API; runs are started with POST /v1/start",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveAPI(cmd.Context(), a, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&a.cfg.ListenAddr, "listen", a.cfg.ListenAddr,
		"HTTP API listen address")
	flags.StringVar(&a.cfg.CORSAllowedOrigins, "cors-origins", a.cfg.CORSAllowedOrigins,
		"Comma-separated allowed origins, or * for all")
	addRuntimeFlags(flags, a, &opts)

	return cmd
}

func serveAPI(ctx context.Context, a *app, opts runtimeOptions) error {
	if a.cfg.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	logger := a.logger
	reg := newRegistry()

	rt, err := newSession(a, opts, reg)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := startAPIServer(a.cfg.ListenAddr, rt.coord, rt.health, reg, a.cfg.CORSAllowedOrigins, logger)
	<-ctx.Done()

	logger.Info("shutting down...")
	shutdownAPIServer(srv, logger)
	rt.coord.Stop()
	<-rt.coord.Done()
	return nil
}

// session is a coordinator with the resources it owns.
type session struct {
	coord     *coordinator.Coordinator
	health    transport.HealthChecker
	store     *storage.SQLiteStorage
	collectTo io.Closer
}

func newSession(a *app, opts runtimeOptions, reg prometheus.Registerer) (*session, error) {
	logger := a.logger

	policy, ok := ratelimit.ParsePolicy(opts.policy)
	if !ok {
		return nil, fmt.Errorf("invalid pacing policy %q (valid: strict, gap)", opts.policy)
	}

	// Loaded up front so a bad profile fails before any process starts.
	profile, err := a.loadProfile()
	if err != nil {
		return nil, err
	}

	rt := &session{health: gatewayHealth{cfg: gatewayConfig(profile, logger)}}
	built := false
	defer func() {
		if !built {
			rt.Close()
		}
	}()

	rt.store, err = a.openStore(logger)
	if err != nil {
		return nil, err
	}
	var store storage.Storage
	if rt.store != nil {
		store = rt.store
	}

	prom := metrics.NewPrometheusMetrics(reg)

	var launcher coordinator.Launcher
	if opts.inProcess {
		env := &workerEnv{
			profile:  profile,
			statsDir: a.cfg.StatsDir,
			prom:     prom,
			interval: opts.interval,
			policy:   policy,
			logger:   logger,
		}
		if rt.store != nil {
			env.store = rt.store
		}
		launcher = &coordinator.InProcessLauncher{Run: env.run}
	} else {
		extra := append(a.sharedArgs(), "--interval", opts.interval.String(), "--pacing", policy.String())
		l, err := coordinator.NewExecLauncher("worker", extra, logger)
		if err != nil {
			return nil, err
		}
		l.StopTimeout = opts.stopTimeout
		launcher = l
	}

	var collectorOut io.Writer = os.Stderr
	if opts.collectorTo != "" {
		f, err := os.Create(opts.collectorTo)
		if err != nil {
			return nil, fmt.Errorf("create collector output: %w", err)
		}
		rt.collectTo = f
		collectorOut = f
	}

	rt.coord, err = coordinator.New(coordinator.Config{
		Launcher:        launcher,
		Store:           store,
		Collector:       a.cfg.CollectorArgs(),
		CollectorOutput: collectorOut,
		Metrics:         prom,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	built = true
	return rt, nil
}

func (rt *session) Close() {
	if rt.store != nil {
		rt.store.Close()
	}
	if rt.collectTo != nil {
		rt.collectTo.Close()
	}
}

// gatewayHealth pings the ledger gateway for readiness probes.
type gatewayHealth struct {
	cfg ledger.GatewayConfig
}

func (h gatewayHealth) CheckGateway(ctx context.Context) error {
	_, err := ledger.NewGateway(h.cfg).Ping(ctx)
	return err
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func startAPIServer(addr string, api transport.RunAPI, health transport.HealthChecker, gatherer prometheus.Gatherer, corsOrigins string, logger *slog.Logger) *apiServer {
	server := transport.NewServer(transport.ServerConfig{
		API:                api,
		Health:             health,
		Gatherer:           gatherer,
		CORSAllowedOrigins: corsOrigins,
		Logger:             logger,
	})
	srv := &http.Server{Addr: addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("starting HTTP server", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", slog.String("error", err.Error()))
		}
	}()
	return &apiServer{http: srv, api: server}
}

type apiServer struct {
	http *http.Server
	api  *transport.Server
}

func shutdownAPIServer(s *apiServer, logger *slog.Logger) {
	s.api.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server shutdown", slog.String("error", err.Error()))
	}
}
