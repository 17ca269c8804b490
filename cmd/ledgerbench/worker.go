package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gateway-fm/ledgerbench/internal/config"
	"github.com/gateway-fm/ledgerbench/internal/coordinator"
	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/internal/paillier"
	"github.com/gateway-fm/ledgerbench/internal/payload"
	"github.com/gateway-fm/ledgerbench/internal/pki"
	"github.com/gateway-fm/ledgerbench/internal/ratelimit"
	"github.com/gateway-fm/ledgerbench/internal/stats"
	"github.com/gateway-fm/ledgerbench/internal/storage"
	"github.com/gateway-fm/ledgerbench/internal/submitter"
	"github.com/gateway-fm/ledgerbench/internal/worker"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// workerEnv is everything a worker process needs besides its ProcessSpec.
// Its run method hosts one process's pool, either in a child process or on
// goroutines of the coordinator.
type workerEnv struct {
	profile  *config.Profile
	statsDir string
	store    storage.RecordWriter // optional
	prom     *metrics.PrometheusMetrics
	interval time.Duration
	policy   ratelimit.Policy
	logger   *slog.Logger
}

// run builds the pool for spec and keeps it running until ctx ends. The
// pool then finishes its in-flight submissions and flushes its records.
func (e *workerEnv) run(ctx context.Context, spec coordinator.ProcessSpec) error {
	logger := e.logger.With(slog.String("runId", spec.RunID), slog.Int("process", spec.Index))

	builder, err := loadBuilder(spec.PubKeyPath, spec.KeyBits, spec.SignKeyPath)
	if err != nil {
		return err
	}

	sink, err := e.sink(spec.RunID)
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder(e.prom)
	p := e.profile
	pool, err := worker.NewPool(worker.PoolConfig{
		Process: spec.Index,
		Threads: spec.Threads,
		Connect: connector(p, recorder, logger),
		Retry: worker.RetryPolicy{
			MaxAttempts:    p.Connect.MaxAttempts,
			InitialBackoff: p.Connect.InitialBackoff,
			MaxBackoff:     p.Connect.MaxBackoff,
		},
		Builder:  builder,
		Request:  requestTemplate(p, spec.Mode, builder.Kind()),
		Interval: e.interval,
		Policy:   e.policy,
		Sink:     sink,
		Metrics:  recorder,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// A stop during construction is a clean exit with nothing recorded.
	if _, err := pool.Client(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Info("stopped before the ledger client was constructed")
			return nil
		}
		return err
	}

	// Workers outlive ctx so that in-flight submissions complete.
	if err := pool.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	<-ctx.Done()
	pool.Stop()
	err = pool.Wait()

	st := pool.Stats()
	phases := recorder.Phases()
	logger.Info("worker process finished",
		slog.Int("workers", st.Workers),
		slog.Int64("iterations", st.Iterations),
		slog.Int64("failures", st.Failures),
		slog.Int64("committed", phases.Committed),
	)
	return err
}

func (e *workerEnv) sink(runID string) (stats.Sink, error) {
	csv, err := stats.NewCSVSink(e.statsDir)
	if err != nil {
		return nil, err
	}
	if e.store == nil {
		return csv, nil
	}
	return stats.MultiSink{csv, stats.NewStoreSink(e.store, runID)}, nil
}

// connector builds the process's ledger handle from the profile.
func connector(p *config.Profile, recorder *metrics.Recorder, logger *slog.Logger) worker.Connector {
	return func(ctx context.Context) (ledger.Client, error) {
		cfg := gatewayConfig(p, logger)
		cfg.OnCall = recorder.ObserveGatewayCall
		h, err := ledger.Connect(ctx, cfg, identity(p))
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// requestTemplate fills everything but the function and arguments. Signed
// payloads go to the PKI chaincode, the others to the metering chaincode.
func requestTemplate(p *config.Profile, mode types.CompletionMode, kind types.PayloadKind) submitter.Request {
	cc := p.Chaincode
	if kind == types.PayloadSignature {
		cc = p.PKIChaincode
	}
	return submitter.Request{
		Requestor: identity(p),
		Channel:   p.Channel,
		Peers:     p.Peers,
		Chaincode: cc.Name,
		Version:   cc.Version,
		Language:  cc.Language,
		Mode:      mode,
		Timeout:   p.ConfirmTimeout,
	}
}

// loadBuilder selects the builder for the given keys: signed measurements
// for an ECDSA key at signKeyPath, encrypted ones backed by a ciphertext
// pool for a Paillier key at pubKeyPath, plaintext otherwise.
func loadBuilder(pubKeyPath string, keyBits int, signKeyPath string) (payload.Builder, error) {
	if signKeyPath != "" {
		key, err := pki.LoadPrivateKey(signKeyPath)
		if err != nil {
			return nil, err
		}
		return payload.NewDefaultRegistry(nil, pki.NewSigner(key)).Get(types.PayloadSignature)
	}
	if pubKeyPath == "" {
		return payload.NewDefaultRegistry(nil, nil).Get(types.PayloadPlaintext)
	}

	pk, err := paillier.LoadPublicKey(pubKeyPath)
	if err != nil {
		return nil, err
	}
	if pk.Bits != keyBits {
		return nil, fmt.Errorf("public key %s has %d bits, expected %d", pubKeyPath, pk.Bits, keyBits)
	}
	pool, err := paillier.NewCiphertextPool(pk, payload.MaxRand, nil)
	if err != nil {
		return nil, fmt.Errorf("build ciphertext pool: %w", err)
	}
	return payload.NewDefaultRegistry(pool, nil).Get(types.PayloadEncrypted)
}

func newWorkerCmd(a *app) *cobra.Command {
	var (
		spec     coordinator.ProcessSpec
		mode     string
		interval time.Duration
		policy   string
	)

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one worker process of a benchmark (started by run)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := types.ParseCompletionMode(mode)
			if err != nil {
				return err
			}
			spec.Mode = m

			pol, ok := ratelimit.ParsePolicy(policy)
			if !ok {
				return fmt.Errorf("invalid pacing policy %q (valid: strict, gap)", policy)
			}

			return runWorkerProcess(cmd.Context(), a, spec, interval, pol)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&spec.RunID, "run-id", "", "Run the records belong to")
	flags.IntVar(&spec.Index, "process", 0, "Process index")
	flags.StringVar(&mode, "mode", "1", "Completion mode (1=full, 2=endorse-only, 3=broadcast-only)")
	flags.IntVar(&spec.Threads, "threads", 1, "Workers in this process")
	flags.StringVar(&spec.PubKeyPath, "pubkey", "", "Paillier public key file (empty for plaintext)")
	flags.IntVar(&spec.KeyBits, "kbits", 0, "Public key size in bits")
	flags.StringVar(&spec.SignKeyPath, "sign-key", "", "ECDSA private key signing each measurement")
	addPacingFlags(flags, &interval, &policy)
	_ = cmd.MarkFlagRequired("run-id")

	return cmd
}

// runWorkerProcess hosts a pool in this process. SIGTERM and SIGINT end
// it through the command context.
func runWorkerProcess(ctx context.Context, a *app, spec coordinator.ProcessSpec, interval time.Duration, policy ratelimit.Policy) error {
	logger := a.logger

	profile, err := a.loadProfile()
	if err != nil {
		return err
	}

	store, err := a.openStore(logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	reg := prometheus.NewRegistry()
	env := &workerEnv{
		profile:  profile,
		statsDir: a.cfg.StatsDir,
		prom:     metrics.NewPrometheusMetrics(reg),
		interval: interval,
		policy:   policy,
		logger:   logger,
	}
	if store != nil {
		env.store = store
	}

	if a.cfg.MetricsBasePort > 0 {
		addr := net.JoinHostPort("", strconv.Itoa(a.cfg.MetricsBasePort+spec.Index))
		srv := serveMetrics(addr, reg, logger)
		defer srv.Close()
	}

	return env.run(ctx, spec)
}

// serveMetrics exposes reg on addr until the returned server is closed.
func serveMetrics(addr string, reg prometheus.Gatherer, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("metrics listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}
