package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/ledgerbench/internal/config"
	"github.com/gateway-fm/ledgerbench/internal/keyspace"
	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/internal/paillier"
	"github.com/gateway-fm/ledgerbench/internal/pki"
	"github.com/gateway-fm/ledgerbench/internal/register"
	"github.com/gateway-fm/ledgerbench/internal/sender"
	"github.com/gateway-fm/ledgerbench/internal/submitter"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

func newRegisterCmd(a *app) *cobra.Command {
	var (
		concurrency int
		outputJSON  bool
		signPub     string
	)

	cmd := &cobra.Command{
		Use:   "register " + config.RegisterUsage,
		Short: "Register every meter a run of the same shape will write to",
		Long: `Register the meters of nprocesses x nthreads worker blocks. With
<pubkey> <kbits> every meter stores the Paillier public key and accepts
encrypted measurements; without them the meters are plaintext. --sign-pub
registers the meters with the PKI chaincode under an ECDSA public key.
Failed registrations are reported and do not abort the pass.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ra, err := config.ParseRegisterArgs(args)
			if err != nil {
				return err
			}
			return runRegister(cmd.Context(), a, ra, signPub, concurrency, outputJSON)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&concurrency, "concurrency", sender.DefaultConcurrency,
		"Maximum registrations in flight")
	flags.BoolVar(&outputJSON, "json", false,
		"Print the report as JSON")
	flags.StringVar(&signPub, "sign-pub", "",
		"ECDSA public key (PEM) stored with every meter")

	return cmd
}

func runRegister(ctx context.Context, a *app, ra *config.RunArgs, signPub string, concurrency int, outputJSON bool) error {
	logger := a.cliLogger

	pubKey := ""
	kind := ra.PayloadKind()
	switch {
	case signPub != "" && ra.PubKeyPath != "":
		return fmt.Errorf("a Paillier key and a signing key cannot be combined")
	case signPub != "":
		pem, err := pki.LoadPublicKey(signPub)
		if err != nil {
			return err
		}
		pubKey = pem
		kind = types.PayloadSignature
	case ra.PubKeyPath != "":
		pk, err := paillier.LoadPublicKey(ra.PubKeyPath)
		if err != nil {
			return err
		}
		if pk.Bits != ra.KeyBits {
			return fmt.Errorf("public key %s has %d bits, expected %d", ra.PubKeyPath, pk.Bits, ra.KeyBits)
		}
		pubKey = pk.String()
	}

	profile, err := a.loadProfile()
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder(nil)
	gw := gatewayConfig(profile, logger)
	gw.OnCall = recorder.ObserveGatewayCall
	handle, err := ledger.Connect(ctx, gw, identity(profile))
	if err != nil {
		return err
	}

	sub := submitter.New(submitter.Config{Client: handle, Observer: recorder, Logger: logger})
	report, err := register.Run(ctx, register.Config{
		Allocator: keyspace.Default(),
		Processes: ra.Processes,
		Threads:   ra.Threads,
		PublicKey: pubKey,
		Sender:    sender.New(sender.Config{Submitter: sub, Concurrency: concurrency, Logger: logger}),
		Request:   requestTemplate(profile, types.ModeFull, kind),
		Metrics:   recorder,
		Logger:    logger,
	})
	if report != nil {
		if outputJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
		} else {
			printRegisterReport(report)
		}
	}
	if err != nil {
		return err
	}

	logger.Info("registration finished",
		slog.Int("registered", report.Registered),
		slog.Int("failed", report.Failed),
		slog.Duration("elapsed", report.Elapsed),
	)
	return nil
}

func printRegisterReport(r *register.Report) {
	fmt.Printf("Meters:     %d\n", r.Total)
	fmt.Printf("Registered: %d\n", r.Registered)
	fmt.Printf("Failed:     %d\n", r.Failed)
	fmt.Printf("Elapsed:    %s\n", r.Elapsed.Round(time.Millisecond))
	for _, f := range r.Failures {
		fmt.Printf("  meter %d: %s: %s\n", f.MeterID, f.Kind, f.Message)
	}
	if shown := len(r.Failures); shown < r.Failed {
		fmt.Printf("  ... and %d more\n", r.Failed-shown)
	}
}
