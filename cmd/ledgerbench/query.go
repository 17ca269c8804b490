package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/paillier"
	"github.com/gateway-fm/ledgerbench/internal/payload"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

func newQueryCmd(a *app) *cobra.Command {
	var keyPath string

	cmd := &cobra.Command{
		Use:   "query <meterID>",
		Short: "Print the consumption asset of a meter",
		Long: `Read a meter's asset with the read-only getConsumption call. With --key the
encrypted consumption is decrypted with the Paillier private key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), a, args[0], keyPath)
		},
	}

	cmd.Flags().StringVar(&keyPath, "key", "",
		"Paillier private key file used to decrypt the consumption")

	return cmd
}

func runQuery(ctx context.Context, a *app, meterID, keyPath string) error {
	var sk *paillier.PrivateKey
	if keyPath != "" {
		var err error
		if sk, err = paillier.LoadPrivateKey(keyPath); err != nil {
			return err
		}
	}

	profile, err := a.loadProfile()
	if err != nil {
		return err
	}
	handle, err := ledger.Connect(ctx, gatewayConfig(profile, a.cliLogger), identity(profile))
	if err != nil {
		return err
	}

	req := requestTemplate(profile, 0, types.PayloadPlaintext)
	call := payload.ConsumptionCall(meterID)
	raw, err := handle.Query(ctx, ledger.Proposal{
		Requestor: req.Requestor,
		Channel:   req.Channel,
		Peers:     req.Peers,
		Chaincode: req.Chaincode,
		Version:   req.Version,
		Language:  req.Language,
		Function:  call.Function,
		Args:      call.Args,
	})
	if err != nil {
		return fmt.Errorf("query meter %s: %w", meterID, err)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		out.Reset()
		out.Write(raw)
	}
	fmt.Println(out.String())

	if sk == nil {
		return nil
	}
	consumption, err := decryptConsumption(raw, sk)
	if err != nil {
		return err
	}
	fmt.Printf("Decrypted consumption: %s\n", consumption)
	return nil
}

// decryptConsumption decrypts the encrypted measurement sum of a meter asset.
func decryptConsumption(raw json.RawMessage, sk *paillier.PrivateKey) (*big.Int, error) {
	var meter payload.Meter
	if err := json.Unmarshal(raw, &meter); err != nil {
		return nil, fmt.Errorf("decode meter asset: %w", err)
	}
	if meter.EncrypMeasure == "" {
		return nil, fmt.Errorf("meter has no encrypted consumption")
	}
	c, ok := new(big.Int).SetString(meter.EncrypMeasure, 10)
	if !ok {
		return nil, fmt.Errorf("invalid encrypted consumption %q", meter.EncrypMeasure)
	}
	return sk.Decrypt(c)
}
