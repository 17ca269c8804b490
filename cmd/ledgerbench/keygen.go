package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/ledgerbench/internal/paillier"
	"github.com/gateway-fm/ledgerbench/internal/pki"
)

func newKeygenCmd(a *app) *cobra.Command {
	var ecdsaKey bool

	cmd := &cobra.Command{
		Use:   "keygen <kbits> <prefix> | keygen --ecdsa <prefix>",
		Short: "Generate a Paillier key pair as <prefix>.pub and <prefix>.key",
		Long: `Generate a Paillier key pair with a modulus of kbits bits, written as
<prefix>.pub and <prefix>.key. With --ecdsa generate a P-256 signing key
pair instead, written as PEM to <prefix>.pub and <prefix>.priv.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if ecdsaKey {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if ecdsaKey {
				return runKeygenECDSA(a.cliLogger, args[0])
			}
			bits, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid kbits %q: %w", args[0], err)
			}
			return runKeygen(a.cliLogger, bits, args[1])
		},
	}

	cmd.Flags().BoolVar(&ecdsaKey, "ecdsa", false, "Generate an ECDSA signing key pair")
	return cmd
}

func runKeygen(logger *slog.Logger, bits int, prefix string) error {
	sk, err := paillier.GenerateKey(nil, bits)
	if err != nil {
		return err
	}

	pubPath, keyPath := prefix+".pub", prefix+".key"
	if err := sk.PublicKey.Save(pubPath); err != nil {
		return err
	}
	if err := sk.Save(keyPath); err != nil {
		return err
	}

	logger.Info("generated key pair",
		slog.Int("bits", bits),
		slog.String("public", pubPath),
		slog.String("private", keyPath),
	)
	return nil
}

func runKeygenECDSA(logger *slog.Logger, prefix string) error {
	key, err := pki.GenerateKey(nil)
	if err != nil {
		return err
	}

	pubPath, keyPath := prefix+".pub", prefix+".priv"
	if err := pki.SavePublicKey(pubPath, &key.PublicKey); err != nil {
		return err
	}
	if err := pki.SavePrivateKey(keyPath, key); err != nil {
		return err
	}

	logger.Info("generated signing key pair",
		slog.String("curve", "P-256"),
		slog.String("public", pubPath),
		slog.String("private", keyPath),
	)
	return nil
}
