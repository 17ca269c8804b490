package config

import (
	"fmt"
	"strconv"

	"github.com/gateway-fm/ledgerbench/internal/keyspace"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// RunArgs holds the positional arguments of a benchmark run.
type RunArgs struct {
	Mode       types.CompletionMode
	Processes  int
	Threads    int
	PubKeyPath string // Empty selects plaintext payloads
	KeyBits    int

	// SignKeyPath is an ECDSA private key; set, it selects signed
	// measurements checked by the PKI chaincode.
	SignKeyPath string
}

// RunUsage is the positional usage of the run subcommand.
const RunUsage = "<mode> <nprocesses> <nthreads> [<pubkey> <kbits>]"

// RegisterUsage is the positional usage of the register subcommand.
const RegisterUsage = "<nprocesses> <nthreads> [<pubkey> <kbits>]"

// ParseRunArgs parses "<mode> <nprocesses> <nthreads> [<pubkey> <kbits>]".
// The key pair is optional but must be given in full.
func ParseRunArgs(args []string) (*RunArgs, error) {
	if len(args) != 3 && len(args) != 5 {
		return nil, fmt.Errorf("expected %s, got %d arguments", RunUsage, len(args))
	}

	mode, err := types.ParseCompletionMode(args[0])
	if err != nil {
		return nil, err
	}

	ra, err := parseFanOut(args[1:])
	if err != nil {
		return nil, err
	}
	ra.Mode = mode
	return ra, nil
}

// ParseRegisterArgs parses "<nprocesses> <nthreads> [<pubkey> <kbits>]".
// Registration has no completion mode; Mode is left zero.
func ParseRegisterArgs(args []string) (*RunArgs, error) {
	if len(args) != 2 && len(args) != 4 {
		return nil, fmt.Errorf("expected %s, got %d arguments", RegisterUsage, len(args))
	}
	return parseFanOut(args)
}

func parseFanOut(args []string) (*RunArgs, error) {
	processes, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid nprocesses %q: %w", args[0], err)
	}
	threads, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, fmt.Errorf("invalid nthreads %q: %w", args[1], err)
	}

	ra := &RunArgs{Processes: processes, Threads: threads}
	if len(args) == 4 {
		ra.PubKeyPath = args[2]
		bits, err := strconv.Atoi(args[3])
		if err != nil {
			return nil, fmt.Errorf("invalid kbits %q: %w", args[3], err)
		}
		ra.KeyBits = bits
	}

	if err := ra.Validate(keyspace.Default()); err != nil {
		return nil, err
	}
	return ra, nil
}

// Validate checks counts against the allocator's disjointness bound.
func (a *RunArgs) Validate(alloc keyspace.Allocator) error {
	if a.Processes < 1 {
		return fmt.Errorf("nprocesses must be at least 1")
	}
	if a.Threads < 1 {
		return fmt.Errorf("nthreads must be at least 1")
	}
	if err := alloc.Check(a.Processes-1, a.Threads-1); err != nil {
		return fmt.Errorf("nthreads=%d: %w", a.Threads, err)
	}
	if a.PubKeyPath != "" && a.KeyBits <= 0 {
		return fmt.Errorf("kbits must be positive when a public key is given")
	}
	if a.PubKeyPath != "" && a.SignKeyPath != "" {
		return fmt.Errorf("a Paillier key and a signing key cannot be combined")
	}
	return nil
}

// PayloadKind reports which payload builder the arguments select.
func (a *RunArgs) PayloadKind() types.PayloadKind {
	switch {
	case a.SignKeyPath != "":
		return types.PayloadSignature
	case a.PubKeyPath != "":
		return types.PayloadEncrypted
	}
	return types.PayloadPlaintext
}
