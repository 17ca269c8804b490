// Package payload builds the chaincode calls that carry measurements.
package payload

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"

	"github.com/gateway-fm/ledgerbench/internal/paillier"
	"github.com/gateway-fm/ledgerbench/internal/pki"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// Chaincode functions of the metering contract.
const (
	FnInsertPlaintext = "insertPlainTextMeasurement"
	FnInsertEncrypted = "insertMeasurement"
	FnRegisterMeter   = "registerMeter"
	FnGetConsumption  = "getConsumption"
)

// FnCheckSignature is the verifying function of the PKI chaincode.
const FnCheckSignature = "checkSignature"

const (
	// MaxRand bounds measurements: values are drawn from [1, MaxRand) and the
	// ciphertext pool covers [0, MaxRand).
	MaxRand = 99

	// DefaultSeed makes measurement sequences reproducible across runs.
	DefaultSeed = 123
)

// Call is a chaincode function plus its arguments.
type Call struct {
	Function string
	Args     []string
}

// Builder turns a measurement for a meter into a chaincode call.
type Builder interface {
	// Kind returns the payload kind the builder produces.
	Kind() types.PayloadKind

	// Build creates the insert call for meterID.
	Build(meterID string, measurement int) (Call, error)
}

// PlaintextBuilder inserts measurements in the clear.
type PlaintextBuilder struct{}

// NewPlaintextBuilder creates a plaintext builder.
func NewPlaintextBuilder() *PlaintextBuilder {
	return &PlaintextBuilder{}
}

// Kind implements Builder.
func (b *PlaintextBuilder) Kind() types.PayloadKind { return types.PayloadPlaintext }

// Build implements Builder.
func (b *PlaintextBuilder) Build(meterID string, measurement int) (Call, error) {
	return Call{
		Function: FnInsertPlaintext,
		Args:     []string{meterID, strconv.Itoa(measurement)},
	}, nil
}

// EncryptedBuilder inserts precomputed ciphertexts.
type EncryptedBuilder struct {
	pool *paillier.CiphertextPool
}

// NewEncryptedBuilder creates a builder reading from pool.
func NewEncryptedBuilder(pool *paillier.CiphertextPool) *EncryptedBuilder {
	return &EncryptedBuilder{pool: pool}
}

// Kind implements Builder.
func (b *EncryptedBuilder) Kind() types.PayloadKind { return types.PayloadEncrypted }

// Build implements Builder.
func (b *EncryptedBuilder) Build(meterID string, measurement int) (Call, error) {
	c, err := b.pool.Get(measurement)
	if err != nil {
		return Call{}, err
	}
	return Call{
		Function: FnInsertEncrypted,
		Args:     []string{meterID, c},
	}, nil
}

// SignatureBuilder submits signed measurements for verification.
type SignatureBuilder struct {
	signer *pki.Signer
}

// NewSignatureBuilder creates a builder signing with signer.
func NewSignatureBuilder(signer *pki.Signer) *SignatureBuilder {
	return &SignatureBuilder{signer: signer}
}

// Kind implements Builder.
func (b *SignatureBuilder) Kind() types.PayloadKind { return types.PayloadSignature }

// Build implements Builder. The message is the measurement in decimal.
func (b *SignatureBuilder) Build(meterID string, measurement int) (Call, error) {
	msg := strconv.Itoa(measurement)
	sig, err := b.signer.Sign(msg)
	if err != nil {
		return Call{}, err
	}
	return Call{
		Function: FnCheckSignature,
		Args:     []string{meterID, msg, sig},
	}, nil
}

// RegisterCall returns the call registering meterID with a public key
// string: "kbits,N,G,Nsq" for encrypted meters, a PEM key for signing meters
// and empty for plaintext meters.
func RegisterCall(meterID, pubKey string) Call {
	return Call{Function: FnRegisterMeter, Args: []string{meterID, pubKey}}
}

// ConsumptionCall returns the read-only call fetching a meter's asset.
func ConsumptionCall(meterID string) Call {
	return Call{Function: FnGetConsumption, Args: []string{meterID}}
}

// Meter is the asset document the chaincode stores per meter.
type Meter struct {
	PublicKey     string `json:"publickey"`
	PlainMeasure  int64  `json:"plainmeasure"`
	EncrypMeasure string `json:"encrypmeasure"`
}

// Registry manages builder lookup by kind.
type Registry struct {
	builders map[types.PayloadKind]Builder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[types.PayloadKind]Builder)}
}

// Register adds a builder, replacing any builder of the same kind.
func (r *Registry) Register(b Builder) {
	r.builders[b.Kind()] = b
}

// Get returns the builder for kind.
func (r *Registry) Get(kind types.PayloadKind) (Builder, error) {
	b, ok := r.builders[kind]
	if !ok {
		return nil, fmt.Errorf("unknown payload kind: %s", kind)
	}
	return b, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []types.PayloadKind {
	kinds := make([]types.PayloadKind, 0, len(r.builders))
	for k := range r.builders {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// NewDefaultRegistry registers the plaintext builder plus the encrypted and
// signature builders whose pool or signer is not nil.
func NewDefaultRegistry(pool *paillier.CiphertextPool, signer *pki.Signer) *Registry {
	r := NewRegistry()
	r.Register(NewPlaintextBuilder())
	if pool != nil {
		r.Register(NewEncryptedBuilder(pool))
	}
	if signer != nil {
		r.Register(NewSignatureBuilder(signer))
	}
	return r
}

// Rand is a seeded measurement source shared by the workers of a process.
// Safe for concurrent use.
type Rand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRand returns a generator producing a fixed sequence for seed.
func NewRand(seed uint64) *Rand {
	return &Rand{rng: rand.New(rand.NewPCG(seed, seed))}
}

// Measurement returns a value in [1, MaxRand).
func (r *Rand) Measurement() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return 1 + r.rng.IntN(MaxRand-1)
}
