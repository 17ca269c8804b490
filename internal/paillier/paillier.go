// Package paillier wraps go-go-gadget-paillier with the key files and the
// text codec the benchmark needs.
//
// Keys are exchanged as the text "kbits,N,G,Nsq" with decimal integers, the
// same string the chaincode receives when a meter is registered. Private key
// files carry lambda and mu so that consumption totals can be decrypted by a
// later process.
package paillier

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	gadget "github.com/roasbeef/go-go-gadget-paillier"
)

var one = big.NewInt(1)

// PublicKey is a Paillier public key with generator N+1, labelled with the
// key size the chaincode is told about.
type PublicKey struct {
	gadget.PublicKey
	Bits int
}

// NewPublicKey returns the key for modulus n with the standard generator n+1.
func NewPublicKey(n *big.Int, bits int) *PublicKey {
	return &PublicKey{
		PublicKey: gadget.PublicKey{
			N:        new(big.Int).Set(n),
			G:        new(big.Int).Add(n, one),
			NSquared: new(big.Int).Mul(n, n),
		},
		Bits: bits,
	}
}

// FromGadget labels a library key with its modulus size.
func FromGadget(pk *gadget.PublicKey) *PublicKey {
	return NewPublicKey(pk.N, pk.N.BitLen())
}

// ParsePublicKey parses "kbits,N,G,Nsq".
func ParsePublicKey(s string) (*PublicKey, error) {
	fields := strings.Split(strings.TrimSpace(s), ",")
	if len(fields) != 4 {
		return nil, fmt.Errorf("public key: expected kbits,N,G,Nsq, got %d fields", len(fields))
	}

	bits, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil || bits <= 0 {
		return nil, fmt.Errorf("public key: invalid kbits %q", fields[0])
	}

	ints := make([]*big.Int, 3)
	for i, f := range fields[1:] {
		v, ok := new(big.Int).SetString(strings.TrimSpace(f), 10)
		if !ok || v.Sign() <= 0 {
			return nil, fmt.Errorf("public key: invalid integer in field %d", i+2)
		}
		ints[i] = v
	}

	pk := &PublicKey{
		PublicKey: gadget.PublicKey{N: ints[0], G: ints[1], NSquared: ints[2]},
		Bits:      bits,
	}
	if err := pk.Validate(); err != nil {
		return nil, err
	}
	return pk, nil
}

// LoadPublicKey reads a public key file.
func LoadPublicKey(path string) (*PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read public key %s", path)
	}
	pk, err := ParsePublicKey(string(data))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse public key %s", path)
	}
	return pk, nil
}

// Save writes the key in the text form read by LoadPublicKey.
func (pk *PublicKey) Save(path string) error {
	if err := os.WriteFile(path, []byte(pk.String()+"\n"), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write public key %s", path)
	}
	return nil
}

// Validate checks the internal consistency of the key.
func (pk *PublicKey) Validate() error {
	if pk.N == nil || pk.G == nil || pk.NSquared == nil {
		return fmt.Errorf("public key: missing component")
	}
	if new(big.Int).Mul(pk.N, pk.N).Cmp(pk.NSquared) != 0 {
		return fmt.Errorf("public key: Nsq is not N squared")
	}
	if pk.G.Cmp(new(big.Int).Add(pk.N, one)) != 0 {
		return fmt.Errorf("public key: G is not N+1")
	}
	return nil
}

// String returns "kbits,N,G,Nsq".
func (pk *PublicKey) String() string {
	return fmt.Sprintf("%d,%s,%s,%s", pk.Bits, pk.N, pk.G, pk.NSquared)
}

// Encrypt returns the ciphertext of m under a nonce drawn from random, or
// from crypto/rand when random is nil. m must be in [0, n).
func (pk *PublicKey) Encrypt(m *big.Int, random io.Reader) (*big.Int, error) {
	if m.Sign() < 0 {
		return nil, gadget.ErrMessageTooLong
	}
	if random == nil {
		random = rand.Reader
	}

	r, err := pk.randomUnit(random)
	if err != nil {
		return nil, err
	}
	c, err := gadget.EncryptWithNonce(&pk.PublicKey, r, m.Bytes())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encrypt %s", m)
	}
	return c, nil
}

func (pk *PublicKey) randomUnit(random io.Reader) (*big.Int, error) {
	gcd := new(big.Int)
	for {
		r, err := rand.Int(random, pk.N)
		if err != nil {
			return nil, errors.Wrap(err, "failed to draw obfuscation factor")
		}
		if r.Sign() == 0 {
			continue
		}
		if gcd.GCD(nil, nil, r, pk.N).Cmp(one) == 0 {
			return r, nil
		}
	}
}

// PrivateKey is a Paillier private key for a key with generator n+1.
// gadget.PrivateKey keeps its factors unexported, so keys that must be
// written to disk are generated and used here.
type PrivateKey struct {
	PublicKey
	Lambda *big.Int // (p-1)(q-1)
	Mu     *big.Int // Lambda^-1 mod n
}

// GenerateKey creates a key pair whose modulus has exactly bits bits.
func GenerateKey(random io.Reader, bits int) (*PrivateKey, error) {
	if bits < 16 {
		return nil, fmt.Errorf("key size %d too small", bits)
	}
	if random == nil {
		random = rand.Reader
	}

	for {
		p, err := rand.Prime(random, bits/2)
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate prime")
		}
		q, err := rand.Prime(random, bits-bits/2)
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate prime")
		}
		if p.Cmp(q) == 0 {
			continue
		}
		n := new(big.Int).Mul(p, q)
		if n.BitLen() != bits {
			continue
		}

		pm1 := new(big.Int).Sub(p, one)
		qm1 := new(big.Int).Sub(q, one)
		lambda := new(big.Int).Mul(pm1, qm1)
		mu := new(big.Int).ModInverse(lambda, n)
		if mu == nil {
			continue
		}

		return &PrivateKey{
			PublicKey: *NewPublicKey(n, bits),
			Lambda:    lambda,
			Mu:        mu,
		}, nil
	}
}

// Decrypt recovers the plaintext of c.
func (sk *PrivateKey) Decrypt(c *big.Int) (*big.Int, error) {
	if c.Sign() <= 0 || c.Cmp(sk.NSquared) >= 0 {
		return nil, fmt.Errorf("ciphertext out of range")
	}
	// L(c^lambda mod n^2) * mu mod n, with L(x) = (x-1)/n
	x := new(big.Int).Exp(c, sk.Lambda, sk.NSquared)
	x.Sub(x, one)
	x.Div(x, sk.N)
	x.Mul(x, sk.Mu)
	return x.Mod(x, sk.N), nil
}

// String returns "kbits,N,G,Nsq,lambda,mu".
func (sk *PrivateKey) String() string {
	return fmt.Sprintf("%s,%s,%s", sk.PublicKey.String(), sk.Lambda, sk.Mu)
}

// ParsePrivateKey parses the form written by PrivateKey.String.
func ParsePrivateKey(s string) (*PrivateKey, error) {
	fields := strings.Split(strings.TrimSpace(s), ",")
	if len(fields) != 6 {
		return nil, fmt.Errorf("private key: expected kbits,N,G,Nsq,lambda,mu, got %d fields", len(fields))
	}
	pk, err := ParsePublicKey(strings.Join(fields[:4], ","))
	if err != nil {
		return nil, err
	}

	lambda, ok := new(big.Int).SetString(strings.TrimSpace(fields[4]), 10)
	if !ok || lambda.Sign() <= 0 {
		return nil, fmt.Errorf("private key: invalid lambda")
	}
	mu, ok := new(big.Int).SetString(strings.TrimSpace(fields[5]), 10)
	if !ok || mu.Sign() <= 0 {
		return nil, fmt.Errorf("private key: invalid mu")
	}
	return &PrivateKey{PublicKey: *pk, Lambda: lambda, Mu: mu}, nil
}

// LoadPrivateKey reads a private key file.
func LoadPrivateKey(path string) (*PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read private key %s", path)
	}
	sk, err := ParsePrivateKey(string(data))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse private key %s", path)
	}
	return sk, nil
}

// Save writes the key readable only by the owner.
func (sk *PrivateKey) Save(path string) error {
	if err := os.WriteFile(path, []byte(sk.String()+"\n"), 0o600); err != nil {
		return errors.Wrapf(err, "failed to write private key %s", path)
	}
	return nil
}
