// Package pki holds the ECDSA keys of the signature benchmark: meters sign
// each measurement with a P-256 key and the chaincode verifies the signature
// against the PEM public key stored at registration.
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"io"
	"os"

	"github.com/pkg/errors"
)

// PEM block types.
const (
	blockPrivateKey   = "PRIVATE KEY"
	blockECPrivateKey = "EC PRIVATE KEY"
	blockPublicKey    = "PUBLIC KEY"
)

// GenerateKey creates a P-256 key pair. random defaults to crypto/rand.
func GenerateKey(random io.Reader) (*ecdsa.PrivateKey, error) {
	if random == nil {
		random = rand.Reader
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), random)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate ECDSA key")
	}
	return key, nil
}

// EncodePublicKey returns the PKIX PEM form of pub, the text registered with
// a meter.
func EncodePublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal public key")
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: blockPublicKey, Bytes: der})), nil
}

// ParsePublicKey parses a PKIX PEM public key.
func ParsePublicKey(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockPublicKey {
		return nil, errors.New("no PUBLIC KEY block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse public key")
	}
	ec, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("public key is %T, not ECDSA", pub)
	}
	return ec, nil
}

// LoadPublicKey reads a PEM public key file and returns it re-encoded in
// canonical form.
func LoadPublicKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read public key %s", path)
	}
	pub, err := ParsePublicKey(data)
	if err != nil {
		return "", errors.Wrapf(err, "invalid public key %s", path)
	}
	return EncodePublicKey(pub)
}

// SavePublicKey writes pub as PEM.
func SavePublicKey(path string, pub *ecdsa.PublicKey) error {
	text, err := EncodePublicKey(pub)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write public key %s", path)
	}
	return nil
}

// ParsePrivateKey accepts PKCS#8 and SEC 1 PEM private keys.
func ParsePrivateKey(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block")
	}

	switch block.Type {
	case blockECPrivateKey:
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse EC private key")
		}
		return key, nil
	case blockPrivateKey:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse PKCS#8 private key")
		}
		ec, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.Errorf("private key is %T, not ECDSA", key)
		}
		return ec, nil
	}
	return nil, errors.Errorf("unsupported PEM block %q", block.Type)
}

// LoadPrivateKey reads a PEM private key file.
func LoadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read private key %s", path)
	}
	key, err := ParsePrivateKey(data)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid private key %s", path)
	}
	return key, nil
}

// SavePrivateKey writes key as PKCS#8 PEM readable only by the owner.
func SavePrivateKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return errors.Wrap(err, "failed to marshal private key")
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockPrivateKey, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write private key %s", path)
	}
	return nil
}

// Signer produces the signatures checkSignature verifies: ECDSA over the
// SHA-256 digest of the message, DER encoded, then base64.
// Safe for concurrent use.
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner creates a signer for key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

// Sign signs message.
func (s *Signer) Sign(message string) (string, error) {
	digest := sha256.Sum256([]byte(message))
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return "", errors.Wrap(err, "failed to sign")
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
