package paillier

import (
	"fmt"
	"io"
	"math/big"
)

// CiphertextPool holds precomputed ciphertexts for the plaintexts
// 0..Len()-1 in decimal string form. It is built once before a run and only
// read afterwards, so one pool is shared by every worker of a process.
type CiphertextPool struct {
	values []string
}

// NewCiphertextPool encrypts every plaintext in [0, size).
func NewCiphertextPool(pk *PublicKey, size int, random io.Reader) (*CiphertextPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive")
	}
	if pk.N.Cmp(big.NewInt(int64(size))) <= 0 {
		return nil, fmt.Errorf("pool size %d exceeds key modulus", size)
	}

	values := make([]string, size)
	for m := 0; m < size; m++ {
		c, err := pk.Encrypt(big.NewInt(int64(m)), random)
		if err != nil {
			return nil, fmt.Errorf("encrypt %d: %w", m, err)
		}
		values[m] = c.String()
	}
	return &CiphertextPool{values: values}, nil
}

// Get returns the ciphertext of m.
func (p *CiphertextPool) Get(m int) (string, error) {
	if m < 0 || m >= len(p.values) {
		return "", fmt.Errorf("plaintext %d outside pool [0, %d)", m, len(p.values))
	}
	return p.values[m], nil
}

// Len returns the number of precomputed plaintexts.
func (p *CiphertextPool) Len() int {
	return len(p.values)
}
