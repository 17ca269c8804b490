package payload

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
	"sync"
	"testing"

	"github.com/gateway-fm/ledgerbench/internal/paillier"
	"github.com/gateway-fm/ledgerbench/internal/pki"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

func testPool(t *testing.T) (*paillier.PrivateKey, *paillier.CiphertextPool) {
	t.Helper()
	sk, err := paillier.GenerateKey(nil, 128)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pool, err := paillier.NewCiphertextPool(&sk.PublicKey, MaxRand, nil)
	if err != nil {
		t.Fatalf("NewCiphertextPool: %v", err)
	}
	return sk, pool
}

func TestPlaintextBuilder(t *testing.T) {
	call, err := NewPlaintextBuilder().Build("20304", 42)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if call.Function != FnInsertPlaintext {
		t.Errorf("Function = %q", call.Function)
	}
	if len(call.Args) != 2 || call.Args[0] != "20304" || call.Args[1] != "42" {
		t.Errorf("Args = %v", call.Args)
	}
}

func TestEncryptedBuilder(t *testing.T) {
	sk, pool := testPool(t)
	b := NewEncryptedBuilder(pool)

	call, err := b.Build("100", 17)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if call.Function != FnInsertEncrypted || call.Args[0] != "100" {
		t.Errorf("unexpected call: %+v", call)
	}
	c, ok := new(big.Int).SetString(call.Args[1], 10)
	if !ok {
		t.Fatalf("ciphertext %q is not decimal", call.Args[1])
	}
	m, err := sk.Decrypt(c)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if m.Int64() != 17 {
		t.Errorf("ciphertext decrypts to %s, want 17", m)
	}

	if _, err := b.Build("100", MaxRand); err == nil {
		t.Error("Build accepted a measurement outside the pool")
	}
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry(nil, nil)
	if kinds := r.Kinds(); len(kinds) != 1 || kinds[0] != types.PayloadPlaintext {
		t.Errorf("Kinds() = %v, want [plaintext]", kinds)
	}
	if _, err := r.Get(types.PayloadEncrypted); err == nil {
		t.Error("encrypted builder registered without a pool")
	}

	_, pool := testPool(t)
	r = NewDefaultRegistry(pool, nil)
	if kinds := r.Kinds(); len(kinds) != 2 || kinds[0] != types.PayloadEncrypted {
		t.Errorf("Kinds() = %v, want [encrypted plaintext]", kinds)
	}
	b, err := r.Get(types.PayloadEncrypted)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.Kind() != types.PayloadEncrypted {
		t.Errorf("Kind() = %s", b.Kind())
	}

	key, err := pki.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	r = NewDefaultRegistry(nil, pki.NewSigner(key))
	if kinds := r.Kinds(); len(kinds) != 2 || kinds[1] != types.PayloadSignature {
		t.Errorf("Kinds() = %v, want [plaintext signature]", kinds)
	}
}

func TestSignatureBuilder(t *testing.T) {
	key, err := pki.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	b := NewSignatureBuilder(pki.NewSigner(key))
	if b.Kind() != types.PayloadSignature {
		t.Errorf("Kind() = %s", b.Kind())
	}

	call, err := b.Build("10203", 42)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if call.Function != FnCheckSignature || len(call.Args) != 3 {
		t.Fatalf("unexpected call: %+v", call)
	}
	if call.Args[0] != "10203" || call.Args[1] != "42" {
		t.Errorf("Args = %v, want meter and message", call.Args[:2])
	}

	der, err := base64.StdEncoding.DecodeString(call.Args[2])
	if err != nil {
		t.Fatalf("signature is not base64: %v", err)
	}
	digest := sha256.Sum256([]byte(call.Args[1]))
	if !ecdsa.VerifyASN1(&key.PublicKey, digest[:], der) {
		t.Error("signature does not verify")
	}
}

func TestCalls(t *testing.T) {
	reg := RegisterCall("300", "128,1,2,3")
	if reg.Function != FnRegisterMeter || reg.Args[0] != "300" || reg.Args[1] != "128,1,2,3" {
		t.Errorf("RegisterCall = %+v", reg)
	}
	q := ConsumptionCall("300")
	if q.Function != FnGetConsumption || len(q.Args) != 1 {
		t.Errorf("ConsumptionCall = %+v", q)
	}
}

func TestRandDeterministicAndInRange(t *testing.T) {
	a := NewRand(DefaultSeed)
	b := NewRand(DefaultSeed)

	for i := 0; i < 1000; i++ {
		x, y := a.Measurement(), b.Measurement()
		if x != y {
			t.Fatalf("draw %d differs between equally seeded generators: %d vs %d", i, x, y)
		}
		if x < 1 || x >= MaxRand {
			t.Fatalf("draw %d = %d outside [1, %d)", i, x, MaxRand)
		}
	}
}

func TestRandConcurrent(t *testing.T) {
	r := NewRand(DefaultSeed)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				if m := r.Measurement(); m < 1 || m >= MaxRand {
					t.Errorf("measurement %d out of range", m)
				}
			}
		}()
	}
	wg.Wait()
}
