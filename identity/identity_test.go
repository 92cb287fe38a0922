package identity

import (
	"testing"

	"github.com/roasbeef/btcd/btcec"
)

// testService spins up an identity service over a deterministic key.
func testService(t *testing.T, seed byte) *Service {
	t.Helper()

	keyBytes := make([]byte, 32)
	keyBytes[0] = seed
	keyBytes[31] = 0x01
	privKey, _ := btcec.PrivKeyFromBytes(btcec.S256(), keyBytes)

	s := NewService(privKey)
	t.Cleanup(s.Stop)
	return s
}

// TestSignVerify asserts that a signature produced by the service
// verifies against its public key, and only over the signed buffer.
func TestSignVerify(t *testing.T) {
	s := testService(t, 0x01)

	buf := []byte("canonical buffer")
	sig, err := s.RequestSignature(buf)
	if err != nil {
		t.Fatalf("unable to sign: %v", err)
	}

	if !VerifySignature(buf, sig, s.PublicKey()) {
		t.Fatalf("valid signature rejected")
	}
	if VerifySignature([]byte("other buffer"), sig, s.PublicKey()) {
		t.Fatalf("signature accepted over foreign buffer")
	}

	other := testService(t, 0x02)
	if VerifySignature(buf, sig, other.PublicKey()) {
		t.Fatalf("signature accepted under foreign key")
	}
}

// TestStoppedService asserts that requests against a stopped service fail
// cleanly.
func TestStoppedService(t *testing.T) {
	keyBytes := make([]byte, 32)
	keyBytes[5] = 0x07
	privKey, _ := btcec.PrivKeyFromBytes(btcec.S256(), keyBytes)

	s := NewService(privKey)
	s.Stop()

	if _, err := s.RequestSignature([]byte("buf")); err != ErrServiceStopped {
		t.Fatalf("expected ErrServiceStopped, got %v", err)
	}
}
