package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	sealer, err := NewSealer(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	return sealer
}

func TestSealer_RoundTrip(t *testing.T) {
	sealer := testSealer(t)
	secret := []byte("private key bytes")

	sealed, err := sealer.Seal("tenant-1", "ctok-1", secret)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, secret) {
		t.Fatal("sealed output contains plaintext")
	}
	opened, err := sealer.Open("tenant-1", "ctok-1", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, secret) {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestSealer_BindsTenantAndKeyID(t *testing.T) {
	sealer := testSealer(t)
	sealed, err := sealer.Seal("tenant-1", "ctok-1", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := sealer.Open("tenant-2", "ctok-1", sealed); !errors.Is(err, domain.ErrKeyMaterial) {
		t.Fatalf("expected key material error for other tenant, got %v", err)
	}
	if _, err := sealer.Open("tenant-1", "ctok-2", sealed); !errors.Is(err, domain.ErrKeyMaterial) {
		t.Fatalf("expected key material error for other kid, got %v", err)
	}
}

func TestSealer_RejectsTamperedCiphertext(t *testing.T) {
	sealer := testSealer(t)
	sealed, err := sealer.Seal("tenant-1", "ctok-1", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := sealer.Open("tenant-1", "ctok-1", sealed); !errors.Is(err, domain.ErrKeyMaterial) {
		t.Fatalf("expected key material error, got %v", err)
	}
	if _, err := sealer.Open("tenant-1", "ctok-1", []byte{1, 2, 3}); !errors.Is(err, domain.ErrKeyMaterial) {
		t.Fatalf("expected short input error, got %v", err)
	}
}

func TestNewSealer_RejectsShortKey(t *testing.T) {
	if _, err := NewSealer([]byte("short")); !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}
