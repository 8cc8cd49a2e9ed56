package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

const (
	sealVersion   byte = 1
	masterKeySize      = 32
	kekInfoPrefix      = "consentbridge/tenant-kek/v1:"
)

// Sealer wraps private key material with AES-256-GCM under a per-tenant key
// derived from the master key. The tenant and key id are bound as associated
// data, so a sealed blob cannot be moved to another key row.
type Sealer struct {
	master []byte
	rand   io.Reader
}

func NewSealer(master []byte) (*Sealer, error) {
	if len(master) != masterKeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes", domain.ErrConfig, masterKeySize)
	}
	return &Sealer{master: append([]byte(nil), master...), rand: rand.Reader}, nil
}

// Seal returns version || nonce || ciphertext.
func (s *Sealer) Seal(tenantID, kid string, plaintext []byte) ([]byte, error) {
	aead, err := s.aead(tenantID)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", domain.ErrKeyMaterial, err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, sealVersion)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, associatedData(tenantID, kid)), nil
}

func (s *Sealer) Open(tenantID, kid string, sealed []byte) ([]byte, error) {
	aead, err := s.aead(tenantID)
	if err != nil {
		return nil, err
	}
	if len(sealed) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: sealed key too short", domain.ErrKeyMaterial)
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("%w: unsupported seal version %d", domain.ErrKeyMaterial, sealed[0])
	}
	nonce := sealed[1 : 1+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, sealed[1+aead.NonceSize():], associatedData(tenantID, kid))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyMaterial, err)
	}
	return plaintext, nil
}

func (s *Sealer) aead(tenantID string) (cipher.AEAD, error) {
	if s == nil || len(s.master) != masterKeySize {
		return nil, fmt.Errorf("%w: sealer not configured", domain.ErrKeyMaterial)
	}
	if tenantID == "" {
		return nil, errors.New("tenant_id is required")
	}
	kek := make([]byte, 32)
	reader := hkdf.New(sha256.New, s.master, nil, []byte(kekInfoPrefix+tenantID))
	if _, err := io.ReadFull(reader, kek); err != nil {
		return nil, fmt.Errorf("%w: derive kek: %v", domain.ErrKeyMaterial, err)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyMaterial, err)
	}
	return cipher.NewGCM(block)
}

func associatedData(tenantID, kid string) []byte {
	return []byte(tenantID + "|" + kid)
}
