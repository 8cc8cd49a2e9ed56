package domain

import (
	"context"
	"time"
)

type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusNext    KeyStatus = "next"
	KeyStatusRetired KeyStatus = "retired"
)

type KeyPurpose string

const KeyPurposeConsentToken KeyPurpose = "consent_token"

const AlgES256 = "ES256"

// TenantKey is one generation of a tenant signing key. PrivateKeySealed is
// never returned to callers outside the key manager.
type TenantKey struct {
	ID               string
	TenantID         string
	KID              string
	Purpose          KeyPurpose
	Alg              string
	PublicJWK        JWK
	PrivateKeySealed []byte
	Status           KeyStatus
	CreatedAt        time.Time
	ActivatedAt      *time.Time
	ExpiresAt        time.Time
	RetiredAt        *time.Time
	LastUsedAt       *time.Time
}

// Usable reports whether signatures made with the key should still verify at now.
// Retirement alone does not invalidate a key; expiry does.
func (k TenantKey) Usable(now time.Time) bool {
	if k.Status != KeyStatusActive && k.Status != KeyStatusNext && k.Status != KeyStatusRetired {
		return false
	}
	return k.ExpiresAt.IsZero() || now.Before(k.ExpiresAt)
}

type KeyRef struct {
	TenantID string
	Purpose  KeyPurpose
	KID      string
}

// KeyManager owns private key material. Callers only see public halves and signatures.
type KeyManager interface {
	Generate(ctx context.Context, ref KeyRef) (publicJWK JWK, sealed []byte, err error)
	Sign(ctx context.Context, key TenantKey, signingInput []byte) ([]byte, error)
}
