package jws

import (
	"context"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

type KeySetProvider interface {
	GetPublicKeys(ctx context.Context, tenantSlug string) (domain.JWKSet, error)
}

// JWKSVerifier checks ES256 detached signatures against a tenant's published
// key set. Every failure is reported as false.
type JWKSVerifier struct {
	Keys   KeySetProvider
	Logger *slog.Logger
}

func NewJWKSVerifier(keys KeySetProvider, logger *slog.Logger) *JWKSVerifier {
	return &JWKSVerifier{Keys: keys, Logger: logger}
}

func (v *JWKSVerifier) VerifyDetached(ctx context.Context, payload []byte, signature string, tenant string) bool {
	if v == nil || v.Keys == nil || strings.TrimSpace(signature) == "" || strings.TrimSpace(tenant) == "" {
		return false
	}
	parsed, err := ParseDetached(payload, signature)
	if err != nil {
		return false
	}
	if !strings.EqualFold(parsed.Header.Alg, AlgES256) {
		return false
	}
	set, err := v.Keys.GetPublicKeys(ctx, tenant)
	if err != nil || len(set.Keys) == 0 {
		v.logger().Warn("no key set for tenant", "tenant", tenant)
		return false
	}
	candidates := candidateKeys(set.Keys, parsed.Header)
	if len(candidates) == 0 {
		v.logger().Warn("no matching key for detached signature", "tenant", tenant, "kid", parsed.Header.Kid)
		return false
	}
	for _, key := range candidates {
		pub, err := ECPublicKey(key)
		if err != nil {
			continue
		}
		if jwt.SigningMethodES256.Verify(parsed.SigningInput, parsed.Signature, pub) == nil {
			return true
		}
	}
	return false
}

func (v *JWKSVerifier) logger() *slog.Logger {
	if v.Logger == nil {
		return slog.Default()
	}
	return v.Logger
}

// candidateKeys narrows the set to the header kid. Without a kid every
// ES256-capable key of the tenant is tried.
func candidateKeys(keys []domain.JWK, header Header) []domain.JWK {
	out := make([]domain.JWK, 0, len(keys))
	for _, key := range keys {
		if !strings.EqualFold(key.Kty, "EC") {
			continue
		}
		if key.Crv != "" && key.Crv != "P-256" {
			continue
		}
		if key.Alg != "" && !strings.EqualFold(key.Alg, AlgES256) {
			continue
		}
		if header.Kid != "" && key.Kid != header.Kid {
			continue
		}
		out = append(out, key)
	}
	return out
}

type SecretProvider interface {
	SigningSecret(tenant string) ([]byte, bool)
}

// StaticSecrets maps tenant slugs to shared HS256 secrets.
type StaticSecrets map[string][]byte

func (s StaticSecrets) SigningSecret(tenant string) ([]byte, bool) {
	secret, ok := s[tenant]
	return secret, ok && len(secret) > 0
}

// HS256Verifier checks detached signatures made with a per-tenant shared secret.
type HS256Verifier struct {
	Secrets SecretProvider
}

func NewHS256Verifier(secrets SecretProvider) *HS256Verifier {
	return &HS256Verifier{Secrets: secrets}
}

func (v *HS256Verifier) VerifyDetached(_ context.Context, payload []byte, signature string, tenant string) bool {
	if v == nil || v.Secrets == nil || strings.TrimSpace(signature) == "" || strings.TrimSpace(tenant) == "" {
		return false
	}
	parsed, err := ParseDetached(payload, signature)
	if err != nil {
		return false
	}
	if !strings.EqualFold(parsed.Header.Alg, AlgHS256) {
		return false
	}
	owner := parsed.Header.Kid
	if owner == "" {
		owner = tenant
	}
	if owner != tenant {
		return false
	}
	secret, ok := v.Secrets.SigningSecret(tenant)
	if !ok {
		return false
	}
	return jwt.SigningMethodHS256.Verify(parsed.SigningInput, parsed.Signature, secret) == nil
}
