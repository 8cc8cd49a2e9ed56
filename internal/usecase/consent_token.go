package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/infra/jws"
)

const (
	DefaultTokenIssuer   = "https://consentbridge.local"
	ConsentTokenVersion  = "1"
	defaultTokenLifetime = 180 * 24 * time.Hour
)

// consentClaims is the JWT body of a consent token.
type consentClaims struct {
	ConsentID string `json:"cid"`
	Agent     string `json:"agent"`
	Board     string `json:"board"`
	Scope     string `json:"scope"`
	Version   string `json:"ver"`
	jwt.RegisteredClaims
}

// KeyEnsurer hands out a signing key with enough remaining life.
type KeyEnsurer interface {
	EnsureActiveKey(ctx context.Context, tenantID string, now time.Time) (domain.TenantKey, error)
}

type ConsentTokenIssuer struct {
	Tenants  TenantRepository
	Rotation KeyEnsurer
	Keys     domain.KeyManager
	KeyUsage KeyRepository
	Consents ConsentRepository
	Audit    AuditSink
	Logger   *slog.Logger
	Clock    Clock
	Issuer   string
	Lifetime time.Duration
}

func NewConsentTokenIssuer(tenants TenantRepository, rotation KeyEnsurer, keys domain.KeyManager, consents ConsentRepository, clock Clock) *ConsentTokenIssuer {
	return &ConsentTokenIssuer{
		Tenants:  tenants,
		Rotation: rotation,
		Keys:     keys,
		Consents: consents,
		Clock:    clock,
		Issuer:   DefaultTokenIssuer,
		Lifetime: defaultTokenLifetime,
	}
}

// IssueToken signs a new consent token for consent and records it. The token
// never outlives the consent itself.
func (s *ConsentTokenIssuer) IssueToken(ctx context.Context, consent domain.Consent, candidate domain.Candidate) (domain.IssuanceResult, error) {
	if s == nil || s.Tenants == nil || s.Rotation == nil || s.Keys == nil || s.Consents == nil {
		return domain.IssuanceResult{}, errors.New("token issuer is not configured")
	}
	if consent.ID == "" || candidate.ID == "" {
		return domain.IssuanceResult{}, errors.New("consent and candidate are required")
	}
	agent, err := s.Tenants.GetBySlug(ctx, consent.AgentTenant)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.IssuanceResult{}, fmt.Errorf("%w: agent tenant %s", domain.ErrTenantUnknown, consent.AgentTenant)
	}
	if err != nil {
		return domain.IssuanceResult{}, err
	}

	now := s.now().Truncate(time.Second)
	expiresAt := now.Add(s.lifetime())
	if !consent.ExpiresAt.IsZero() && consent.ExpiresAt.Before(expiresAt) {
		expiresAt = consent.ExpiresAt.UTC().Truncate(time.Second)
	}
	if !expiresAt.After(now) {
		return domain.IssuanceResult{}, domain.ErrConsentExpired
	}

	key, err := s.Rotation.EnsureActiveKey(ctx, agent.ID, now)
	if err != nil {
		return domain.IssuanceResult{}, fmt.Errorf("ensure active key: %w", err)
	}

	jti := uuid.NewString()
	claims := consentClaims{
		ConsentID: consent.ID,
		Agent:     consent.AgentTenant,
		Board:     consent.BoardTenant,
		Scope:     consent.ScopeString(),
		Version:   ConsentTokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer(),
			Subject:   candidate.ID,
			Audience:  jwt.ClaimStrings{consent.BoardTenant},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = key.KID
	signingString, err := token.SigningString()
	if err != nil {
		return domain.IssuanceResult{}, err
	}
	sig, err := s.Keys.Sign(ctx, key, []byte(signingString))
	if err != nil {
		return domain.IssuanceResult{}, fmt.Errorf("sign consent token: %w", err)
	}
	tokenString := signingString + "." + base64.RawURLEncoding.EncodeToString(sig)
	tokenHash := HashToken(tokenString)

	if err := s.Consents.RecordIssuance(ctx, domain.ConsentTokenRecord{
		ConsentID: consent.ID,
		TokenID:   jti,
		TokenHash: tokenHash,
		KeyID:     key.KID,
		Algorithm: domain.AlgES256,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}); err != nil {
		return domain.IssuanceResult{}, fmt.Errorf("record issuance: %w", err)
	}
	if s.KeyUsage != nil {
		if err := s.KeyUsage.TouchLastUsed(ctx, agent.ID, key.KID, now); err != nil {
			s.logger().Warn("touch key last_used_at failed", "tenant", agent.Slug, "kid", key.KID, "error", err)
		}
	}
	emitBestEffort(ctx, s.Audit, s.logger(), domain.AuditEventDescriptor{
		Tenant:     consent.AgentTenant,
		Category:   domain.AuditCategoryConsent,
		Action:     domain.AuditActionTokenIssued,
		EntityType: domain.AuditEntityConsent,
		EntityID:   consent.ID,
		ActorType:  "system",
		Jti:        jti,
		Metadata:   "kid=" + key.KID,
		CreatedAt:  now,
	})

	return domain.IssuanceResult{
		Token:     tokenString,
		TokenID:   jti,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		KeyID:     key.KID,
		Algorithm: domain.AlgES256,
		TokenHash: tokenHash,
	}, nil
}

func (s *ConsentTokenIssuer) issuer() string {
	if s.Issuer == "" {
		return DefaultTokenIssuer
	}
	return s.Issuer
}

func (s *ConsentTokenIssuer) lifetime() time.Duration {
	if s.Lifetime <= 0 {
		return defaultTokenLifetime
	}
	return s.Lifetime
}

func (s *ConsentTokenIssuer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *ConsentTokenIssuer) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}

// HashToken is the ledger digest of a serialized token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ParseConsentToken verifies the signature of a consent token against the
// agent tenant's key set and checks issuer, audience and version. Expiry is
// left to the caller, which applies the grace window.
func ParseConsentToken(ctx context.Context, token string, keys KeySetProvider, issuer string) (domain.ConsentTokenClaims, error) {
	if keys == nil {
		return domain.ConsentTokenClaims{}, errors.New("key set provider is required")
	}
	if issuer == "" {
		issuer = DefaultTokenIssuer
	}
	claims := &consentClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header has no kid")
		}
		c, ok := t.Claims.(*consentClaims)
		if !ok || c.Agent == "" {
			return nil, errors.New("token has no agent claim")
		}
		set, err := keys.GetPublicKeys(ctx, c.Agent)
		if err != nil {
			return nil, err
		}
		for _, jwk := range set.Keys {
			if jwk.Kid == kid {
				return jws.ECPublicKey(jwk)
			}
		}
		return nil, fmt.Errorf("unknown kid %s", kid)
	})
	if err != nil || !parsed.Valid {
		return domain.ConsentTokenClaims{}, fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}
	if claims.Issuer != issuer {
		return domain.ConsentTokenClaims{}, fmt.Errorf("%w: unexpected issuer", domain.ErrTokenInvalid)
	}
	if claims.Version != ConsentTokenVersion {
		return domain.ConsentTokenClaims{}, fmt.Errorf("%w: unsupported version", domain.ErrTokenInvalid)
	}
	if claims.Board == "" || !audienceContains(claims.Audience, claims.Board) {
		return domain.ConsentTokenClaims{}, fmt.Errorf("%w: audience mismatch", domain.ErrTokenInvalid)
	}
	if claims.ID == "" || claims.ConsentID == "" || claims.ExpiresAt == nil {
		return domain.ConsentTokenClaims{}, fmt.Errorf("%w: missing claims", domain.ErrTokenInvalid)
	}
	out := domain.ConsentTokenClaims{
		Subject:   claims.Subject,
		ConsentID: claims.ConsentID,
		Agent:     claims.Agent,
		Board:     claims.Board,
		Scope:     claims.Scope,
		Version:   claims.Version,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if kid, ok := parsed.Header["kid"].(string); ok {
		out.KeyID = kid
	}
	return out, nil
}

func audienceContains(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
