package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

const (
	defaultRenewalLead     = 14 * 24 * time.Hour
	defaultExpiryGrace     = 7 * 24 * time.Hour
	defaultConsentLifetime = 365 * 24 * time.Hour
)

type TokenIssuer interface {
	IssueToken(ctx context.Context, consent domain.Consent, candidate domain.Candidate) (domain.IssuanceResult, error)
}

type CreateConsentRequest struct {
	CandidateEmail  string
	AgentTenant     string
	BoardTenant     string
	Scopes          []string
	ApprovedByEmail string
}

type ConsentLifecycleService struct {
	Tenants         TenantRepository
	Consents        ConsentRepository
	Issuer          TokenIssuer
	Audit           AuditSink
	Metrics         Metrics
	Logger          *slog.Logger
	Clock           Clock
	RenewalLead     time.Duration
	ExpiryGrace     time.Duration
	ConsentLifetime time.Duration
}

func NewConsentLifecycleService(tenants TenantRepository, consents ConsentRepository, issuer TokenIssuer, clock Clock) *ConsentLifecycleService {
	return &ConsentLifecycleService{
		Tenants:         tenants,
		Consents:        consents,
		Issuer:          issuer,
		Clock:           clock,
		RenewalLead:     defaultRenewalLead,
		ExpiryGrace:     defaultExpiryGrace,
		ConsentLifetime: defaultConsentLifetime,
	}
}

// Create records an approved consent for the candidate and issues its first token.
func (s *ConsentLifecycleService) Create(ctx context.Context, req CreateConsentRequest) (domain.Consent, domain.IssuanceResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.CandidateEmail))
	if email == "" || !strings.Contains(email, "@") {
		return domain.Consent{}, domain.IssuanceResult{}, fmt.Errorf("%w: candidate_email is required", domain.ErrInvalidPayload)
	}
	if err := s.requireTenant(ctx, req.AgentTenant, domain.TenantTypeAgent); err != nil {
		return domain.Consent{}, domain.IssuanceResult{}, err
	}
	if err := s.requireTenant(ctx, req.BoardTenant, domain.TenantTypeBoard); err != nil {
		return domain.Consent{}, domain.IssuanceResult{}, err
	}
	scopes := normalizeScopes(req.Scopes)
	if len(scopes) == 0 {
		scopes = []string{domain.ScopeApplySubmit}
	}

	now := s.now()
	candidate, err := s.Consents.UpsertCandidate(ctx, HashEmail(email), now)
	if err != nil {
		return domain.Consent{}, domain.IssuanceResult{}, err
	}
	consent := domain.Consent{
		ID:              newID(),
		CandidateID:     candidate.ID,
		AgentTenant:     req.AgentTenant,
		BoardTenant:     req.BoardTenant,
		Scopes:          scopes,
		Status:          domain.ConsentStatusActive,
		IssuedAt:        now,
		ExpiresAt:       now.Add(s.consentLifetime()),
		ApprovedByEmail: strings.TrimSpace(req.ApprovedByEmail),
	}
	if err := s.Consents.Create(ctx, consent); err != nil {
		return domain.Consent{}, domain.IssuanceResult{}, err
	}
	s.emit(ctx, consent, domain.AuditActionConsentCreated, "", "scope="+consent.ScopeString())

	issued, err := s.Issuer.IssueToken(ctx, consent, candidate)
	if err != nil {
		return domain.Consent{}, domain.IssuanceResult{}, err
	}
	applyIssuance(&consent, issued)
	return consent, issued, nil
}

func (s *ConsentLifecycleService) Get(ctx context.Context, consentID string) (*domain.Consent, error) {
	return s.Consents.GetByID(ctx, consentID)
}

// Renew issues a replacement token when the consent is active and the current
// token is inside [expiry - lead, expiry + grace]. A refusal is an outcome,
// not an error.
func (s *ConsentLifecycleService) Renew(ctx context.Context, consentID string) (domain.RenewalOutcome, error) {
	metrics := metricsOrNop(s.Metrics)
	now := s.now()

	consent, err := s.Consents.GetByID(ctx, consentID)
	if errors.Is(err, domain.ErrNotFound) {
		metrics.RenewalDenied(domain.RenewalDenyNotFound)
		s.logger().Info("consent renewal denied", "consent_id", consentID, "reason", domain.RenewalDenyNotFound)
		return domain.RenewalOutcome{DenyReason: domain.RenewalDenyNotFound}, nil
	}
	if err != nil {
		return domain.RenewalOutcome{}, err
	}
	candidate, err := s.Consents.GetCandidate(ctx, consent.CandidateID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.deny(ctx, *consent, domain.RenewalDenyCandidate), nil
	}
	if err != nil {
		return domain.RenewalOutcome{}, err
	}
	if reason := s.renewalDenial(*consent, now); reason != "" {
		return s.deny(ctx, *consent, reason), nil
	}

	issued, err := s.Issuer.IssueToken(ctx, *consent, *candidate)
	if err != nil {
		return domain.RenewalOutcome{}, err
	}
	metrics.RenewalSucceeded()
	s.emit(ctx, *consent, domain.AuditActionRenewalSucceeded, issued.TokenID, "")
	return domain.RenewalOutcome{Issued: &issued}, nil
}

func (s *ConsentLifecycleService) renewalDenial(consent domain.Consent, now time.Time) string {
	if consent.Status != domain.ConsentStatusActive {
		return domain.RenewalDenyInactive
	}
	if !now.Before(consent.ExpiresAt) {
		return domain.RenewalDenyConsentExpired
	}
	// A consent whose first issuance never completed has no window yet.
	if consent.TokenExpiresAt == nil {
		return ""
	}
	opens := consent.TokenExpiresAt.Add(-s.RenewalLead)
	closes := consent.TokenExpiresAt.Add(s.ExpiryGrace)
	if now.Before(opens) || now.After(closes) {
		return domain.RenewalDenyWindowViolation
	}
	return ""
}

func (s *ConsentLifecycleService) deny(ctx context.Context, consent domain.Consent, reason string) domain.RenewalOutcome {
	metricsOrNop(s.Metrics).RenewalDenied(reason)
	s.logger().Info("consent renewal denied", "consent_id", consent.ID, "agent", consent.AgentTenant, "reason", reason)
	s.emit(ctx, consent, domain.AuditActionRenewalDenied, consent.TokenID, reason)
	return domain.RenewalOutcome{DenyReason: reason}
}

// Revoke is terminal. Revoking twice is a no-op.
func (s *ConsentLifecycleService) Revoke(ctx context.Context, consentID string) (*domain.Consent, error) {
	consent, err := s.Consents.GetByID(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if consent.Status == domain.ConsentStatusRevoked {
		return consent, nil
	}
	now := s.now()
	if err := s.Consents.Revoke(ctx, consentID, now); err != nil {
		return nil, err
	}
	consent.Status = domain.ConsentStatusRevoked
	consent.RevokedAt = &now
	s.emit(ctx, *consent, domain.AuditActionConsentRevoked, consent.TokenID, "")
	return consent, nil
}

func (s *ConsentLifecycleService) requireTenant(ctx context.Context, slug string, kind domain.TenantType) error {
	if strings.TrimSpace(slug) == "" {
		return fmt.Errorf("%w: %s tenant is required", domain.ErrInvalidPayload, kind)
	}
	tenant, err := s.Tenants.GetBySlug(ctx, slug)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrTenantUnknown, slug)
	}
	if err != nil {
		return err
	}
	if tenant.Type != kind {
		return fmt.Errorf("%w: tenant %s is not a %s", domain.ErrInvalidPayload, slug, kind)
	}
	return nil
}

func (s *ConsentLifecycleService) emit(ctx context.Context, consent domain.Consent, action domain.AuditAction, jti, metadata string) {
	emitBestEffort(ctx, s.Audit, s.logger(), domain.AuditEventDescriptor{
		Tenant:     consent.AgentTenant,
		Category:   domain.AuditCategoryConsent,
		Action:     action,
		EntityType: domain.AuditEntityConsent,
		EntityID:   consent.ID,
		ActorType:  "system",
		Jti:        jti,
		Metadata:   metadata,
		CreatedAt:  s.now(),
	})
}

func (s *ConsentLifecycleService) consentLifetime() time.Duration {
	if s.ConsentLifetime <= 0 {
		return defaultConsentLifetime
	}
	return s.ConsentLifetime
}

func (s *ConsentLifecycleService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *ConsentLifecycleService) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}

func applyIssuance(consent *domain.Consent, issued domain.IssuanceResult) {
	issuedAt, expiresAt := issued.IssuedAt, issued.ExpiresAt
	consent.TokenID = issued.TokenID
	consent.TokenKeyID = issued.KeyID
	consent.TokenAlgorithm = issued.Algorithm
	consent.TokenHash = issued.TokenHash
	consent.TokenIssuedAt = &issuedAt
	consent.TokenExpiresAt = &expiresAt
}

func normalizeScopes(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		for _, scope := range strings.Fields(raw) {
			if seen[scope] {
				continue
			}
			seen[scope] = true
			out = append(out, scope)
		}
	}
	return out
}

// HashEmail keys candidates by their normalized address.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}
