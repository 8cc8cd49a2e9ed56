package domain

import (
	"strings"
	"time"
)

type ConsentStatus string

const (
	ConsentStatusActive  ConsentStatus = "active"
	ConsentStatusRevoked ConsentStatus = "revoked"
)

const ScopeApplySubmit = "apply:submit"

type Candidate struct {
	ID        string
	EmailHash string
	CreatedAt time.Time
}

// Consent is an approved grant. The token fields point at the latest issued
// token only; the full history lives in ConsentTokenRecord rows.
type Consent struct {
	ID              string
	CandidateID     string
	AgentTenant     string
	BoardTenant     string
	Scopes          []string
	Status          ConsentStatus
	IssuedAt        time.Time
	ExpiresAt       time.Time
	RevokedAt       *time.Time
	TokenID         string
	TokenKeyID      string
	TokenAlgorithm  string
	TokenHash       string
	TokenIssuedAt   *time.Time
	TokenExpiresAt  *time.Time
	ApprovedByEmail string
}

func (c Consent) ScopeString() string {
	return strings.Join(c.Scopes, " ")
}

func (c Consent) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ConsentTokenRecord is written once per issued token and never updated.
type ConsentTokenRecord struct {
	ID        string
	ConsentID string
	TokenID   string
	TokenHash string
	KeyID     string
	Algorithm string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type IssuanceResult struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"token_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	KeyID     string    `json:"kid"`
	Algorithm string    `json:"alg"`
	TokenHash string    `json:"-"`
}

// ConsentTokenClaims mirrors the private claims carried by a consent token.
type ConsentTokenClaims struct {
	Subject   string
	ConsentID string
	Agent     string
	Board     string
	Scope     string
	Version   string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	KeyID     string
}

const (
	RenewalDenyNotFound        = "consent_not_found"
	RenewalDenyCandidate       = "candidate_missing"
	RenewalDenyInactive        = "consent_inactive"
	RenewalDenyConsentExpired  = "consent_expired"
	RenewalDenyWindowViolation = "window_violation"
)

// RenewalOutcome carries either a new token or the reason the renewal was refused.
type RenewalOutcome struct {
	Issued     *IssuanceResult
	DenyReason string
}

func (o RenewalOutcome) Denied() bool {
	return o.Issued == nil
}
