package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	// AuditChainVersion prefixes every canonical link. Changing the canonical
	// layout requires a new version; links keep the version they were written with.
	AuditChainVersion = "v1"
	AuditGenesisHash  = "GENESIS"
)

type AuditCategory string

const (
	AuditCategoryConsent     AuditCategory = "consent"
	AuditCategoryKey         AuditCategory = "key"
	AuditCategoryApplication AuditCategory = "application"
)

type AuditAction string

const (
	AuditActionTokenIssued        AuditAction = "token_issued"
	AuditActionConsentCreated     AuditAction = "created"
	AuditActionConsentRevoked     AuditAction = "revoked"
	AuditActionRenewalSucceeded   AuditAction = "renewal_succeeded"
	AuditActionRenewalDenied      AuditAction = "renewal_denied"
	AuditActionKeyRotated         AuditAction = "rotated"
	AuditActionKeyStaged          AuditAction = "staged"
	AuditActionSubmitted          AuditAction = "submitted"
	AuditActionSignatureRejected  AuditAction = "signature_rejected"
	AuditActionTokenGraceAccepted AuditAction = "token_grace_accepted"
	AuditActionTokenGraceRejected AuditAction = "token_grace_rejected"
	AuditActionReceiptVerified    AuditAction = "receipt_verified"
	AuditActionReceiptRejected    AuditAction = "receipt_rejected"
)

const (
	AuditEntityConsent     = "Consent"
	AuditEntityTenantKey   = "TenantKey"
	AuditEntityApplication = "Application"
)

// AuditEventDescriptor is what producers hand to the emitter; the tenant is a slug.
type AuditEventDescriptor struct {
	Tenant      string
	Category    AuditCategory
	Action      AuditAction
	EntityType  string
	EntityID    string
	ActorType   string
	ActorID     string
	Jti         string
	Metadata    string
	PayloadHash string
	CreatedAt   time.Time
}

type AuditEvent struct {
	ID          string
	TenantID    string
	Category    AuditCategory
	Action      AuditAction
	EntityType  string
	EntityID    string
	ActorType   string
	ActorID     string
	Jti         string
	Metadata    string
	PayloadHash string
	CreatedAt   time.Time
}

type AuditEventHash struct {
	EventID      string
	TenantID     string
	Seq          int64
	ChainVersion string
	PreviousHash string
	CurrentHash  string
	CreatedAt    time.Time
}

type AuditVerificationRun struct {
	ID            string
	TenantID      string
	WindowStart   time.Time
	WindowEnd     time.Time
	PreviousHash  string
	ComputedHash  string
	Success       bool
	FirstMismatch string
	Error         string
	CreatedAt     time.Time
}

type AuditVerificationResult struct {
	Success       bool      `json:"success"`
	Tenant        string    `json:"tenant"`
	WindowStart   time.Time `json:"window_start_utc"`
	WindowEnd     time.Time `json:"window_end_utc"`
	PreviousHash  string    `json:"previous_hash"`
	ComputedHash  string    `json:"computed_hash"`
	FirstMismatch string    `json:"first_mismatch_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	EventCount    int       `json:"event_count"`
}

// auditTimeLayout always renders seven fractional digits, UTC.
const auditTimeLayout = "2006-01-02T15:04:05.0000000Z07:00"

// AuditChainHash computes the link hash of e given the previous link hash.
// The field order and formatting of each chain version are frozen: a stored
// link is only ever recomputed with the version it was written under.
func AuditChainHash(version, previousHash string, e AuditEvent) (string, error) {
	if version != AuditChainVersion {
		return "", fmt.Errorf("unsupported audit chain version %q", version)
	}
	canonical := strings.Join([]string{
		version,
		previousHash,
		e.TenantID,
		string(e.Category),
		string(e.Action),
		e.EntityType,
		e.EntityID,
		e.Jti,
		e.CreatedAt.UTC().Truncate(time.Microsecond).Format(auditTimeLayout),
		e.Metadata,
		e.PayloadHash,
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}
