package usecase

import (
	"context"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

type Clock func() time.Time

type TenantRepository interface {
	GetByID(ctx context.Context, tenantID string) (*domain.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*domain.Tenant, error)
	List(ctx context.Context) ([]domain.Tenant, error)
	Create(ctx context.Context, t domain.Tenant) error
}

// KeyRotationStore is the write side of the tenant key table. Implementations
// run WithTx in one database transaction; LockTenant must be the first call
// inside it so rotations for the same tenant serialize across instances.
type KeyRotationStore interface {
	LockTenant(ctx context.Context, tenantID string) error
	GetActive(ctx context.Context, tenantID string, purpose domain.KeyPurpose) (*domain.TenantKey, error)
	GetNext(ctx context.Context, tenantID string, purpose domain.KeyPurpose) (*domain.TenantKey, error)
	Create(ctx context.Context, key domain.TenantKey) error
	UpdateStatus(ctx context.Context, tenantID, kid string, status domain.KeyStatus, at time.Time) error
	WithTx(ctx context.Context, fn func(store KeyRotationStore) error) error
}

type KeyRepository interface {
	ListByTenant(ctx context.Context, tenantID string, purpose domain.KeyPurpose) ([]domain.TenantKey, error)
	TouchLastUsed(ctx context.Context, tenantID, kid string, at time.Time) error
}

type ConsentRepository interface {
	UpsertCandidate(ctx context.Context, emailHash string, now time.Time) (domain.Candidate, error)
	GetCandidate(ctx context.Context, candidateID string) (*domain.Candidate, error)
	Create(ctx context.Context, consent domain.Consent) error
	GetByID(ctx context.Context, consentID string) (*domain.Consent, error)
	Revoke(ctx context.Context, consentID string, at time.Time) error
	// RecordIssuance inserts the ledger row and points the consent at it in one transaction.
	RecordIssuance(ctx context.Context, record domain.ConsentTokenRecord) error
	GetTokenRecord(ctx context.Context, tokenID string) (*domain.ConsentTokenRecord, error)
}

type ApplicationRepository interface {
	Create(ctx context.Context, app domain.Application) error
	GetByID(ctx context.Context, applicationID string) (*domain.Application, error)
	UpdateStatus(ctx context.Context, applicationID string, status domain.ApplicationStatus) error
	AttachReceipt(ctx context.Context, applicationID string, receipt []byte, signature, receiptHash string, status domain.ApplicationStatus) error
}

// AuditEventRepository is append-only: there is no update or delete.
type AuditEventRepository interface {
	Append(ctx context.Context, event domain.AuditEvent) (domain.AuditEvent, domain.AuditEventHash, error)
	// AnchorBefore returns the latest link created strictly before t.
	AnchorBefore(ctx context.Context, tenantID string, t time.Time) (*domain.AuditEventHash, error)
	// ListWindow returns events created in [start, end] with their links, in chain order.
	ListWindow(ctx context.Context, tenantID string, start, end time.Time) ([]AuditChainEntry, error)
}

type AuditChainEntry struct {
	Event domain.AuditEvent
	Link  domain.AuditEventHash
}

type AuditRunRepository interface {
	Create(ctx context.Context, run domain.AuditVerificationRun) error
	ListRecent(ctx context.Context, tenantID string, limit int) ([]domain.AuditVerificationRun, error)
}

type AuditSink interface {
	Emit(ctx context.Context, desc domain.AuditEventDescriptor) error
}

// DetachedVerifier checks a compact JWS over exact payload bytes for a tenant.
// Any failure, including malformed input, is false.
type DetachedVerifier interface {
	VerifyDetached(ctx context.Context, payload []byte, signature string, tenant string) bool
}

type KeySetProvider interface {
	GetPublicKeys(ctx context.Context, tenantSlug string) (domain.JWKSet, error)
}

type PolicyEngine interface {
	EvaluateSubmission(ctx context.Context, input domain.SubmissionPolicyInput) (domain.PolicyResult, error)
}

type SchemaValidator interface {
	ValidateApplication(payload []byte) error
	ValidateReceiptEnvelope(payload []byte) error
}

type DigestWriter interface {
	Write(result domain.AuditVerificationResult, writtenAt time.Time) (string, error)
}

type BoardDelivery struct {
	ApplicationID string
	Board         string
	Body          []byte
	Signature     string
}

// BoardClient forwards an accepted application and returns the raw receipt
// envelope, or nil when the board has no delivery endpoint.
type BoardClient interface {
	Deliver(ctx context.Context, delivery BoardDelivery) ([]byte, error)
}

// Metrics receives business counters. A nil Metrics is valid everywhere.
type Metrics interface {
	RenewalSucceeded()
	RenewalDenied(reason string)
	TokenGraceAccepted()
	TokenGraceRejected()
	AuditVerification(success bool)
	SignatureRejected(direction string)
}

type KeySetCache interface {
	Get(key string) (domain.JWKSet, bool)
	Set(key string, value domain.JWKSet)
	Delete(key string)
}
