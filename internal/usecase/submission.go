package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/infra/crypto"
	"github.com/dakydaky/ConsentBridge/internal/infra/jws"
)

const SubmitAction = "apply:submit"

type SubmitRequest struct {
	Body      []byte
	Signature string

	// BearerToken is used when the body carries no consent_token.
	BearerToken string
}

// SubmissionService accepts signed applications from agent tenants and
// forwards them to boards.
type SubmissionService struct {
	Schema       SchemaValidator
	Keys         KeySetProvider
	Consents     ConsentRepository
	Applications ApplicationRepository
	Verifier     DetachedVerifier
	Policy       PolicyEngine
	Board        BoardClient
	Receipts     *ReceiptService
	Audit        AuditSink
	Metrics      Metrics
	Logger       *slog.Logger
	Clock        Clock
	Issuer       string
	ExpiryGrace  time.Duration
}

func (s *SubmissionService) Submit(ctx context.Context, req SubmitRequest) (*domain.Application, error) {
	if s == nil || s.Keys == nil || s.Consents == nil || s.Applications == nil || s.Verifier == nil {
		return nil, errors.New("submission service is not configured")
	}
	metrics := metricsOrNop(s.Metrics)
	now := s.now()

	if s.Schema != nil {
		if err := s.Schema.ValidateApplication(req.Body); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
	}
	var payload domain.ApplyPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	token := strings.TrimSpace(payload.ConsentToken)
	if token == "" {
		token = strings.TrimSpace(req.BearerToken)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: consent token is required", domain.ErrTokenInvalid)
	}
	header, ok := jws.PeekHeader(req.Signature)
	if !ok {
		return nil, domain.ErrSignatureMissing
	}

	claims, err := ParseConsentToken(ctx, token, s.Keys, s.Issuer)
	if err != nil {
		return nil, err
	}
	record, err := s.Consents.GetTokenRecord(ctx, claims.TokenID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: token was not issued here", domain.ErrTokenInvalid)
	}
	if err != nil {
		return nil, err
	}
	if record.TokenHash != HashToken(token) || record.ConsentID != claims.ConsentID {
		return nil, fmt.Errorf("%w: token does not match the ledger", domain.ErrTokenInvalid)
	}
	consent, err := s.Consents.GetByID(ctx, claims.ConsentID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: consent not found", domain.ErrTokenInvalid)
	}
	if err != nil {
		return nil, err
	}
	if consent.AgentTenant != claims.Agent || consent.BoardTenant != claims.Board {
		return nil, fmt.Errorf("%w: token tenants do not match the consent", domain.ErrTokenInvalid)
	}
	if consent.Status != domain.ConsentStatusActive {
		return nil, domain.ErrConsentInactive
	}
	if !now.Before(consent.ExpiresAt) {
		return nil, domain.ErrConsentExpired
	}

	graceAccepted := false
	if !now.Before(claims.ExpiresAt) {
		if now.After(claims.ExpiresAt.Add(s.ExpiryGrace)) {
			metrics.TokenGraceRejected()
			s.emit(ctx, consent.AgentTenant, domain.AuditActionTokenGraceRejected, domain.AuditEntityConsent, consent.ID, claims.TokenID, "token_expired_at="+claims.ExpiresAt.Format(time.RFC3339), "")
			return nil, domain.ErrTokenExpired
		}
		graceAccepted = true
	}

	if !s.Verifier.VerifyDetached(ctx, req.Body, req.Signature, consent.AgentTenant) {
		metrics.SignatureRejected("inbound")
		s.emit(ctx, consent.AgentTenant, domain.AuditActionSignatureRejected, domain.AuditEntityConsent, consent.ID, claims.TokenID, "direction=inbound", "")
		return nil, domain.ErrSignatureInvalid
	}

	if s.Policy != nil {
		result, err := s.Policy.EvaluateSubmission(ctx, domain.SubmissionPolicyInput{
			Action:        SubmitAction,
			Agent:         consent.AgentTenant,
			Board:         consent.BoardTenant,
			TokenBoard:    claims.Board,
			Scopes:        strings.Fields(claims.Scope),
			GraceAccepted: graceAccepted,
			JobExternalID: payload.Job.ExternalID,
		})
		if err != nil {
			return nil, fmt.Errorf("evaluate policy: %w", err)
		}
		if !result.Allow {
			return nil, fmt.Errorf("%w: %s", domain.ErrPolicyDenied, denyCodes(result.Deny))
		}
	}

	// Grace acceptance is only recorded once the submission itself passes.
	if graceAccepted {
		metrics.TokenGraceAccepted()
		s.emit(ctx, consent.AgentTenant, domain.AuditActionTokenGraceAccepted, domain.AuditEntityConsent, consent.ID, claims.TokenID, "token_expired_at="+claims.ExpiresAt.Format(time.RFC3339), "")
	}

	canonical, err := crypto.CanonicalizeJSON(req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	payloadHash := sha256Hex(canonical)
	app := domain.Application{
		ID:                  newID(),
		ConsentID:           consent.ID,
		AgentTenant:         consent.AgentTenant,
		BoardTenant:         consent.BoardTenant,
		JobExternalID:       payload.Job.ExternalID,
		Status:              domain.ApplicationStatusPending,
		SubmittedAt:         now,
		PayloadHash:         payloadHash,
		SubmissionSignature: req.Signature,
		SubmissionKeyID:     header.Kid,
		SubmissionAlgorithm: strings.ToUpper(header.Alg),
		TokenGraceAccepted:  graceAccepted,
	}
	if err := s.Applications.Create(ctx, app); err != nil {
		return nil, err
	}
	s.emit(ctx, app.AgentTenant, domain.AuditActionSubmitted, domain.AuditEntityApplication, app.ID, claims.TokenID, "board="+app.BoardTenant, payloadHash)
	s.logger().Info("application submitted", "application_id", app.ID, "agent", app.AgentTenant, "board", app.BoardTenant, "grace", graceAccepted)

	if s.Board == nil {
		return &app, nil
	}
	return s.deliver(ctx, app, req)
}

func (s *SubmissionService) deliver(ctx context.Context, app domain.Application, req SubmitRequest) (*domain.Application, error) {
	envelope, err := s.Board.Deliver(ctx, BoardDelivery{
		ApplicationID: app.ID,
		Board:         app.BoardTenant,
		Body:          req.Body,
		Signature:     req.Signature,
	})
	if err != nil {
		s.logger().Warn("board delivery failed", "application_id", app.ID, "board", app.BoardTenant, "error", err)
		return s.markFailed(ctx, app, fmt.Errorf("%w: %v", domain.ErrUpstream, err))
	}
	if envelope == nil {
		return &app, nil
	}
	if s.Receipts == nil {
		return &app, nil
	}
	accepted, err := s.Receipts.Accept(ctx, app.ID, envelope)
	if err != nil {
		return s.markFailed(ctx, app, fmt.Errorf("%w: receipt rejected: %v", domain.ErrUpstream, err))
	}
	return accepted, nil
}

func (s *SubmissionService) markFailed(ctx context.Context, app domain.Application, cause error) (*domain.Application, error) {
	if err := s.Applications.UpdateStatus(ctx, app.ID, domain.ApplicationStatusFailed); err != nil {
		s.logger().Error("mark application failed", "application_id", app.ID, "error", err)
	}
	app.Status = domain.ApplicationStatusFailed
	return &app, cause
}

func (s *SubmissionService) Get(ctx context.Context, applicationID string) (*domain.Application, error) {
	return s.Applications.GetByID(ctx, applicationID)
}

func (s *SubmissionService) emit(ctx context.Context, tenant string, action domain.AuditAction, entityType, entityID, jti, metadata, payloadHash string) {
	emitBestEffort(ctx, s.Audit, s.logger(), domain.AuditEventDescriptor{
		Tenant:      tenant,
		Category:    domain.AuditCategoryApplication,
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		ActorType:   "agent",
		ActorID:     tenant,
		Jti:         jti,
		Metadata:    metadata,
		PayloadHash: payloadHash,
		CreatedAt:   s.now(),
	})
}

func (s *SubmissionService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *SubmissionService) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}

func denyCodes(denies []domain.PolicyDeny) string {
	codes := make([]string, 0, len(denies))
	for _, d := range denies {
		codes = append(codes, d.Code)
	}
	if len(codes) == 0 {
		return "denied"
	}
	return strings.Join(codes, ",")
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
