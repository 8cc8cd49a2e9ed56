package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/infra/crypto"
)

// ReceiptService verifies board receipts. The board signs the JCS form of the
// receipt object with one of its published keys.
type ReceiptService struct {
	Schema       SchemaValidator
	Applications ApplicationRepository
	Verifier     DetachedVerifier
	Audit        AuditSink
	Metrics      Metrics
	Logger       *slog.Logger
	Clock        Clock
}

type rawReceiptEnvelope struct {
	Receipt          json.RawMessage `json:"receipt"`
	ReceiptSignature string          `json:"receipt_signature"`
}

func (s *ReceiptService) Accept(ctx context.Context, applicationID string, envelope []byte) (*domain.Application, error) {
	if s == nil || s.Applications == nil || s.Verifier == nil {
		return nil, errors.New("receipt service is not configured")
	}
	app, err := s.Applications.GetByID(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if s.Schema != nil {
		if err := s.Schema.ValidateReceiptEnvelope(envelope); err != nil {
			s.reject(ctx, *app, "schema")
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
	}
	var raw rawReceiptEnvelope
	if err := json.Unmarshal(envelope, &raw); err != nil || len(raw.Receipt) == 0 {
		s.reject(ctx, *app, "malformed")
		return nil, fmt.Errorf("%w: receipt envelope", domain.ErrInvalidPayload)
	}
	canonical, err := crypto.CanonicalizeJSON(raw.Receipt)
	if err != nil {
		s.reject(ctx, *app, "malformed")
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if !s.Verifier.VerifyDetached(ctx, canonical, raw.ReceiptSignature, app.BoardTenant) {
		metricsOrNop(s.Metrics).SignatureRejected("receipt")
		s.reject(ctx, *app, "signature")
		return nil, domain.ErrSignatureInvalid
	}
	var receipt domain.BoardReceipt
	if err := json.Unmarshal(canonical, &receipt); err != nil {
		s.reject(ctx, *app, "malformed")
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if receipt.ApplicationID != app.ID || receipt.BoardID != app.BoardTenant {
		s.reject(ctx, *app, "mismatch")
		return nil, fmt.Errorf("%w: receipt does not belong to this application", domain.ErrInvalidPayload)
	}

	receiptHash := sha256Hex(canonical)
	if err := s.Applications.AttachReceipt(ctx, app.ID, canonical, raw.ReceiptSignature, receiptHash, domain.ApplicationStatusAccepted); err != nil {
		return nil, err
	}
	app.Receipt = canonical
	app.ReceiptSignature = raw.ReceiptSignature
	app.ReceiptHash = receiptHash
	app.Status = domain.ApplicationStatusAccepted
	s.emit(ctx, *app, domain.AuditActionReceiptVerified, "board_ref="+receipt.BoardRef, receiptHash)
	return app, nil
}

func (s *ReceiptService) reject(ctx context.Context, app domain.Application, reason string) {
	s.logger().Warn("board receipt rejected", "application_id", app.ID, "board", app.BoardTenant, "reason", reason)
	s.emit(ctx, app, domain.AuditActionReceiptRejected, "reason="+reason, "")
}

func (s *ReceiptService) emit(ctx context.Context, app domain.Application, action domain.AuditAction, metadata, payloadHash string) {
	emitBestEffort(ctx, s.Audit, s.logger(), domain.AuditEventDescriptor{
		Tenant:      app.BoardTenant,
		Category:    domain.AuditCategoryApplication,
		Action:      action,
		EntityType:  domain.AuditEntityApplication,
		EntityID:    app.ID,
		ActorType:   "board",
		ActorID:     app.BoardTenant,
		Metadata:    metadata,
		PayloadHash: payloadHash,
		CreatedAt:   s.now(),
	})
}

func (s *ReceiptService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *ReceiptService) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}
