package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

// AuditEmitter turns descriptors into chained audit events. Descriptors name
// the tenant by slug; events for unknown tenants are dropped with a warning.
type AuditEmitter struct {
	Tenants TenantRepository
	Repo    AuditEventRepository
	Logger  *slog.Logger
	Clock   Clock
}

func NewAuditEmitter(tenants TenantRepository, repo AuditEventRepository, clock Clock) *AuditEmitter {
	return &AuditEmitter{
		Tenants: tenants,
		Repo:    repo,
		Clock:   clock,
	}
}

func (e *AuditEmitter) Emit(ctx context.Context, desc domain.AuditEventDescriptor) error {
	if e == nil || e.Repo == nil || e.Tenants == nil {
		return errors.New("audit repository required")
	}
	if desc.Tenant == "" || desc.Category == "" || desc.Action == "" {
		return errors.New("audit event missing required fields")
	}
	tenant, err := e.Tenants.GetBySlug(ctx, desc.Tenant)
	if errors.Is(err, domain.ErrNotFound) {
		e.logger().Warn("audit event dropped: unknown tenant", "tenant", desc.Tenant, "category", desc.Category, "action", desc.Action)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve audit tenant: %w", err)
	}
	createdAt := desc.CreatedAt
	if createdAt.IsZero() {
		createdAt = e.now()
	}
	entityType, entityID := desc.EntityType, desc.EntityID
	if entityType == "" {
		entityType = string(desc.Category)
	}
	if entityID == "" {
		entityID = tenant.ID
	}
	_, _, err = e.Repo.Append(ctx, domain.AuditEvent{
		TenantID:    tenant.ID,
		Category:    desc.Category,
		Action:      desc.Action,
		EntityType:  entityType,
		EntityID:    entityID,
		ActorType:   desc.ActorType,
		ActorID:     desc.ActorID,
		Jti:         desc.Jti,
		Metadata:    desc.Metadata,
		PayloadHash: desc.PayloadHash,
		CreatedAt:   createdAt.UTC(),
	})
	return err
}

func (e *AuditEmitter) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *AuditEmitter) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now().UTC()
}

// emitBestEffort never fails the caller: an unavailable audit sink is logged
// and the business operation proceeds.
func emitBestEffort(ctx context.Context, sink AuditSink, logger *slog.Logger, desc domain.AuditEventDescriptor) {
	if sink == nil {
		return
	}
	if err := sink.Emit(ctx, desc); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("audit emit failed",
			"tenant", desc.Tenant,
			"category", desc.Category,
			"action", desc.Action,
			"error", err,
		)
	}
}
