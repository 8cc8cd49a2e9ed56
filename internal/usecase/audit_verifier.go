package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

const (
	AuditErrTenantNotFound = "tenant_not_found"
	auditMismatchPrefix    = "mismatch_at:"
)

// AuditVerifier replays a tenant's hash chain over a time window and records
// the outcome as an AuditVerificationRun.
type AuditVerifier struct {
	Tenants TenantRepository
	Events  AuditEventRepository
	Runs    AuditRunRepository
	Logger  *slog.Logger
	Clock   Clock
}

func NewAuditVerifier(tenants TenantRepository, events AuditEventRepository, runs AuditRunRepository, clock Clock) *AuditVerifier {
	return &AuditVerifier{
		Tenants: tenants,
		Events:  events,
		Runs:    runs,
		Clock:   clock,
	}
}

// Verify walks events created in [start, end]. The chain is entered at the last
// link created strictly before start, or at genesis. Verification stops at the
// first link whose stored hashes disagree with the recomputed ones.
func (v *AuditVerifier) Verify(ctx context.Context, tenantSlug string, start, end time.Time) (domain.AuditVerificationResult, error) {
	if v == nil || v.Tenants == nil || v.Events == nil || v.Runs == nil {
		return domain.AuditVerificationResult{}, errors.New("audit verifier is not configured")
	}
	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return domain.AuditVerificationResult{}, fmt.Errorf("%w: window end must be after start", domain.ErrInvalidPayload)
	}
	result := domain.AuditVerificationResult{
		Tenant:      tenantSlug,
		WindowStart: start,
		WindowEnd:   end,
	}
	tenant, err := v.Tenants.GetBySlug(ctx, tenantSlug)
	if errors.Is(err, domain.ErrNotFound) {
		result.Error = AuditErrTenantNotFound
		return result, nil
	}
	if err != nil {
		return domain.AuditVerificationResult{}, err
	}

	anchor, err := v.Events.AnchorBefore(ctx, tenant.ID, start)
	if err != nil {
		return domain.AuditVerificationResult{}, fmt.Errorf("load chain anchor: %w", err)
	}
	previous := domain.AuditGenesisHash
	if anchor != nil {
		previous = anchor.CurrentHash
	}
	result.PreviousHash = previous

	entries, err := v.Events.ListWindow(ctx, tenant.ID, start, end)
	if err != nil {
		return domain.AuditVerificationResult{}, fmt.Errorf("load chain window: %w", err)
	}
	running := previous
	for _, entry := range entries {
		if entry.Link.PreviousHash != running {
			result.FirstMismatch = entry.Event.ID
			break
		}
		computed, err := domain.AuditChainHash(entry.Link.ChainVersion, running, entry.Event)
		if err != nil || computed != entry.Link.CurrentHash {
			result.FirstMismatch = entry.Event.ID
			break
		}
		running = computed
		result.EventCount++
	}
	result.ComputedHash = running
	result.Success = result.FirstMismatch == ""
	if !result.Success {
		result.Error = auditMismatchPrefix + result.FirstMismatch
		v.logger().Error("audit chain mismatch", "tenant", tenantSlug, "event_id", result.FirstMismatch,
			"window_start", start, "window_end", end)
	}

	if err := v.Runs.Create(ctx, domain.AuditVerificationRun{
		TenantID:      tenant.ID,
		WindowStart:   start,
		WindowEnd:     end,
		PreviousHash:  result.PreviousHash,
		ComputedHash:  result.ComputedHash,
		Success:       result.Success,
		FirstMismatch: result.FirstMismatch,
		Error:         result.Error,
		CreatedAt:     v.now(),
	}); err != nil {
		return result, fmt.Errorf("persist verification run: %w", err)
	}
	return result, nil
}

// VerifyDays verifies the window ending now and reaching back days.
func (v *AuditVerifier) VerifyDays(ctx context.Context, tenantSlug string, days int) (domain.AuditVerificationResult, error) {
	if days <= 0 {
		days = 1
	}
	end := v.now()
	return v.Verify(ctx, tenantSlug, end.Add(-time.Duration(days)*24*time.Hour), end)
}

func (v *AuditVerifier) RecentRuns(ctx context.Context, tenantSlug string, limit int) ([]domain.AuditVerificationRun, error) {
	if v == nil || v.Tenants == nil || v.Runs == nil {
		return nil, errors.New("audit verifier is not configured")
	}
	tenant, err := v.Tenants.GetBySlug(ctx, tenantSlug)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	return v.Runs.ListRecent(ctx, tenant.ID, limit)
}

func (v *AuditVerifier) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

func (v *AuditVerifier) now() time.Time {
	if v.Clock != nil {
		return v.Clock().UTC()
	}
	return time.Now().UTC()
}
