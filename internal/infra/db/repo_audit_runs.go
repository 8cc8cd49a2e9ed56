package db

import (
	"context"

	"gorm.io/gorm"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

const maxRecentRuns = 100

type AuditRunRepository struct {
	db *gorm.DB
}

func NewAuditRunRepository(db *gorm.DB) *AuditRunRepository {
	return &AuditRunRepository{db: db}
}

func (r *AuditRunRepository) Create(ctx context.Context, run domain.AuditVerificationRun) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if run.ID == "" {
		run.ID = newUUID()
	}
	model := AuditVerificationRunModel{
		ID:            run.ID,
		TenantID:      run.TenantID,
		WindowStart:   dbTime(run.WindowStart),
		WindowEnd:     dbTime(run.WindowEnd),
		PreviousHash:  run.PreviousHash,
		ComputedHash:  run.ComputedHash,
		Success:       run.Success,
		FirstMismatch: stringPtrIfNotEmpty(run.FirstMismatch),
		Error:         stringPtrIfNotEmpty(run.Error),
		CreatedAt:     dbTime(run.CreatedAt),
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

// ListRecent returns the newest runs first. limit is clamped to [1, 100].
func (r *AuditRunRepository) ListRecent(ctx context.Context, tenantID string, limit int) ([]domain.AuditVerificationRun, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxRecentRuns {
		limit = maxRecentRuns
	}
	var models []AuditVerificationRunModel
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AuditVerificationRun, 0, len(models))
	for _, m := range models {
		out = append(out, domain.AuditVerificationRun{
			ID:            m.ID,
			TenantID:      m.TenantID,
			WindowStart:   m.WindowStart.UTC(),
			WindowEnd:     m.WindowEnd.UTC(),
			PreviousHash:  m.PreviousHash,
			ComputedHash:  m.ComputedHash,
			Success:       m.Success,
			FirstMismatch: stringValue(m.FirstMismatch),
			Error:         stringValue(m.Error),
			CreatedAt:     m.CreatedAt.UTC(),
		})
	}
	return out, nil
}
