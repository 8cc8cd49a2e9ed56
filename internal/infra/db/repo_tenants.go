package db

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

type TenantRepository struct {
	db *gorm.DB
}

func NewTenantRepository(db *gorm.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

func (r *TenantRepository) Create(ctx context.Context, tenant domain.Tenant) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if strings.TrimSpace(tenant.Slug) == "" {
		return domain.ErrInvalidPayload
	}
	if tenant.ID == "" {
		tenant.ID = newUUID()
	}
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = time.Now()
	}
	model := TenantModel{
		ID:          tenant.ID,
		Slug:        tenant.Slug,
		DisplayName: tenant.DisplayName,
		Type:        string(tenant.Type),
		CreatedAt:   dbTime(tenant.CreatedAt),
	}
	err := r.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

func (r *TenantRepository) GetByID(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model TenantModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", tenantID).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return tenantFromModel(model), nil
}

func (r *TenantRepository) GetBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model TenantModel
	if err := r.db.WithContext(ctx).First(&model, "slug = ?", slug).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return tenantFromModel(model), nil
}

func (r *TenantRepository) List(ctx context.Context) ([]domain.Tenant, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []TenantModel
	if err := r.db.WithContext(ctx).Order("slug ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Tenant, 0, len(models))
	for _, model := range models {
		out = append(out, *tenantFromModel(model))
	}
	return out, nil
}

func tenantFromModel(model TenantModel) *domain.Tenant {
	return &domain.Tenant{
		ID:          model.ID,
		Slug:        model.Slug,
		DisplayName: model.DisplayName,
		Type:        domain.TenantType(model.Type),
		CreatedAt:   model.CreatedAt.UTC(),
	}
}
