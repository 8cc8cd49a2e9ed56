package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/usecase"
)

// TenantKeyRepository stores tenant signing keys. Rows are never deleted;
// status only moves forward (next -> active -> retired).
type TenantKeyRepository struct {
	db *gorm.DB
}

func NewTenantKeyRepository(db *gorm.DB) *TenantKeyRepository {
	return &TenantKeyRepository{db: db}
}

func (r *TenantKeyRepository) WithTx(ctx context.Context, fn func(store usecase.KeyRotationStore) error) error {
	if r.db == nil {
		return errDBUnavailable
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&TenantKeyRepository{db: tx})
	})
}

// LockTenant takes the tenant's row lock in tenant_key_locks for the rest of
// the transaction. SQLite has no row locks; its single writer serializes instead.
func (r *TenantKeyRepository) LockTenant(ctx context.Context, tenantID string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&TenantKeyLockModel{TenantID: tenantID}).Error; err != nil {
		return err
	}
	var lock TenantKeyLockModel
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&lock, "tenant_id = ?", tenantID).Error
	return mapNotFound(err)
}

func (r *TenantKeyRepository) GetActive(ctx context.Context, tenantID string, purpose domain.KeyPurpose) (*domain.TenantKey, error) {
	return r.getByStatus(ctx, tenantID, purpose, domain.KeyStatusActive)
}

func (r *TenantKeyRepository) GetNext(ctx context.Context, tenantID string, purpose domain.KeyPurpose) (*domain.TenantKey, error) {
	return r.getByStatus(ctx, tenantID, purpose, domain.KeyStatusNext)
}

func (r *TenantKeyRepository) getByStatus(ctx context.Context, tenantID string, purpose domain.KeyPurpose, status domain.KeyStatus) (*domain.TenantKey, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model TenantKeyModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND purpose = ? AND status = ?", tenantID, string(purpose), string(status)).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return tenantKeyFromModel(model)
}

func (r *TenantKeyRepository) GetByKID(ctx context.Context, tenantID, kid string) (*domain.TenantKey, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model TenantKeyModel
	if err := r.db.WithContext(ctx).First(&model, "tenant_id = ? AND kid = ?", tenantID, kid).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return tenantKeyFromModel(model)
}

func (r *TenantKeyRepository) ListByTenant(ctx context.Context, tenantID string, purpose domain.KeyPurpose) ([]domain.TenantKey, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []TenantKeyModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND purpose = ?", tenantID, string(purpose)).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.TenantKey, 0, len(models))
	for _, model := range models {
		key, err := tenantKeyFromModel(model)
		if err != nil {
			return nil, err
		}
		out = append(out, *key)
	}
	return out, nil
}

func (r *TenantKeyRepository) Create(ctx context.Context, key domain.TenantKey) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if key.ID == "" {
		key.ID = newUUID()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	jwk, err := json.Marshal(key.PublicJWK)
	if err != nil {
		return err
	}
	model := TenantKeyModel{
		ID:               key.ID,
		TenantID:         key.TenantID,
		KID:              key.KID,
		Purpose:          string(key.Purpose),
		Alg:              key.Alg,
		PublicJWK:        string(jwk),
		PrivateKeySealed: copyBytes(key.PrivateKeySealed),
		Status:           string(key.Status),
		CreatedAt:        dbTime(key.CreatedAt),
		ActivatedAt:      dbTimePtr(key.ActivatedAt),
		ExpiresAt:        dbTime(key.ExpiresAt),
		RetiredAt:        dbTimePtr(key.RetiredAt),
		LastUsedAt:       dbTimePtr(key.LastUsedAt),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: key %s for tenant %s", domain.ErrConflict, key.KID, key.TenantID)
		}
		return err
	}
	return nil
}

func (r *TenantKeyRepository) UpdateStatus(ctx context.Context, tenantID, kid string, status domain.KeyStatus, at time.Time) error {
	if r.db == nil {
		return errDBUnavailable
	}
	updates := map[string]any{"status": string(status)}
	switch status {
	case domain.KeyStatusActive:
		updates["activated_at"] = dbTime(at)
	case domain.KeyStatusRetired:
		updates["retired_at"] = dbTime(at)
	}
	res := r.db.WithContext(ctx).
		Model(&TenantKeyModel{}).
		Where("tenant_id = ? AND kid = ? AND status <> ?", tenantID, kid, string(domain.KeyStatusRetired)).
		Updates(updates)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return domain.ErrConflict
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *TenantKeyRepository) TouchLastUsed(ctx context.Context, tenantID, kid string, at time.Time) error {
	if r.db == nil {
		return errDBUnavailable
	}
	return r.db.WithContext(ctx).
		Model(&TenantKeyModel{}).
		Where("tenant_id = ? AND kid = ?", tenantID, kid).
		Update("last_used_at", dbTime(at)).Error
}

func tenantKeyFromModel(model TenantKeyModel) (*domain.TenantKey, error) {
	var jwk domain.JWK
	if err := json.Unmarshal([]byte(model.PublicJWK), &jwk); err != nil {
		return nil, fmt.Errorf("%w: public jwk for %s: %v", domain.ErrKeyMaterial, model.KID, err)
	}
	return &domain.TenantKey{
		ID:               model.ID,
		TenantID:         model.TenantID,
		KID:              model.KID,
		Purpose:          domain.KeyPurpose(model.Purpose),
		Alg:              model.Alg,
		PublicJWK:        jwk,
		PrivateKeySealed: copyBytes(model.PrivateKeySealed),
		Status:           domain.KeyStatus(model.Status),
		CreatedAt:        model.CreatedAt.UTC(),
		ActivatedAt:      utcPtr(model.ActivatedAt),
		ExpiresAt:        model.ExpiresAt.UTC(),
		RetiredAt:        utcPtr(model.RetiredAt),
		LastUsedAt:       utcPtr(model.LastUsedAt),
	}, nil
}
