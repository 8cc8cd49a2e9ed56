package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

type ConsentRepository struct {
	db *gorm.DB
}

func NewConsentRepository(db *gorm.DB) *ConsentRepository {
	return &ConsentRepository{db: db}
}

func (r *ConsentRepository) UpsertCandidate(ctx context.Context, emailHash string, now time.Time) (domain.Candidate, error) {
	if r.db == nil {
		return domain.Candidate{}, errDBUnavailable
	}
	if emailHash == "" {
		return domain.Candidate{}, errors.New("email hash is required")
	}
	model := CandidateModel{ID: newUUID(), EmailHash: emailHash, CreatedAt: dbTime(now)}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error; err != nil {
		return domain.Candidate{}, err
	}
	var stored CandidateModel
	if err := r.db.WithContext(ctx).First(&stored, "email_hash = ?", emailHash).Error; err != nil {
		return domain.Candidate{}, mapNotFound(err)
	}
	return candidateFromModel(stored), nil
}

func (r *ConsentRepository) GetCandidate(ctx context.Context, candidateID string) (*domain.Candidate, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model CandidateModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", candidateID).Error; err != nil {
		return nil, mapNotFound(err)
	}
	candidate := candidateFromModel(model)
	return &candidate, nil
}

func (r *ConsentRepository) Create(ctx context.Context, consent domain.Consent) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if consent.ID == "" {
		return errors.New("consent id is required")
	}
	model := ConsentModel{
		ID:              consent.ID,
		CandidateID:     consent.CandidateID,
		AgentTenant:     consent.AgentTenant,
		BoardTenant:     consent.BoardTenant,
		Scopes:          consent.ScopeString(),
		Status:          string(consent.Status),
		IssuedAt:        dbTime(consent.IssuedAt),
		ExpiresAt:       dbTime(consent.ExpiresAt),
		RevokedAt:       dbTimePtr(consent.RevokedAt),
		ApprovedByEmail: stringPtrIfNotEmpty(consent.ApprovedByEmail),
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *ConsentRepository) GetByID(ctx context.Context, consentID string) (*domain.Consent, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model ConsentModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", consentID).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return consentFromModel(model), nil
}

// Revoke is terminal. Revoking an already revoked consent keeps the first revocation time.
func (r *ConsentRepository) Revoke(ctx context.Context, consentID string, at time.Time) error {
	if r.db == nil {
		return errDBUnavailable
	}
	res := r.db.WithContext(ctx).
		Model(&ConsentModel{}).
		Where("id = ? AND status = ?", consentID, string(domain.ConsentStatusActive)).
		Updates(map[string]any{
			"status":     string(domain.ConsentStatusRevoked),
			"revoked_at": dbTime(at),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, consentID); err != nil {
			return err
		}
	}
	return nil
}

func (r *ConsentRepository) RecordIssuance(ctx context.Context, record domain.ConsentTokenRecord) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if record.ID == "" {
		record.ID = newUUID()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := ConsentTokenRecordModel{
			ID:        record.ID,
			ConsentID: record.ConsentID,
			TokenID:   record.TokenID,
			TokenHash: record.TokenHash,
			KID:       record.KeyID,
			Alg:       record.Algorithm,
			IssuedAt:  dbTime(record.IssuedAt),
			ExpiresAt: dbTime(record.ExpiresAt),
		}
		if err := tx.Create(&model).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.ErrConflict
			}
			return err
		}
		res := tx.Model(&ConsentModel{}).
			Where("id = ?", record.ConsentID).
			Updates(map[string]any{
				"token_id":         record.TokenID,
				"token_kid":        record.KeyID,
				"token_alg":        record.Algorithm,
				"token_hash":       record.TokenHash,
				"token_issued_at":  dbTime(record.IssuedAt),
				"token_expires_at": dbTime(record.ExpiresAt),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (r *ConsentRepository) GetTokenRecord(ctx context.Context, tokenID string) (*domain.ConsentTokenRecord, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model ConsentTokenRecordModel
	if err := r.db.WithContext(ctx).First(&model, "token_id = ?", tokenID).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &domain.ConsentTokenRecord{
		ID:        model.ID,
		ConsentID: model.ConsentID,
		TokenID:   model.TokenID,
		TokenHash: model.TokenHash,
		KeyID:     model.KID,
		Algorithm: model.Alg,
		IssuedAt:  model.IssuedAt.UTC(),
		ExpiresAt: model.ExpiresAt.UTC(),
	}, nil
}

func candidateFromModel(model CandidateModel) domain.Candidate {
	return domain.Candidate{
		ID:        model.ID,
		EmailHash: model.EmailHash,
		CreatedAt: model.CreatedAt.UTC(),
	}
}

func consentFromModel(model ConsentModel) *domain.Consent {
	return &domain.Consent{
		ID:              model.ID,
		CandidateID:     model.CandidateID,
		AgentTenant:     model.AgentTenant,
		BoardTenant:     model.BoardTenant,
		Scopes:          strings.Fields(model.Scopes),
		Status:          domain.ConsentStatus(model.Status),
		IssuedAt:        model.IssuedAt.UTC(),
		ExpiresAt:       model.ExpiresAt.UTC(),
		RevokedAt:       utcPtr(model.RevokedAt),
		TokenID:         stringValue(model.TokenID),
		TokenKeyID:      stringValue(model.TokenKID),
		TokenAlgorithm:  stringValue(model.TokenAlg),
		TokenHash:       stringValue(model.TokenHash),
		TokenIssuedAt:   utcPtr(model.TokenIssuedAt),
		TokenExpiresAt:  utcPtr(model.TokenExpiresAt),
		ApprovedByEmail: stringValue(model.ApprovedByEmail),
	}
}
