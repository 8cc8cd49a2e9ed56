package db

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

type ApplicationRepository struct {
	db *gorm.DB
}

func NewApplicationRepository(db *gorm.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

func (r *ApplicationRepository) Create(ctx context.Context, app domain.Application) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if app.ID == "" {
		return errors.New("application id is required")
	}
	model := ApplicationModel{
		ID:                  app.ID,
		ConsentID:           app.ConsentID,
		AgentTenant:         app.AgentTenant,
		BoardTenant:         app.BoardTenant,
		JobExternalID:       app.JobExternalID,
		Status:              string(app.Status),
		SubmittedAt:         dbTime(app.SubmittedAt),
		PayloadHash:         app.PayloadHash,
		SubmissionSignature: app.SubmissionSignature,
		SubmissionKID:       stringPtrIfNotEmpty(app.SubmissionKeyID),
		SubmissionAlg:       stringPtrIfNotEmpty(app.SubmissionAlgorithm),
		TokenGraceAccepted:  app.TokenGraceAccepted,
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *ApplicationRepository) GetByID(ctx context.Context, applicationID string) (*domain.Application, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model ApplicationModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", applicationID).Error; err != nil {
		return nil, mapNotFound(err)
	}
	app := &domain.Application{
		ID:                  model.ID,
		ConsentID:           model.ConsentID,
		AgentTenant:         model.AgentTenant,
		BoardTenant:         model.BoardTenant,
		JobExternalID:       model.JobExternalID,
		Status:              domain.ApplicationStatus(model.Status),
		SubmittedAt:         model.SubmittedAt.UTC(),
		PayloadHash:         model.PayloadHash,
		SubmissionSignature: model.SubmissionSignature,
		SubmissionKeyID:     stringValue(model.SubmissionKID),
		SubmissionAlgorithm: stringValue(model.SubmissionAlg),
		TokenGraceAccepted:  model.TokenGraceAccepted,
		ReceiptSignature:    stringValue(model.ReceiptSignature),
		ReceiptHash:         stringValue(model.ReceiptHash),
	}
	if model.Receipt != nil {
		app.Receipt = []byte(*model.Receipt)
	}
	return app, nil
}

func (r *ApplicationRepository) UpdateStatus(ctx context.Context, applicationID string, status domain.ApplicationStatus) error {
	if r.db == nil {
		return errDBUnavailable
	}
	res := r.db.WithContext(ctx).
		Model(&ApplicationModel{}).
		Where("id = ?", applicationID).
		Update("status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *ApplicationRepository) AttachReceipt(ctx context.Context, applicationID string, receipt []byte, signature, receiptHash string, status domain.ApplicationStatus) error {
	if r.db == nil {
		return errDBUnavailable
	}
	res := r.db.WithContext(ctx).
		Model(&ApplicationModel{}).
		Where("id = ?", applicationID).
		Updates(map[string]any{
			"receipt":           string(receipt),
			"receipt_signature": signature,
			"receipt_hash":      receiptHash,
			"status":            string(status),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
