package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/usecase"
)

type AuditEventRepository struct {
	db *gorm.DB
}

func NewAuditEventRepository(db *gorm.DB) *AuditEventRepository {
	return &AuditEventRepository{db: db}
}

// Append writes the event and its chain link in one transaction. Appends for a
// tenant serialize on its tenant_audit_seq row, and created_at never moves
// backwards within a chain.
func (r *AuditEventRepository) Append(ctx context.Context, event domain.AuditEvent) (domain.AuditEvent, domain.AuditEventHash, error) {
	if r.db == nil {
		return domain.AuditEvent{}, domain.AuditEventHash{}, errDBUnavailable
	}
	if event.TenantID == "" {
		return domain.AuditEvent{}, domain.AuditEventHash{}, errors.New("tenant_id is required")
	}
	if event.Category == "" || event.Action == "" {
		return domain.AuditEvent{}, domain.AuditEventHash{}, errors.New("category and action are required")
	}
	if event.EntityType == "" || event.EntityID == "" {
		return domain.AuditEvent{}, domain.AuditEventHash{}, errors.New("entity_type and entity_id are required")
	}
	if event.ID == "" {
		event.ID = newUUID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	event.CreatedAt = dbTime(event.CreatedAt)

	var link domain.AuditEventHash
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, prev, err := lockAuditSeq(tx, event.TenantID)
		if err != nil {
			return err
		}
		previousHash := domain.AuditGenesisHash
		if prev != nil {
			previousHash = prev.CurrentHash
			if event.CreatedAt.Before(prev.CreatedAt) {
				event.CreatedAt = dbTime(prev.CreatedAt)
			}
		}
		current, err := domain.AuditChainHash(domain.AuditChainVersion, previousHash, event)
		if err != nil {
			return err
		}

		eventModel := auditEventModelFromDomain(event)
		if err := tx.Create(&eventModel).Error; err != nil {
			return err
		}
		linkModel := AuditEventHashModel{
			EventID:      event.ID,
			TenantID:     event.TenantID,
			Seq:          seq + 1,
			ChainVersion: domain.AuditChainVersion,
			PreviousHash: previousHash,
			CurrentHash:  current,
			CreatedAt:    event.CreatedAt,
		}
		if err := tx.Create(&linkModel).Error; err != nil {
			return err
		}
		if err := tx.Model(&TenantAuditSeqModel{}).
			Where("tenant_id = ?", event.TenantID).
			Update("seq", seq+1).Error; err != nil {
			return err
		}
		link = auditLinkFromModel(linkModel)
		return nil
	})
	if err != nil {
		return domain.AuditEvent{}, domain.AuditEventHash{}, err
	}
	return event, link, nil
}

// lockAuditSeq returns the tenant's current sequence number with its row
// locked, and the link at that sequence if there is one.
func lockAuditSeq(tx *gorm.DB, tenantID string) (int64, *AuditEventHashModel, error) {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&TenantAuditSeqModel{TenantID: tenantID, Seq: 0}).Error; err != nil {
		return 0, nil, err
	}
	var row TenantAuditSeqModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&row, "tenant_id = ?", tenantID).Error; err != nil {
		return 0, nil, err
	}
	if row.Seq == 0 {
		return 0, nil, nil
	}
	var prev AuditEventHashModel
	if err := tx.Take(&prev, "tenant_id = ? AND seq = ?", tenantID, row.Seq).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil, fmt.Errorf("audit chain for tenant %s is missing link %d", tenantID, row.Seq)
		}
		return 0, nil, err
	}
	return row.Seq, &prev, nil
}

func (r *AuditEventRepository) AnchorBefore(ctx context.Context, tenantID string, t time.Time) (*domain.AuditEventHash, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model AuditEventHashModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND created_at < ?", tenantID, dbTime(t)).
		Order("created_at DESC").
		Order("seq DESC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	link := auditLinkFromModel(model)
	return &link, nil
}

func (r *AuditEventRepository) ListWindow(ctx context.Context, tenantID string, start, end time.Time) ([]usecase.AuditChainEntry, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var links []AuditEventHashModel
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND created_at >= ? AND created_at <= ?", tenantID, dbTime(start), dbTime(end)).
		Order("created_at ASC").
		Order("seq ASC").
		Find(&links).Error; err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.EventID)
	}
	var events []AuditEventModel
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&events).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]AuditEventModel, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}
	out := make([]usecase.AuditChainEntry, 0, len(links))
	for _, l := range links {
		e, ok := byID[l.EventID]
		if !ok {
			return nil, fmt.Errorf("audit link %s has no event", l.EventID)
		}
		out = append(out, usecase.AuditChainEntry{
			Event: auditEventFromModel(e),
			Link:  auditLinkFromModel(l),
		})
	}
	return out, nil
}

func auditEventModelFromDomain(event domain.AuditEvent) AuditEventModel {
	return AuditEventModel{
		ID:          event.ID,
		TenantID:    event.TenantID,
		Category:    string(event.Category),
		Action:      string(event.Action),
		EntityType:  event.EntityType,
		EntityID:    event.EntityID,
		ActorType:   stringPtrIfNotEmpty(event.ActorType),
		ActorID:     stringPtrIfNotEmpty(event.ActorID),
		Jti:         stringPtrIfNotEmpty(event.Jti),
		Metadata:    stringPtrIfNotEmpty(event.Metadata),
		PayloadHash: stringPtrIfNotEmpty(event.PayloadHash),
		CreatedAt:   event.CreatedAt,
	}
}

func auditEventFromModel(model AuditEventModel) domain.AuditEvent {
	return domain.AuditEvent{
		ID:          model.ID,
		TenantID:    model.TenantID,
		Category:    domain.AuditCategory(model.Category),
		Action:      domain.AuditAction(model.Action),
		EntityType:  model.EntityType,
		EntityID:    model.EntityID,
		ActorType:   stringValue(model.ActorType),
		ActorID:     stringValue(model.ActorID),
		Jti:         stringValue(model.Jti),
		Metadata:    stringValue(model.Metadata),
		PayloadHash: stringValue(model.PayloadHash),
		CreatedAt:   model.CreatedAt.UTC(),
	}
}

func auditLinkFromModel(model AuditEventHashModel) domain.AuditEventHash {
	return domain.AuditEventHash{
		EventID:      model.EventID,
		TenantID:     model.TenantID,
		Seq:          model.Seq,
		ChainVersion: model.ChainVersion,
		PreviousHash: model.PreviousHash,
		CurrentHash:  model.CurrentHash,
		CreatedAt:    model.CreatedAt.UTC(),
	}
}
