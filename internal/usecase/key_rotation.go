package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

const (
	defaultKeyLifetime  = 365 * 24 * time.Hour
	defaultRotationLead = 30 * 24 * time.Hour
	keyIDPrefix         = "ctok-"
)

// KeyRotationService keeps exactly one usable Active consent-token key per
// tenant. Every state change happens inside KeyRotationStore.WithTx under the
// tenant's lock row, so concurrent callers on different instances agree.
type KeyRotationService struct {
	Tenants  TenantRepository
	Store    KeyRotationStore
	Keys     domain.KeyManager
	Audit    AuditSink
	Cache    KeySetCache
	Logger   *slog.Logger
	Clock    Clock
	Lifetime time.Duration
	Lead     time.Duration
}

func NewKeyRotationService(tenants TenantRepository, store KeyRotationStore, keys domain.KeyManager, clock Clock) *KeyRotationService {
	return &KeyRotationService{
		Tenants:  tenants,
		Store:    store,
		Keys:     keys,
		Clock:    clock,
		Lifetime: defaultKeyLifetime,
		Lead:     defaultRotationLead,
	}
}

// EnsureActiveKey returns the tenant's Active key, rotating first when there is
// none or when it expires within the rotation lead.
func (s *KeyRotationService) EnsureActiveKey(ctx context.Context, tenantID string, now time.Time) (domain.TenantKey, error) {
	if err := s.validate(tenantID); err != nil {
		return domain.TenantKey{}, err
	}
	active, err := s.Store.GetActive(ctx, tenantID, domain.KeyPurposeConsentToken)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.TenantKey{}, err
	}
	if active != nil && !s.due(*active, now) {
		return *active, nil
	}
	tenant, err := s.Tenants.GetByID(ctx, tenantID)
	if err != nil {
		return domain.TenantKey{}, err
	}
	return s.rotate(ctx, *tenant, now, false)
}

// Rotate unconditionally replaces the Active key, promoting a staged Next key
// when one is usable.
func (s *KeyRotationService) Rotate(ctx context.Context, tenantID string) (domain.TenantKey, error) {
	if err := s.validate(tenantID); err != nil {
		return domain.TenantKey{}, err
	}
	tenant, err := s.Tenants.GetByID(ctx, tenantID)
	if err != nil {
		return domain.TenantKey{}, err
	}
	return s.rotate(ctx, *tenant, s.now(), true)
}

// StageNext creates the Next key, or returns the one already staged. Next keys
// are published in the key set before they sign anything.
func (s *KeyRotationService) StageNext(ctx context.Context, tenantID string) (domain.TenantKey, error) {
	if err := s.validate(tenantID); err != nil {
		return domain.TenantKey{}, err
	}
	tenant, err := s.Tenants.GetByID(ctx, tenantID)
	if err != nil {
		return domain.TenantKey{}, err
	}
	now := s.now()
	var staged domain.TenantKey
	created := false
	err = s.Store.WithTx(ctx, func(tx KeyRotationStore) error {
		if err := tx.LockTenant(ctx, tenantID); err != nil {
			return err
		}
		next, err := tx.GetNext(ctx, tenantID, domain.KeyPurposeConsentToken)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if next != nil {
			staged = *next
			return nil
		}
		key, err := s.generate(ctx, tenantID, domain.KeyStatusNext, now)
		if err != nil {
			return err
		}
		if err := tx.Create(ctx, key); err != nil {
			return err
		}
		staged = key
		created = true
		return nil
	})
	if err != nil {
		return domain.TenantKey{}, err
	}
	if created {
		s.invalidate(tenant.Slug)
		s.emit(ctx, tenant.Slug, domain.AuditActionKeyStaged, staged.KID, "")
		s.logger().Info("tenant key staged", "tenant", tenant.Slug, "kid", staged.KID)
	}
	return staged, nil
}

func (s *KeyRotationService) rotate(ctx context.Context, tenant domain.Tenant, now time.Time, force bool) (domain.TenantKey, error) {
	var (
		result   domain.TenantKey
		previous string
		rotated  bool
	)
	err := s.Store.WithTx(ctx, func(tx KeyRotationStore) error {
		if err := tx.LockTenant(ctx, tenant.ID); err != nil {
			return err
		}
		current, err := tx.GetActive(ctx, tenant.ID, domain.KeyPurposeConsentToken)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		// Another caller may have rotated while we waited for the lock.
		if !force && current != nil && !s.due(*current, now) {
			result = *current
			return nil
		}
		next, err := tx.GetNext(ctx, tenant.ID, domain.KeyPurposeConsentToken)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if current != nil {
			if err := tx.UpdateStatus(ctx, tenant.ID, current.KID, domain.KeyStatusRetired, now); err != nil {
				return err
			}
			previous = current.KID
		}
		if next != nil && next.Usable(now) && !s.due(*next, now) {
			if err := tx.UpdateStatus(ctx, tenant.ID, next.KID, domain.KeyStatusActive, now); err != nil {
				return err
			}
			result = *next
			result.Status = domain.KeyStatusActive
			activated := now
			result.ActivatedAt = &activated
			rotated = true
			return nil
		}
		if next != nil {
			if err := tx.UpdateStatus(ctx, tenant.ID, next.KID, domain.KeyStatusRetired, now); err != nil {
				return err
			}
		}
		key, err := s.generate(ctx, tenant.ID, domain.KeyStatusActive, now)
		if err != nil {
			return err
		}
		if err := tx.Create(ctx, key); err != nil {
			return err
		}
		result = key
		rotated = true
		return nil
	})
	if errors.Is(err, domain.ErrConflict) && !force {
		// Lost a race that the lock did not serialize; the winner's key is fine.
		active, getErr := s.Store.GetActive(ctx, tenant.ID, domain.KeyPurposeConsentToken)
		if getErr == nil {
			return *active, nil
		}
	}
	if err != nil {
		return domain.TenantKey{}, err
	}
	if rotated {
		s.invalidate(tenant.Slug)
		s.emit(ctx, tenant.Slug, domain.AuditActionKeyRotated, result.KID, previous)
		s.logger().Info("tenant key rotated", "tenant", tenant.Slug, "kid", result.KID, "previous_kid", previous)
	}
	return result, nil
}

func (s *KeyRotationService) generate(ctx context.Context, tenantID string, status domain.KeyStatus, now time.Time) (domain.TenantKey, error) {
	kid := newKeyID()
	jwk, sealed, err := s.Keys.Generate(ctx, domain.KeyRef{
		TenantID: tenantID,
		Purpose:  domain.KeyPurposeConsentToken,
		KID:      kid,
	})
	if err != nil {
		return domain.TenantKey{}, fmt.Errorf("generate key: %w", err)
	}
	key := domain.TenantKey{
		TenantID:         tenantID,
		KID:              kid,
		Purpose:          domain.KeyPurposeConsentToken,
		Alg:              domain.AlgES256,
		PublicJWK:        jwk,
		PrivateKeySealed: sealed,
		Status:           status,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.lifetime()),
	}
	if status == domain.KeyStatusActive {
		activated := now
		key.ActivatedAt = &activated
	}
	return key, nil
}

func (s *KeyRotationService) due(key domain.TenantKey, now time.Time) bool {
	return key.ExpiresAt.Sub(now) <= s.Lead
}

func (s *KeyRotationService) lifetime() time.Duration {
	if s.Lifetime < 30*24*time.Hour {
		return 30 * 24 * time.Hour
	}
	return s.Lifetime
}

func (s *KeyRotationService) invalidate(slug string) {
	if s.Cache == nil {
		return
	}
	s.Cache.Delete(slug)
	s.Cache.Delete(keySetCacheAll)
}

func (s *KeyRotationService) emit(ctx context.Context, slug string, action domain.AuditAction, kid, previous string) {
	metadata := "kid=" + kid
	if previous != "" {
		metadata += " previous_kid=" + previous
	}
	emitBestEffort(ctx, s.Audit, s.logger(), domain.AuditEventDescriptor{
		Tenant:     slug,
		Category:   domain.AuditCategoryKey,
		Action:     action,
		EntityType: domain.AuditEntityTenantKey,
		EntityID:   kid,
		ActorType:  "system",
		Metadata:   metadata,
		CreatedAt:  s.now(),
	})
}

func (s *KeyRotationService) validate(tenantID string) error {
	if s == nil || s.Store == nil || s.Tenants == nil {
		return errors.New("key rotation store is required")
	}
	if s.Keys == nil {
		return errors.New("key manager is required")
	}
	if tenantID == "" {
		return errors.New("tenant_id is required")
	}
	return nil
}

func (s *KeyRotationService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *KeyRotationService) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}

func newKeyID() string {
	return keyIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
