package usecase

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

const keySetCacheAll = "*"

// KeySetService publishes tenant verification keys: Active, Next and Retired
// keys that have not expired, plus static keys from the tenants file.
type KeySetService struct {
	Tenants TenantRepository
	Keys    KeyRepository
	Static  map[string][]domain.JWK
	Cache   KeySetCache
	Clock   Clock
}

func NewKeySetService(tenants TenantRepository, keys KeyRepository, static map[string][]domain.JWK, cache KeySetCache, clock Clock) *KeySetService {
	return &KeySetService{
		Tenants: tenants,
		Keys:    keys,
		Static:  static,
		Cache:   cache,
		Clock:   clock,
	}
}

func (s *KeySetService) GetPublicKeys(ctx context.Context, tenantSlug string) (domain.JWKSet, error) {
	if s == nil || s.Tenants == nil || s.Keys == nil {
		return domain.JWKSet{}, errors.New("key set service is not configured")
	}
	if s.Cache != nil {
		if set, ok := s.Cache.Get(tenantSlug); ok {
			return set, nil
		}
	}
	static := s.Static[tenantSlug]
	tenant, err := s.Tenants.GetBySlug(ctx, tenantSlug)
	if errors.Is(err, domain.ErrNotFound) && len(static) == 0 {
		return domain.JWKSet{Keys: []domain.JWK{}}, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.JWKSet{}, err
	}

	now := s.now()
	seen := make(map[string]bool)
	set := domain.JWKSet{Keys: []domain.JWK{}}
	if tenant != nil {
		keys, err := s.Keys.ListByTenant(ctx, tenant.ID, domain.KeyPurposeConsentToken)
		if err != nil {
			return domain.JWKSet{}, err
		}
		for _, key := range keys {
			if !key.Usable(now) {
				continue
			}
			jwk := key.PublicJWK
			jwk.Tenant = tenantSlug
			if jwk.Kid == "" {
				jwk.Kid = key.KID
			}
			seen[jwk.Kid] = true
			set.Keys = append(set.Keys, jwk)
		}
	}
	for _, jwk := range static {
		if seen[jwk.Kid] {
			continue
		}
		jwk.Tenant = tenantSlug
		seen[jwk.Kid] = true
		set.Keys = append(set.Keys, jwk)
	}
	if s.Cache != nil {
		s.Cache.Set(tenantSlug, set)
	}
	return set, nil
}

// GetAllPublicKeys is the union of every tenant's key set, ordered by tenant slug.
func (s *KeySetService) GetAllPublicKeys(ctx context.Context) (domain.JWKSet, error) {
	if s == nil || s.Tenants == nil {
		return domain.JWKSet{}, errors.New("key set service is not configured")
	}
	if s.Cache != nil {
		if set, ok := s.Cache.Get(keySetCacheAll); ok {
			return set, nil
		}
	}
	tenants, err := s.Tenants.List(ctx)
	if err != nil {
		return domain.JWKSet{}, err
	}
	slugs := make([]string, 0, len(tenants)+len(s.Static))
	listed := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		slugs = append(slugs, t.Slug)
		listed[t.Slug] = true
	}
	for slug := range s.Static {
		if !listed[slug] {
			slugs = append(slugs, slug)
		}
	}
	sort.Strings(slugs)

	all := domain.JWKSet{Keys: []domain.JWK{}}
	for _, slug := range slugs {
		set, err := s.GetPublicKeys(ctx, slug)
		if err != nil {
			return domain.JWKSet{}, err
		}
		all.Keys = append(all.Keys, set.Keys...)
	}
	if s.Cache != nil {
		s.Cache.Set(keySetCacheAll, all)
	}
	return all, nil
}

func (s *KeySetService) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}
