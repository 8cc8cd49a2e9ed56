package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

type TenantSeed struct {
	Slug        string
	DisplayName string
	Type        domain.TenantType
}

// EnsureTenants creates the seeded tenants that do not exist yet and returns
// how many were created. Existing tenants are left untouched.
func EnsureTenants(ctx context.Context, repo TenantRepository, seeds []TenantSeed, logger *slog.Logger) (int, error) {
	if repo == nil {
		return 0, errors.New("tenant repository is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	created := 0
	for _, seed := range seeds {
		existing, err := repo.GetBySlug(ctx, seed.Slug)
		if err == nil {
			if existing.Type != seed.Type {
				logger.Warn("seeded tenant type differs from stored tenant", "tenant", seed.Slug, "stored", existing.Type, "seed", seed.Type)
			}
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return created, err
		}
		err = repo.Create(ctx, domain.Tenant{
			Slug:        seed.Slug,
			DisplayName: seed.DisplayName,
			Type:        seed.Type,
		})
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed tenant %s: %w", seed.Slug, err)
		}
		created++
		logger.Info("tenant seeded", "tenant", seed.Slug, "type", seed.Type)
	}
	return created, nil
}
