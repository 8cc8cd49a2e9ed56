package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

func openTestStore(t *testing.T) *gorm.DB {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "consentbridge.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.DB
}

func insertTenant(t *testing.T, db *gorm.DB, slug string, kind domain.TenantType) domain.Tenant {
	t.Helper()
	tenant := domain.Tenant{
		ID:          newUUID(),
		Slug:        slug,
		DisplayName: slug,
		Type:        kind,
		CreatedAt:   time.Now().UTC(),
	}
	if err := NewTenantRepository(db).Create(context.Background(), tenant); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	return tenant
}

func testKey(tenantID, kid string, status domain.KeyStatus, now time.Time) domain.TenantKey {
	return domain.TenantKey{
		TenantID:         tenantID,
		KID:              kid,
		Purpose:          domain.KeyPurposeConsentToken,
		Alg:              domain.AlgES256,
		PublicJWK:        domain.JWK{Kty: "EC", Crv: "P-256", Kid: kid, Alg: domain.AlgES256, X: "x", Y: "y"},
		PrivateKeySealed: []byte{1, 2, 3},
		Status:           status,
		CreatedAt:        now,
		ExpiresAt:        now.Add(365 * 24 * time.Hour),
	}
}
