package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/config"
	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/infra/boardclient"
	"github.com/dakydaky/ConsentBridge/internal/infra/cachemem"
	"github.com/dakydaky/ConsentBridge/internal/infra/crypto"
	"github.com/dakydaky/ConsentBridge/internal/infra/db"
	"github.com/dakydaky/ConsentBridge/internal/infra/digest"
	httpinfra "github.com/dakydaky/ConsentBridge/internal/infra/http"
	"github.com/dakydaky/ConsentBridge/internal/infra/jws"
	"github.com/dakydaky/ConsentBridge/internal/infra/keys/soft"
	"github.com/dakydaky/ConsentBridge/internal/infra/metrics"
	"github.com/dakydaky/ConsentBridge/internal/infra/policyopa"
	"github.com/dakydaky/ConsentBridge/internal/infra/schema"
	"github.com/dakydaky/ConsentBridge/internal/usecase"
)

const boardTimeout = 10 * time.Second

// App holds the wired gateway. Commands that only need a slice of it (key
// rotation, audit verification) still build the whole graph; construction
// has no side effects beyond opening the store.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Store   *db.Store
	Metrics *metrics.Metrics

	Tenants     *db.TenantRepository
	Rotation    *usecase.KeyRotationService
	KeySets     *usecase.KeySetService
	Consents    *usecase.ConsentLifecycleService
	Submissions *usecase.SubmissionService
	Receipts    *usecase.ReceiptService
	AuditVerify *usecase.AuditVerifier
	AuditSweep  *usecase.AuditSweep
	Server      *httpinfra.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	master, err := cfg.KeyEncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	sealer, err := crypto.NewSealer(master)
	if err != nil {
		return nil, err
	}
	store, err := db.NewStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		Metrics: metrics.New(),
	}
	if err := a.wire(ctx, sealer); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, sealer *crypto.Sealer) error {
	cfg, logger := a.Config, a.Logger
	clock := usecase.Clock(time.Now)

	a.Tenants = db.NewTenantRepository(a.Store.DB)
	keyRepo := db.NewTenantKeyRepository(a.Store.DB)
	consentRepo := db.NewConsentRepository(a.Store.DB)
	applicationRepo := db.NewApplicationRepository(a.Store.DB)
	auditRepo := db.NewAuditEventRepository(a.Store.DB)
	runRepo := db.NewAuditRunRepository(a.Store.DB)

	keyManager := soft.NewManager(sealer)
	cache := cachemem.NewKeySetCache(cfg.KeySetCacheTTL(), nil)

	emitter := usecase.NewAuditEmitter(a.Tenants, auditRepo, clock)
	emitter.Logger = logger

	a.Rotation = usecase.NewKeyRotationService(a.Tenants, keyRepo, keyManager, clock)
	a.Rotation.Audit = emitter
	a.Rotation.Cache = cache
	a.Rotation.Logger = logger
	a.Rotation.Lifetime = cfg.KeyLifetime()
	a.Rotation.Lead = cfg.KeyRotationLead()

	static, err := staticKeys(cfg.Tenants)
	if err != nil {
		return err
	}
	a.KeySets = usecase.NewKeySetService(a.Tenants, keyRepo, static, cache, clock)

	issuer := usecase.NewConsentTokenIssuer(a.Tenants, a.Rotation, keyManager, consentRepo, clock)
	issuer.KeyUsage = keyRepo
	issuer.Audit = emitter
	issuer.Logger = logger
	issuer.Issuer = cfg.TokenIssuer
	issuer.Lifetime = cfg.TokenLifetime()

	a.Consents = usecase.NewConsentLifecycleService(a.Tenants, consentRepo, issuer, clock)
	a.Consents.Audit = emitter
	a.Consents.Metrics = a.Metrics
	a.Consents.Logger = logger
	a.Consents.RenewalLead = cfg.RenewalLead()
	a.Consents.ExpiryGrace = cfg.ExpiryGrace()
	a.Consents.ConsentLifetime = cfg.ConsentLifetime()

	verifier, err := detachedVerifier(cfg, a.KeySets, logger)
	if err != nil {
		return err
	}
	validator, err := schema.NewValidator()
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}
	policy, err := policyopa.NewEngine(ctx, cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	logger.Info("submission policy loaded", "path", cfg.PolicyPath, "hash", policy.PolicyHash())

	a.Receipts = &usecase.ReceiptService{
		Schema:       validator,
		Applications: applicationRepo,
		Verifier:     verifier,
		Audit:        emitter,
		Metrics:      a.Metrics,
		Logger:       logger,
		Clock:        clock,
	}
	a.Submissions = &usecase.SubmissionService{
		Schema:       validator,
		Keys:         a.KeySets,
		Consents:     consentRepo,
		Applications: applicationRepo,
		Verifier:     verifier,
		Policy:       policy,
		Board:        boardclient.New(boardEndpoints(cfg.Tenants), boardTimeout),
		Receipts:     a.Receipts,
		Audit:        emitter,
		Metrics:      a.Metrics,
		Logger:       logger,
		Clock:        clock,
		Issuer:       cfg.TokenIssuer,
		ExpiryGrace:  cfg.ExpiryGrace(),
	}

	a.AuditVerify = usecase.NewAuditVerifier(a.Tenants, auditRepo, runRepo, clock)
	a.AuditVerify.Logger = logger
	a.AuditSweep = usecase.NewAuditSweep(a.Tenants, a.AuditVerify,
		digest.NewWriter(cfg.AuditDigestDir, cfg.AuditArchiveDir),
		a.Metrics, logger, cfg.AuditSweepInterval(), cfg.AuditWindow())

	a.Server = httpinfra.NewServer(cfg, httpinfra.ServerDeps{
		Consents:     a.Consents,
		Applications: a.Submissions,
		Receipts:     a.Receipts,
		KeySets:      a.KeySets,
		Tenants:      a.Tenants,
		Rotation:     a.Rotation,
		Audit:        a.AuditVerify,
		Metrics:      a.Metrics,
		Logger:       logger,
	})
	return nil
}

// SeedTenants creates the configured tenants that are missing and makes sure
// each one has an Active signing key.
func (a *App) SeedTenants(ctx context.Context) error {
	seeds := make([]usecase.TenantSeed, 0, len(a.Config.Tenants))
	for _, t := range a.Config.Tenants {
		seeds = append(seeds, usecase.TenantSeed{
			Slug:        t.Slug,
			DisplayName: t.DisplayName,
			Type:        domain.TenantType(t.Type),
		})
	}
	created, err := usecase.EnsureTenants(ctx, a.Tenants, seeds, a.Logger)
	if err != nil {
		return fmt.Errorf("seed tenants: %w", err)
	}
	if created > 0 {
		a.Logger.Info("seeded tenants", "created", created)
	}
	now := time.Now().UTC()
	for _, seed := range seeds {
		tenant, err := a.Tenants.GetBySlug(ctx, seed.Slug)
		if err != nil {
			return err
		}
		if _, err := a.Rotation.EnsureActiveKey(ctx, tenant.ID, now); err != nil {
			return fmt.Errorf("ensure key for %s: %w", seed.Slug, err)
		}
	}
	return nil
}

// RotateTenant forces a rotation for the tenant named by slug.
func (a *App) RotateTenant(ctx context.Context, slug string) (domain.TenantKey, error) {
	tenant, err := a.Tenants.GetBySlug(ctx, slug)
	if err != nil {
		return domain.TenantKey{}, fmt.Errorf("tenant %s: %w", slug, err)
	}
	return a.Rotation.Rotate(ctx, tenant.ID)
}

func (a *App) Close() error {
	var errs []error
	if a.AuditSweep != nil {
		errs = append(errs, a.AuditSweep.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

func staticKeys(tenants []config.TenantConfig) (map[string][]domain.JWK, error) {
	out := make(map[string][]domain.JWK)
	for _, t := range tenants {
		for _, k := range t.JWKS.Keys {
			jwk := domain.JWK{
				Tenant: t.Slug,
				Kty:    k.Kty,
				Use:    k.Use,
				Alg:    k.Alg,
				Kid:    k.Kid,
				Crv:    k.Crv,
				X:      k.X,
				Y:      k.Y,
			}
			if jwk.Alg == "" {
				jwk.Alg = jws.AlgES256
			}
			if _, err := jws.ECPublicKey(jwk); err != nil {
				return nil, fmt.Errorf("%w: tenant %s key %s: %v", domain.ErrConfig, t.Slug, k.Kid, err)
			}
			out[t.Slug] = append(out[t.Slug], jwk)
		}
	}
	return out, nil
}

func boardEndpoints(tenants []config.TenantConfig) map[string]string {
	out := make(map[string]string)
	for _, t := range tenants {
		if t.Type == string(domain.TenantTypeBoard) && strings.TrimSpace(t.Endpoint) != "" {
			out[t.Slug] = strings.TrimSpace(t.Endpoint)
		}
	}
	return out
}

func detachedVerifier(cfg config.Config, keys *usecase.KeySetService, logger *slog.Logger) (usecase.DetachedVerifier, error) {
	switch cfg.SignatureMode {
	case config.SignatureModeHS256:
		secrets := make(jws.StaticSecrets)
		for _, t := range cfg.Tenants {
			if t.HS256Secret != "" {
				secrets[t.Slug] = []byte(t.HS256Secret)
			}
		}
		logger.Warn("HS256 signature mode enabled; use only for demo deployments")
		return jws.NewHS256Verifier(secrets), nil
	case config.SignatureModeES256, "":
		return jws.NewJWKSVerifier(keys, logger), nil
	default:
		return nil, fmt.Errorf("%w: unsupported signature mode %q", domain.ErrConfig, cfg.SignatureMode)
	}
}
