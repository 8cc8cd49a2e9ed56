package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/config"
	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/infra/ratelimit"
	"github.com/dakydaky/ConsentBridge/internal/usecase"

	"github.com/gin-gonic/gin"
)

type ConsentService interface {
	Create(ctx context.Context, req usecase.CreateConsentRequest) (domain.Consent, domain.IssuanceResult, error)
	Get(ctx context.Context, consentID string) (*domain.Consent, error)
	Renew(ctx context.Context, consentID string) (domain.RenewalOutcome, error)
	Revoke(ctx context.Context, consentID string) (*domain.Consent, error)
}

type ApplicationService interface {
	Submit(ctx context.Context, req usecase.SubmitRequest) (*domain.Application, error)
	Get(ctx context.Context, applicationID string) (*domain.Application, error)
}

type ReceiptAcceptor interface {
	Accept(ctx context.Context, applicationID string, envelope []byte) (*domain.Application, error)
}

type KeySetSource interface {
	GetPublicKeys(ctx context.Context, tenantSlug string) (domain.JWKSet, error)
	GetAllPublicKeys(ctx context.Context) (domain.JWKSet, error)
}

type TenantLookup interface {
	GetBySlug(ctx context.Context, slug string) (*domain.Tenant, error)
}

type KeyRotator interface {
	Rotate(ctx context.Context, tenantID string) (domain.TenantKey, error)
	StageNext(ctx context.Context, tenantID string) (domain.TenantKey, error)
}

type AuditVerifier interface {
	VerifyDays(ctx context.Context, tenantSlug string, days int) (domain.AuditVerificationResult, error)
	RecentRuns(ctx context.Context, tenantSlug string, limit int) ([]domain.AuditVerificationRun, error)
}

type RequestMetrics interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
	Handler() http.Handler
}

type Server struct {
	cfg    config.Config
	r      *gin.Engine
	logger *slog.Logger

	consents     ConsentService
	applications ApplicationService
	receipts     ReceiptAcceptor
	keySets      KeySetSource
	tenants      TenantLookup
	rotation     KeyRotator
	audit        AuditVerifier
	metrics      RequestMetrics

	adminAPIKey string

	rateLimiter         domain.RateLimiter
	rateLimitRequests   int
	rateLimitWindow     time.Duration
	rateLimitFailClosed bool
}

type ServerDeps struct {
	Consents     ConsentService
	Applications ApplicationService
	Receipts     ReceiptAcceptor
	KeySets      KeySetSource
	Tenants      TenantLookup
	Rotation     KeyRotator
	Audit        AuditVerifier
	Metrics      RequestMetrics
	RateLimiter  domain.RateLimiter
	Logger       *slog.Logger
}

func NewServer(cfg config.Config, deps ServerDeps) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:          cfg,
		r:            r,
		logger:       deps.Logger,
		consents:     deps.Consents,
		applications: deps.Applications,
		receipts:     deps.Receipts,
		keySets:      deps.KeySets,
		tenants:      deps.Tenants,
		rotation:     deps.Rotation,
		audit:        deps.Audit,
		metrics:      deps.Metrics,
		adminAPIKey:  cfg.AdminAPIKey,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	r.Use(s.observe)
	s.initRateLimit(deps.RateLimiter)
	s.routes()
	return s
}

func (s *Server) initRateLimit(override domain.RateLimiter) {
	if override != nil {
		s.rateLimiter = override
	}
	if s.rateLimiter == nil && s.cfg.RateLimitRequests > 0 {
		if s.cfg.RedisAddr != "" {
			limiter, err := ratelimit.NewRedisLimiter(s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB, nil)
			if err == nil {
				s.rateLimiter = limiter
			} else {
				s.logger.Warn("redis rate limiter unavailable, using memory", "error", err)
			}
		}
		if s.rateLimiter == nil {
			s.rateLimiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{
				MaxKeys: s.cfg.RateLimitMaxKeys,
			})
		}
	}
	s.rateLimitRequests = s.cfg.RateLimitRequests
	s.rateLimitWindow = time.Minute
	if s.cfg.RateLimitWindowSeconds > 0 {
		s.rateLimitWindow = time.Duration(s.cfg.RateLimitWindowSeconds) * time.Second
	}
	s.rateLimitFailClosed = s.cfg.RateLimitFailClosed
}

func (s *Server) routes() {
	s.r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		s.r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	s.r.GET("/.well-known/jwks.json", s.handleAllKeys)
	s.r.GET("/tenants/:slug/jwks.json", s.handleTenantKeys)

	v1 := s.r.Group("/v1")
	{
		v1.POST("/consents", s.handleCreateConsent)
		v1.GET("/consents/:id", s.handleGetConsent)
		v1.POST("/consents/:id/renew", s.handleRenewConsent)
		v1.POST("/consents/:id/revoke", s.handleRevokeConsent)

		v1.POST("/applications", s.handleSubmitApplication)
		v1.GET("/applications/:id", s.handleGetApplication)
		v1.POST("/applications/:id/receipt", s.handleReceipt)
	}

	if !s.cfg.IsProduction() {
		debug := s.r.Group("/debug")
		debug.POST("/tenants/:slug/keys/rotate", s.handleRotateKey)
		debug.POST("/tenants/:slug/keys/stage", s.handleStageKey)
	}

	internal := s.r.Group("/internal")
	{
		internal.POST("/audit/verify", s.handleAuditVerify)
		internal.GET("/audit/runs/:slug", s.handleAuditRuns)
	}

	s.r.NoRoute(s.handleNoRoute)
}

// Handler exposes the router for tests and for embedding in an http.Server.
func (s *Server) Handler() http.Handler {
	return s.r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
