package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

type ChainVerifier interface {
	Verify(ctx context.Context, tenantSlug string, start, end time.Time) (domain.AuditVerificationResult, error)
}

// AuditSweep verifies every tenant's chain once at start and then on each
// interval. Consecutive windows overlap so events near a boundary are never
// skipped.
type AuditSweep struct {
	tenants  TenantRepository
	verifier ChainVerifier
	digests  DigestWriter
	metrics  Metrics
	logger   *slog.Logger
	clock    Clock
	interval time.Duration
	window   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAuditSweep(tenants TenantRepository, verifier ChainVerifier, digests DigestWriter, metrics Metrics, logger *slog.Logger, interval, window time.Duration) *AuditSweep {
	if interval < time.Hour {
		interval = time.Hour
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditSweep{
		tenants:  tenants,
		verifier: verifier,
		digests:  digests,
		metrics:  metricsOrNop(metrics),
		logger:   logger,
		interval: interval,
		window:   window,
	}
}

func (s *AuditSweep) WithClock(clock Clock) *AuditSweep {
	s.clock = clock
	return s
}

func (s *AuditSweep) Start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *AuditSweep) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *AuditSweep) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("audit sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce verifies all tenants. A failure for one tenant is logged and counted
// and does not stop the others.
func (s *AuditSweep) RunOnce(ctx context.Context) ([]domain.AuditVerificationResult, error) {
	tenants, err := s.tenants.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	end := s.now()
	start := end.Add(-s.window)
	results := make([]domain.AuditVerificationResult, 0, len(tenants))
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		result, ok := s.verifyTenant(ctx, tenant.Slug, start, end)
		if ok {
			results = append(results, result)
		}
	}
	return results, nil
}

func (s *AuditSweep) verifyTenant(ctx context.Context, slug string, start, end time.Time) (result domain.AuditVerificationResult, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.AuditVerification(false)
			s.logger.Error("audit verification panicked", "tenant", slug, "panic", r)
			ok = false
		}
	}()
	result, err := s.verifier.Verify(ctx, slug, start, end)
	if err != nil {
		s.metrics.AuditVerification(false)
		s.logger.Error("audit verification failed", "tenant", slug, "error", err)
		return domain.AuditVerificationResult{}, false
	}
	if result.Error == AuditErrTenantNotFound {
		s.logger.Warn("audit verification skipped: tenant not found", "tenant", slug)
		return result, false
	}
	s.metrics.AuditVerification(result.Success)
	if result.Success {
		s.logger.Info("audit verification passed", "tenant", slug, "events", result.EventCount, "computed_hash", result.ComputedHash)
	}
	if s.digests != nil {
		path, err := s.digests.Write(result, s.now())
		if err != nil {
			s.logger.Warn("audit digest write failed", "tenant", slug, "error", err)
		} else {
			s.logger.Debug("audit digest written", "tenant", slug, "path", path)
		}
	}
	return result, true
}

func (s *AuditSweep) now() time.Time {
	if s.clock != nil {
		return s.clock().UTC()
	}
	return time.Now().UTC()
}
