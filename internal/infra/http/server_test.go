package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/config"
	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testAdminKey = "admin-secret"

type fakeConsents struct {
	created  []usecase.CreateConsentRequest
	consent  domain.Consent
	outcome  domain.RenewalOutcome
	err      error
	revoked  []string
	createFn func(req usecase.CreateConsentRequest) error
}

func (f *fakeConsents) Create(_ context.Context, req usecase.CreateConsentRequest) (domain.Consent, domain.IssuanceResult, error) {
	f.created = append(f.created, req)
	if f.createFn != nil {
		if err := f.createFn(req); err != nil {
			return domain.Consent{}, domain.IssuanceResult{}, err
		}
	}
	consent := f.consent
	consent.AgentTenant = req.AgentTenant
	consent.BoardTenant = req.BoardTenant
	return consent, domain.IssuanceResult{Token: "tok", TokenID: "jti-1", KeyID: "ctok-1", Algorithm: "ES256"}, nil
}

func (f *fakeConsents) Get(_ context.Context, id string) (*domain.Consent, error) {
	if f.err != nil {
		return nil, f.err
	}
	if id != f.consent.ID {
		return nil, domain.ErrNotFound
	}
	consent := f.consent
	return &consent, nil
}

func (f *fakeConsents) Renew(_ context.Context, _ string) (domain.RenewalOutcome, error) {
	return f.outcome, f.err
}

func (f *fakeConsents) Revoke(_ context.Context, id string) (*domain.Consent, error) {
	f.revoked = append(f.revoked, id)
	consent := f.consent
	consent.Status = domain.ConsentStatusRevoked
	return &consent, nil
}

type fakeApplications struct {
	requests []usecase.SubmitRequest
	app      *domain.Application
	err      error
}

func (f *fakeApplications) Submit(_ context.Context, req usecase.SubmitRequest) (*domain.Application, error) {
	f.requests = append(f.requests, req)
	return f.app, f.err
}

func (f *fakeApplications) Get(_ context.Context, id string) (*domain.Application, error) {
	if f.app == nil || f.app.ID != id {
		return nil, domain.ErrNotFound
	}
	return f.app, nil
}

type fakeKeySets struct {
	sets map[string]domain.JWKSet
}

func (f fakeKeySets) GetPublicKeys(_ context.Context, slug string) (domain.JWKSet, error) {
	set, ok := f.sets[slug]
	if !ok {
		return domain.JWKSet{Keys: []domain.JWK{}}, nil
	}
	return set, nil
}

func (f fakeKeySets) GetAllPublicKeys(_ context.Context) (domain.JWKSet, error) {
	out := domain.JWKSet{Keys: []domain.JWK{}}
	for _, set := range f.sets {
		out.Keys = append(out.Keys, set.Keys...)
	}
	return out, nil
}

type fakeTenants map[string]domain.Tenant

func (f fakeTenants) GetBySlug(_ context.Context, slug string) (*domain.Tenant, error) {
	tenant, ok := f[slug]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &tenant, nil
}

type fakeRotator struct {
	rotated []string
	staged  []string
}

var rotatedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func (f *fakeRotator) Rotate(_ context.Context, tenantID string) (domain.TenantKey, error) {
	f.rotated = append(f.rotated, tenantID)
	return domain.TenantKey{
		KID:         "ctok-new",
		Status:      domain.KeyStatusActive,
		CreatedAt:   rotatedAt,
		ActivatedAt: &rotatedAt,
		ExpiresAt:   rotatedAt.AddDate(1, 0, 0),
	}, nil
}

func (f *fakeRotator) StageNext(_ context.Context, tenantID string) (domain.TenantKey, error) {
	f.staged = append(f.staged, tenantID)
	return domain.TenantKey{KID: "ctok-next", Status: domain.KeyStatusNext}, nil
}

type fakeAudit struct {
	result domain.AuditVerificationResult
	days   int
	runs   []domain.AuditVerificationRun
}

func (f *fakeAudit) VerifyDays(_ context.Context, slug string, days int) (domain.AuditVerificationResult, error) {
	f.days = days
	result := f.result
	if result.Tenant == "" {
		result.Tenant = slug
	}
	return result, nil
}

func (f *fakeAudit) RecentRuns(_ context.Context, _ string, _ int) ([]domain.AuditVerificationRun, error) {
	return f.runs, nil
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (domain.RateLimitDecision, error) {
	return domain.RateLimitDecision{}, errors.New("redis down")
}

type recordingMetrics struct {
	routes []string
}

func (m *recordingMetrics) ObserveRequest(method, route string, status int, _ time.Duration) {
	m.routes = append(m.routes, fmt.Sprintf("%s %s %d", method, route, status))
}

func (m *recordingMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("# metrics\n"))
	})
}

type testServer struct {
	srv          *Server
	consents     *fakeConsents
	applications *fakeApplications
	rotation     *fakeRotator
	audit        *fakeAudit
	metrics      *recordingMetrics
}

func newTestServer(t *testing.T, cfg config.Config, limiter domain.RateLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if cfg.AdminAPIKey == "" {
		cfg.AdminAPIKey = testAdminKey
	}
	ts := &testServer{
		consents: &fakeConsents{consent: domain.Consent{
			ID:        "consent-1",
			Scopes:    []string{"apply:submit"},
			Status:    domain.ConsentStatusActive,
			ExpiresAt: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
		applications: &fakeApplications{},
		rotation:     &fakeRotator{},
		audit:        &fakeAudit{},
		metrics:      &recordingMetrics{},
	}
	ts.srv = NewServer(cfg, ServerDeps{
		Consents:     ts.consents,
		Applications: ts.applications,
		KeySets: fakeKeySets{sets: map[string]domain.JWKSet{
			"agent_acme": {Keys: []domain.JWK{{Kty: "EC", Kid: "ctok-a", Crv: "P-256"}}},
		}},
		Tenants:     fakeTenants{"agent_acme": {ID: "tenant-agent", Slug: "agent_acme", Type: domain.TenantTypeAgent}},
		Rotation:    ts.rotation,
		Audit:       ts.audit,
		Metrics:     ts.metrics,
		RateLimiter: limiter,
	})
	return ts
}

func (ts *testServer) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return out
}

func admin() map[string]string {
	return map[string]string{"X-Admin-Key": testAdminKey}
}

func agentToken(t *testing.T, agent string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"agent": agent}).SignedString([]byte("unverified"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)

	rec := ts.do(http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	rec = ts.do(http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "# metrics\n" {
		t.Fatalf("metrics: %d %q", rec.Code, rec.Body.String())
	}
	if len(ts.metrics.routes) != 2 || ts.metrics.routes[0] != "GET /healthz 200" {
		t.Fatalf("observed routes: %v", ts.metrics.routes)
	}
}

func TestJWKSEndpoints(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)

	rec := ts.do(http.MethodGet, "/tenants/agent_acme/jwks.json", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var set domain.JWKSet
	if err := json.Unmarshal(rec.Body.Bytes(), &set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(set.Keys) != 1 || set.Keys[0].Kid != "ctok-a" {
		t.Fatalf("unexpected keys: %+v", set.Keys)
	}

	rec = ts.do(http.MethodGet, "/.well-known/jwks.json", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestConsentRoutesRequireAdminKey(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	body := []byte(`{"candidate_email":"a@example.com","agent":"agent_acme","board":"mockboard_eu","scopes":["apply:submit"]}`)

	rec := ts.do(http.MethodPost, "/v1/consents", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = ts.do(http.MethodPost, "/v1/consents", body, map[string]string{"X-Admin-Key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rec.Code)
	}
	if len(ts.consents.created) != 0 {
		t.Fatalf("service should not be called without admin key")
	}

	rec = ts.do(http.MethodPost, "/v1/consents", body, admin())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var out consentIssuedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Consent.Agent != "agent_acme" || out.Token.Token != "tok" || out.Token.KeyID != "ctok-1" {
		t.Fatalf("unexpected response: %+v", out)
	}
	if ts.consents.created[0].CandidateEmail != "a@example.com" {
		t.Fatalf("request not forwarded: %+v", ts.consents.created[0])
	}
}

func TestCreateConsent_UnknownTenant(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	ts.consents.createFn = func(req usecase.CreateConsentRequest) error {
		return fmt.Errorf("%w: %s", domain.ErrTenantUnknown, req.AgentTenant)
	}

	rec := ts.do(http.MethodPost, "/v1/consents", []byte(`{"agent":"nobody","board":"mockboard_eu"}`), admin())
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != "TENANT_UNKNOWN" {
		t.Fatalf("expected TENANT_UNKNOWN, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestGetAndRevokeConsent(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)

	rec := ts.do(http.MethodGet, "/v1/consents/consent-1", nil, admin())
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}
	rec = ts.do(http.MethodGet, "/v1/consents/missing", nil, admin())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = ts.do(http.MethodPost, "/v1/consents/consent-1/revoke", nil, admin())
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status %d", rec.Code)
	}
	var out consentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "revoked" || len(ts.consents.revoked) != 1 {
		t.Fatalf("unexpected revoke: %+v", out)
	}
}

func TestRenewConsent(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)

	ts.consents.outcome = domain.RenewalOutcome{DenyReason: domain.RenewalDenyWindowViolation}
	rec := ts.do(http.MethodPost, "/v1/consents/consent-1/renew", nil, admin())
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Code != "RENEWAL_NOT_ALLOWED" || body.Details["reason"] != domain.RenewalDenyWindowViolation {
		t.Fatalf("unexpected denial body: %+v", body)
	}

	ts.consents.outcome = domain.RenewalOutcome{DenyReason: domain.RenewalDenyNotFound}
	rec = ts.do(http.MethodPost, "/v1/consents/missing/renew", nil, admin())
	if rec.Code != http.StatusNotFound || decodeError(t, rec).Details["reason"] != domain.RenewalDenyNotFound {
		t.Fatalf("expected 404 consent_not_found, got %d %s", rec.Code, rec.Body.String())
	}

	ts.consents.outcome = domain.RenewalOutcome{Issued: &domain.IssuanceResult{Token: "fresh", TokenID: "jti-2"}}
	rec = ts.do(http.MethodPost, "/v1/consents/consent-1/renew", nil, admin())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var issued domain.IssuanceResult
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if issued.Token != "fresh" {
		t.Fatalf("unexpected token: %+v", issued)
	}
}

func TestSubmitApplication_ForwardsRawBodyAndHeaders(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	ts.applications.app = &domain.Application{ID: "app-1", Status: domain.ApplicationStatusAccepted, AgentTenant: "agent_acme"}
	body := []byte(`{"candidate":{"id":"c-1"},  "job":{"external_id":"job-9"}}`)

	rec := ts.do(http.MethodPost, "/v1/applications", body, map[string]string{
		"X-JWS-Signature": " sig.value.here ",
		"Authorization":   "Bearer the-token",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	got := ts.applications.requests[0]
	if !bytes.Equal(got.Body, body) {
		t.Fatalf("body was altered: %q", got.Body)
	}
	if got.Signature != "sig.value.here" || got.BearerToken != "the-token" {
		t.Fatalf("unexpected request: %+v", got)
	}

	ts.applications.app = &domain.Application{ID: "app-2", Status: domain.ApplicationStatusPending}
	rec = ts.do(http.MethodPost, "/v1/applications", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for pending, got %d", rec.Code)
	}
}

func TestSubmitApplication_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid payload", fmt.Errorf("%w: bad", domain.ErrInvalidPayload), http.StatusBadRequest, "INVALID_PAYLOAD"},
		{"signature missing", domain.ErrSignatureMissing, http.StatusBadRequest, "SIGNATURE_MISSING"},
		{"signature invalid", domain.ErrSignatureInvalid, http.StatusUnauthorized, "SIGNATURE_INVALID"},
		{"token invalid", fmt.Errorf("%w: token does not match the ledger", domain.ErrTokenInvalid), http.StatusUnauthorized, "TOKEN_INVALID"},
		{"token expired", domain.ErrTokenExpired, http.StatusForbidden, "TOKEN_EXPIRED"},
		{"consent inactive", domain.ErrConsentInactive, http.StatusForbidden, "CONSENT_INACTIVE"},
		{"consent expired", domain.ErrConsentExpired, http.StatusForbidden, "CONSENT_EXPIRED"},
		{"internal", errors.New("db gone"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, config.Config{}, nil)
			ts.applications.err = tc.err

			rec := ts.do(http.MethodPost, "/v1/applications", []byte(`{}`), nil)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if body := decodeError(t, rec); body.Code != tc.code {
				t.Fatalf("expected %s, got %+v", tc.code, body)
			}
		})
	}
}

func TestSubmitApplication_TokenFailureMessageIsGeneric(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	ts.applications.err = fmt.Errorf("%w: token does not match the ledger", domain.ErrTokenInvalid)

	rec := ts.do(http.MethodPost, "/v1/applications", []byte(`{}`), nil)
	if body := decodeError(t, rec); body.Message != "invalid consent token" {
		t.Fatalf("detail leaked: %q", body.Message)
	}
}

func TestSubmitApplication_PolicyDenyDetails(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	ts.applications.err = fmt.Errorf("%w: %s", domain.ErrPolicyDenied, "SCOPE_MISSING,JOB_MISSING")

	rec := ts.do(http.MethodPost, "/v1/applications", []byte(`{}`), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	deny, ok := body.Details["deny"].([]any)
	if body.Code != "POLICY_DENIED" || !ok || len(deny) != 2 || deny[0] != "SCOPE_MISSING" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestSubmitApplication_BoardFailureReportsApplication(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	ts.applications.app = &domain.Application{ID: "app-3", Status: domain.ApplicationStatusFailed}
	ts.applications.err = fmt.Errorf("%w: timeout", domain.ErrUpstream)

	rec := ts.do(http.MethodPost, "/v1/applications", []byte(`{}`), nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Details["application_id"] != "app-3" || body.Details["status"] != "failed" {
		t.Fatalf("unexpected details: %+v", body.Details)
	}
}

func TestSubmitApplication_RateLimitedPerAgent(t *testing.T) {
	ts := newTestServer(t, config.Config{RateLimitRequests: 1, RateLimitWindowSeconds: 60}, nil)
	ts.applications.app = &domain.Application{ID: "app-1", Status: domain.ApplicationStatusPending}
	acme := []byte(fmt.Sprintf(`{"consent_token":%q}`, agentToken(t, "agent_acme")))
	other := []byte(fmt.Sprintf(`{"consent_token":%q}`, agentToken(t, "agent_other")))

	rec := ts.do(http.MethodPost, "/v1/applications", acme, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first request: %d", rec.Code)
	}
	if rec.Header().Get("RateLimit-Limit") != "1" || rec.Header().Get("RateLimit-Remaining") != "0" {
		t.Fatalf("missing rate limit headers: %v", rec.Header())
	}
	rec = ts.do(http.MethodPost, "/v1/applications", acme, nil)
	if rec.Code != http.StatusTooManyRequests || decodeError(t, rec).Code != "RATE_LIMITED" {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	rec = ts.do(http.MethodPost, "/v1/applications", other, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("other agent should have its own bucket, got %d", rec.Code)
	}
	if len(ts.applications.requests) != 2 {
		t.Fatalf("limited request reached the service")
	}
}

func TestSubmitApplication_RateLimiterFailure(t *testing.T) {
	ts := newTestServer(t, config.Config{RateLimitRequests: 5, RateLimitFailClosed: true}, failingLimiter{})
	rec := ts.do(http.MethodPost, "/v1/applications", []byte(`{}`), nil)
	if rec.Code != http.StatusTooManyRequests || decodeError(t, rec).Code != "RATE_LIMIT_UNAVAILABLE" {
		t.Fatalf("fail closed: got %d %s", rec.Code, rec.Body.String())
	}

	ts = newTestServer(t, config.Config{RateLimitRequests: 5}, failingLimiter{})
	ts.applications.app = &domain.Application{ID: "app-1", Status: domain.ApplicationStatusPending}
	rec = ts.do(http.MethodPost, "/v1/applications", []byte(`{}`), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("fail open: got %d", rec.Code)
	}
}

func TestGetApplication(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	ts.applications.app = &domain.Application{ID: "app-1", Status: domain.ApplicationStatusAccepted, Receipt: json.RawMessage(`{"status":"received"}`)}

	rec := ts.do(http.MethodGet, "/v1/applications/app-1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var out applicationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "accepted" || string(out.Receipt) != `{"status":"received"}` {
		t.Fatalf("unexpected application: %+v", out)
	}
	if rec := ts.do(http.MethodGet, "/v1/applications/nope", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDebugKeyRoutes(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)

	rec := ts.do(http.MethodPost, "/debug/tenants/agent_acme/keys/rotate", nil, admin())
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate: %d %s", rec.Code, rec.Body.String())
	}
	var key keyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &key); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if key.Kid != "ctok-new" || len(ts.rotation.rotated) != 1 || ts.rotation.rotated[0] != "tenant-agent" {
		t.Fatalf("unexpected rotation: %+v %v", key, ts.rotation.rotated)
	}
	if key.ActivatedAt == nil || !key.ActivatedAt.Equal(rotatedAt) || !key.CreatedAt.Equal(rotatedAt) ||
		!key.ExpiresAt.Equal(rotatedAt.AddDate(1, 0, 0)) {
		t.Fatalf("validity window missing from response: %+v", key)
	}

	rec = ts.do(http.MethodPost, "/debug/tenants/agent_acme/keys/stage", nil, admin())
	if rec.Code != http.StatusOK || len(ts.rotation.staged) != 1 {
		t.Fatalf("stage: %d", rec.Code)
	}
	rec = ts.do(http.MethodPost, "/debug/tenants/unknown/keys/rotate", nil, admin())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown tenant, got %d", rec.Code)
	}
	rec = ts.do(http.MethodPost, "/debug/tenants/agent_acme/keys/rotate", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin key, got %d", rec.Code)
	}
}

func TestDebugKeyRoutes_DisabledInProduction(t *testing.T) {
	ts := newTestServer(t, config.Config{GatewayEnv: config.EnvProduction}, nil)

	rec := ts.do(http.MethodPost, "/debug/tenants/agent_acme/keys/rotate", nil, admin())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 in production, got %d", rec.Code)
	}
	if len(ts.rotation.rotated) != 0 {
		t.Fatalf("rotation must not run in production")
	}
}

func TestAuditRoutes(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	ts.audit.result = domain.AuditVerificationResult{Success: true, EventCount: 3, PreviousHash: domain.AuditGenesisHash}
	ts.audit.runs = []domain.AuditVerificationRun{{ID: "run-1", Success: true}}

	rec := ts.do(http.MethodPost, "/internal/audit/verify", []byte(`{"tenant":"agent_acme","days":7}`), admin())
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body.String())
	}
	var result domain.AuditVerificationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Success || result.EventCount != 3 || ts.audit.days != 7 {
		t.Fatalf("unexpected result: %+v days=%d", result, ts.audit.days)
	}

	rec = ts.do(http.MethodPost, "/internal/audit/verify", []byte(`{"days":7}`), admin())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without tenant, got %d", rec.Code)
	}

	ts.audit.result = domain.AuditVerificationResult{Error: usecase.AuditErrTenantNotFound}
	rec = ts.do(http.MethodPost, "/internal/audit/verify", []byte(`{"tenant":"ghost"}`), admin())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown tenant, got %d", rec.Code)
	}

	rec = ts.do(http.MethodGet, "/internal/audit/runs/agent_acme?limit=5", nil, admin())
	if rec.Code != http.StatusOK {
		t.Fatalf("runs: %d", rec.Code)
	}
	var runs []auditRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	rec = ts.do(http.MethodGet, "/internal/audit/runs/agent_acme?limit=x", nil, admin())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestNoRoute(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	rec := ts.do(http.MethodGet, "/nope", nil, nil)
	if rec.Code != http.StatusNotFound || decodeError(t, rec).Code != "NOT_FOUND" {
		t.Fatalf("unexpected: %d %s", rec.Code, rec.Body.String())
	}
}
