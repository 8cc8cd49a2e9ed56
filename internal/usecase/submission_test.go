package usecase

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/infra/crypto"
	"github.com/dakydaky/ConsentBridge/internal/infra/jws"
	"github.com/dakydaky/ConsentBridge/internal/infra/keys/soft"
)

const (
	agentSigningKid = "agent-acme-1"
	boardSigningKid = "mockboard-1"
)

type stubPolicy struct {
	result domain.PolicyResult
	input  domain.SubmissionPolicyInput
}

func (p *stubPolicy) EvaluateSubmission(_ context.Context, input domain.SubmissionPolicyInput) (domain.PolicyResult, error) {
	p.input = input
	return p.result, nil
}

// signingBoard answers every delivery with a receipt signed by key.
type signingBoard struct {
	key        *ecdsa.PrivateKey
	err        error
	noEndpoint bool
	tamper     bool
	deliveries []BoardDelivery
}

func (b *signingBoard) Deliver(_ context.Context, delivery BoardDelivery) ([]byte, error) {
	b.deliveries = append(b.deliveries, delivery)
	if b.err != nil {
		return nil, b.err
	}
	if b.noEndpoint {
		return nil, nil
	}
	receipt, err := json.Marshal(domain.BoardReceipt{
		Spec:          "consentbridge/receipt@v1",
		ApplicationID: delivery.ApplicationID,
		BoardID:       delivery.Board,
		JobExternalID: "job-42",
		CandidateID:   "cand-1",
		Status:        "received",
		ReceivedAt:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		BoardRef:      "MB-0001",
	})
	if err != nil {
		return nil, err
	}
	canonical, err := crypto.CanonicalizeJSON(receipt)
	if err != nil {
		return nil, err
	}
	sig, err := jws.SignDetachedES256(canonical, b.key, boardSigningKid)
	if err != nil {
		return nil, err
	}
	if b.tamper {
		canonical, _ = crypto.CanonicalizeJSON([]byte(`{"application_id":"other","board_id":"mockboard_eu"}`))
	}
	return json.Marshal(map[string]any{
		"receipt":           json.RawMessage(canonical),
		"receipt_signature": sig,
	})
}

type submissionFixture struct {
	*consentFixture
	agentKey *ecdsa.PrivateKey
	apps     *memApplications
	policy   *stubPolicy
	board    *signingBoard
	svc      *SubmissionService
}

func newSubmissionFixture(t *testing.T) *submissionFixture {
	t.Helper()
	f := &submissionFixture{
		consentFixture: newConsentFixture(t),
		agentKey:       mustECKey(t),
		apps:           newMemApplications(),
		policy:         &stubPolicy{result: domain.PolicyResult{Allow: true}},
		board:          &signingBoard{key: mustECKey(t)},
	}
	f.keysets.Static = map[string][]domain.JWK{
		agentTenant.Slug: {mustJWK(t, &f.agentKey.PublicKey, agentSigningKid)},
		boardTenant.Slug: {mustJWK(t, &f.board.key.PublicKey, boardSigningKid)},
	}
	verifier := jws.NewJWKSVerifier(f.keysets, nil)
	f.svc = &SubmissionService{
		Keys:         f.keysets,
		Consents:     f.consents,
		Applications: f.apps,
		Verifier:     verifier,
		Policy:       f.policy,
		Board:        f.board,
		Receipts: &ReceiptService{
			Applications: f.apps,
			Verifier:     verifier,
			Audit:        f.audit,
			Metrics:      f.metrics,
			Clock:        f.clock.Now,
		},
		Audit:       f.audit,
		Metrics:     f.metrics,
		Clock:       f.clock.Now,
		ExpiryGrace: defaultExpiryGrace,
	}
	return f
}

func (f *submissionFixture) request(t *testing.T, token string) SubmitRequest {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"consent_token": token,
		"candidate":     map[string]any{"id": "cand-1", "name": "Jane Doe"},
		"job":           map[string]any{"external_id": "job-42", "title": "Engineer"},
		"cover_letter":  "Hello",
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	sig, err := jws.SignDetachedES256(body, f.agentKey, agentSigningKid)
	if err != nil {
		t.Fatalf("sign body: %v", err)
	}
	return SubmitRequest{Body: body, Signature: sig}
}

func mustECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func mustJWK(t *testing.T, pub *ecdsa.PublicKey, kid string) domain.JWK {
	t.Helper()
	jwk, err := soft.PublicJWK(pub, kid)
	if err != nil {
		t.Fatalf("jwk: %v", err)
	}
	return jwk
}

func TestSubmit_AcceptedWithReceipt(t *testing.T) {
	f := newSubmissionFixture(t)
	consent, issued := f.create(t)

	app, err := f.svc.Submit(context.Background(), f.request(t, issued.Token))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if app.Status != domain.ApplicationStatusAccepted || app.ReceiptHash == "" {
		t.Fatalf("unexpected application %+v", app)
	}
	if app.ConsentID != consent.ID || app.JobExternalID != "job-42" || app.TokenGraceAccepted {
		t.Fatalf("unexpected application %+v", app)
	}
	if app.SubmissionKeyID != agentSigningKid || app.SubmissionAlgorithm != domain.AlgES256 {
		t.Fatalf("signature metadata not recorded: %+v", app)
	}
	stored, _ := f.apps.GetByID(context.Background(), app.ID)
	if stored.Status != domain.ApplicationStatusAccepted || len(stored.Receipt) == 0 {
		t.Fatalf("stored application %+v", stored)
	}
	if len(f.board.deliveries) != 1 || f.board.deliveries[0].Board != boardTenant.Slug {
		t.Fatalf("deliveries = %+v", f.board.deliveries)
	}
	if f.policy.input.Action != SubmitAction || f.policy.input.TokenBoard != boardTenant.Slug {
		t.Fatalf("policy input %+v", f.policy.input)
	}
	var receiptTenant string
	for _, ev := range f.audit.events {
		if ev.Action == domain.AuditActionReceiptVerified {
			receiptTenant = ev.Tenant
		}
	}
	if receiptTenant != boardTenant.Slug {
		t.Fatalf("receipt audit should land on the board tenant, got %q", receiptTenant)
	}
}

func TestSubmit_BearerTokenFallback(t *testing.T) {
	f := newSubmissionFixture(t)
	_, issued := f.create(t)
	f.board.noEndpoint = true

	req := f.request(t, "")
	req.BearerToken = issued.Token
	app, err := f.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if app.Status != domain.ApplicationStatusPending {
		t.Fatalf("without a board endpoint the application stays pending, got %s", app.Status)
	}
}

func TestSubmit_GraceWindow(t *testing.T) {
	t.Run("inside grace", func(t *testing.T) {
		f := newSubmissionFixture(t)
		_, issued := f.create(t)
		f.clock.Set(issued.ExpiresAt.Add(defaultExpiryGrace))
		app, err := f.svc.Submit(context.Background(), f.request(t, issued.Token))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if !app.TokenGraceAccepted || !f.policy.input.GraceAccepted || f.metrics.graceAccepted != 1 {
			t.Fatalf("grace acceptance not recorded: %+v", app)
		}
		if !hasAction(f.audit, domain.AuditActionTokenGraceAccepted) {
			t.Fatalf("grace acceptance not audited: %v", f.audit.actions())
		}
	})

	t.Run("inside grace with bad signature", func(t *testing.T) {
		f := newSubmissionFixture(t)
		_, issued := f.create(t)
		f.clock.Set(issued.ExpiresAt.Add(time.Hour))
		req := f.request(t, issued.Token)
		forged, err := jws.SignDetachedES256(req.Body, mustECKey(t), agentSigningKid)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Signature = forged
		if _, err := f.svc.Submit(context.Background(), req); !errors.Is(err, domain.ErrSignatureInvalid) {
			t.Fatalf("expected ErrSignatureInvalid, got %v", err)
		}
		if f.metrics.graceAccepted != 0 || hasAction(f.audit, domain.AuditActionTokenGraceAccepted) {
			t.Fatalf("grace acceptance recorded for a rejected submission: %v", f.audit.actions())
		}
	})

	t.Run("inside grace denied by policy", func(t *testing.T) {
		f := newSubmissionFixture(t)
		_, issued := f.create(t)
		f.clock.Set(issued.ExpiresAt.Add(time.Hour))
		f.policy.result = domain.PolicyResult{Allow: false, Deny: []domain.PolicyDeny{{Code: "scope_missing"}}}
		if _, err := f.svc.Submit(context.Background(), f.request(t, issued.Token)); !errors.Is(err, domain.ErrPolicyDenied) {
			t.Fatalf("expected ErrPolicyDenied, got %v", err)
		}
		if !f.policy.input.GraceAccepted {
			t.Fatalf("policy should still see the grace decision")
		}
		if f.metrics.graceAccepted != 0 || hasAction(f.audit, domain.AuditActionTokenGraceAccepted) {
			t.Fatalf("grace acceptance recorded for a denied submission: %v", f.audit.actions())
		}
	})

	t.Run("past grace", func(t *testing.T) {
		f := newSubmissionFixture(t)
		_, issued := f.create(t)
		f.clock.Set(issued.ExpiresAt.Add(defaultExpiryGrace + time.Second))
		if _, err := f.svc.Submit(context.Background(), f.request(t, issued.Token)); !errors.Is(err, domain.ErrTokenExpired) {
			t.Fatalf("expected ErrTokenExpired, got %v", err)
		}
		if f.metrics.graceRejected != 1 || len(f.apps.apps) != 0 {
			t.Fatalf("rejection not recorded or application persisted")
		}
	})
}

func TestSubmit_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("missing signature", func(t *testing.T) {
		f := newSubmissionFixture(t)
		_, issued := f.create(t)
		req := f.request(t, issued.Token)
		req.Signature = ""
		if _, err := f.svc.Submit(ctx, req); !errors.Is(err, domain.ErrSignatureMissing) {
			t.Fatalf("expected ErrSignatureMissing, got %v", err)
		}
	})

	t.Run("signature over other bytes", func(t *testing.T) {
		f := newSubmissionFixture(t)
		_, issued := f.create(t)
		req := f.request(t, issued.Token)
		other := f.request(t, issued.Token+" ")
		req.Signature = other.Signature
		if _, err := f.svc.Submit(ctx, req); !errors.Is(err, domain.ErrSignatureInvalid) {
			t.Fatalf("expected ErrSignatureInvalid, got %v", err)
		}
		if f.metrics.sigRejected["inbound"] != 1 {
			t.Fatalf("inbound rejection not counted")
		}
	})

	t.Run("signed by a stranger", func(t *testing.T) {
		f := newSubmissionFixture(t)
		_, issued := f.create(t)
		req := f.request(t, issued.Token)
		req.Signature, _ = jws.SignDetachedES256(req.Body, mustECKey(t), agentSigningKid)
		if _, err := f.svc.Submit(ctx, req); !errors.Is(err, domain.ErrSignatureInvalid) {
			t.Fatalf("expected ErrSignatureInvalid, got %v", err)
		}
	})

	t.Run("revoked consent", func(t *testing.T) {
		f := newSubmissionFixture(t)
		consent, issued := f.create(t)
		if _, err := f.lifecycle.Revoke(ctx, consent.ID); err != nil {
			t.Fatalf("revoke: %v", err)
		}
		if _, err := f.svc.Submit(ctx, f.request(t, issued.Token)); !errors.Is(err, domain.ErrConsentInactive) {
			t.Fatalf("expected ErrConsentInactive, got %v", err)
		}
	})

	t.Run("superseded token", func(t *testing.T) {
		f := newSubmissionFixture(t)
		consent, issued := f.create(t)
		f.clock.Set(issued.ExpiresAt.Add(-time.Hour))
		if out, err := f.lifecycle.Renew(ctx, consent.ID); err != nil || out.Denied() {
			t.Fatalf("renew: %+v %v", out, err)
		}
		// The ledger still knows the old token, so it keeps working until it expires.
		if _, err := f.svc.Submit(ctx, f.request(t, issued.Token)); err != nil {
			t.Fatalf("old token should still be accepted: %v", err)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		f := newSubmissionFixture(t)
		_, issued := f.create(t)
		delete(f.consents.records, issued.TokenID)
		if _, err := f.svc.Submit(ctx, f.request(t, issued.Token)); !errors.Is(err, domain.ErrTokenInvalid) {
			t.Fatalf("expected ErrTokenInvalid, got %v", err)
		}
	})

	t.Run("policy denied", func(t *testing.T) {
		f := newSubmissionFixture(t)
		_, issued := f.create(t)
		f.policy.result = domain.PolicyResult{Deny: []domain.PolicyDeny{{Code: "SCOPE_MISSING"}}}
		_, err := f.svc.Submit(ctx, f.request(t, issued.Token))
		if !errors.Is(err, domain.ErrPolicyDenied) {
			t.Fatalf("expected ErrPolicyDenied, got %v", err)
		}
		if len(f.apps.apps) != 0 {
			t.Fatalf("denied submission must not persist")
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		f := newSubmissionFixture(t)
		if _, err := f.svc.Submit(ctx, SubmitRequest{Body: []byte("{"), Signature: "a.b.c"}); !errors.Is(err, domain.ErrInvalidPayload) {
			t.Fatalf("expected ErrInvalidPayload, got %v", err)
		}
	})
}

func TestSubmit_BoardFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("delivery error", func(t *testing.T) {
		f := newSubmissionFixture(t)
		_, issued := f.create(t)
		f.board.err = errors.New("connection refused")
		app, err := f.svc.Submit(ctx, f.request(t, issued.Token))
		if !errors.Is(err, domain.ErrUpstream) {
			t.Fatalf("expected ErrUpstream, got %v", err)
		}
		if app == nil || app.Status != domain.ApplicationStatusFailed {
			t.Fatalf("application should be marked failed: %+v", app)
		}
		stored, _ := f.apps.GetByID(ctx, app.ID)
		if stored.Status != domain.ApplicationStatusFailed {
			t.Fatalf("stored status = %s", stored.Status)
		}
	})

	t.Run("receipt signature mismatch", func(t *testing.T) {
		f := newSubmissionFixture(t)
		_, issued := f.create(t)
		f.board.tamper = true
		app, err := f.svc.Submit(ctx, f.request(t, issued.Token))
		if !errors.Is(err, domain.ErrUpstream) || app.Status != domain.ApplicationStatusFailed {
			t.Fatalf("expected failed application, got %+v %v", app, err)
		}
		if f.metrics.sigRejected["receipt"] != 1 {
			t.Fatalf("receipt rejection not counted")
		}
	})
}

func TestReceiptService_RejectsForeignReceipt(t *testing.T) {
	f := newSubmissionFixture(t)
	ctx := context.Background()
	app := domain.Application{ID: "app-1", BoardTenant: boardTenant.Slug, Status: domain.ApplicationStatusPending}
	if err := f.apps.Create(ctx, app); err != nil {
		t.Fatalf("create: %v", err)
	}
	envelope, err := f.board.Deliver(ctx, BoardDelivery{ApplicationID: "app-2", Board: boardTenant.Slug})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if _, err := f.svc.Receipts.Accept(ctx, app.ID, envelope); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	stored, _ := f.apps.GetByID(ctx, app.ID)
	if stored.Status != domain.ApplicationStatusPending || stored.ReceiptHash != "" {
		t.Fatalf("foreign receipt must not attach: %+v", stored)
	}
	if _, err := f.svc.Receipts.Accept(ctx, "missing", envelope); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func hasAction(audit *recordingAudit, action domain.AuditAction) bool {
	for _, a := range audit.actions() {
		if a == action {
			return true
		}
	}
	return false
}
