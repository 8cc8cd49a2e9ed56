package usecase

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/infra/crypto"
	"github.com/dakydaky/ConsentBridge/internal/infra/keys/soft"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t.UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

func (c *testClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

type memTenants struct {
	bySlug map[string]domain.Tenant
}

func newMemTenants(tenants ...domain.Tenant) *memTenants {
	r := &memTenants{bySlug: make(map[string]domain.Tenant)}
	for _, t := range tenants {
		r.bySlug[t.Slug] = t
	}
	return r
}

func (r *memTenants) GetByID(_ context.Context, tenantID string) (*domain.Tenant, error) {
	for _, t := range r.bySlug {
		if t.ID == tenantID {
			out := t
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memTenants) GetBySlug(_ context.Context, slug string) (*domain.Tenant, error) {
	t, ok := r.bySlug[slug]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &t, nil
}

func (r *memTenants) List(_ context.Context) ([]domain.Tenant, error) {
	out := make([]domain.Tenant, 0, len(r.bySlug))
	for _, t := range r.bySlug {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (r *memTenants) Create(_ context.Context, t domain.Tenant) error {
	if _, ok := r.bySlug[t.Slug]; ok {
		return domain.ErrConflict
	}
	if t.ID == "" {
		t.ID = "id-" + t.Slug
	}
	r.bySlug[t.Slug] = t
	return nil
}

// memKeyStore mirrors the unique indexes of tenant_keys.
type memKeyStore struct {
	mu   sync.Mutex
	keys []domain.TenantKey
}

func (s *memKeyStore) LockTenant(context.Context, string) error { return nil }

func (s *memKeyStore) GetActive(_ context.Context, tenantID string, purpose domain.KeyPurpose) (*domain.TenantKey, error) {
	return s.byStatus(tenantID, purpose, domain.KeyStatusActive)
}

func (s *memKeyStore) GetNext(_ context.Context, tenantID string, purpose domain.KeyPurpose) (*domain.TenantKey, error) {
	return s.byStatus(tenantID, purpose, domain.KeyStatusNext)
}

func (s *memKeyStore) byStatus(tenantID string, purpose domain.KeyPurpose, status domain.KeyStatus) (*domain.TenantKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.TenantID == tenantID && k.Purpose == purpose && k.Status == status {
			out := k
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memKeyStore) Create(_ context.Context, key domain.TenantKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.TenantID != key.TenantID || k.Purpose != key.Purpose {
			continue
		}
		if k.KID == key.KID || (k.Status == key.Status && key.Status != domain.KeyStatusRetired) {
			return domain.ErrConflict
		}
	}
	s.keys = append(s.keys, key)
	return nil
}

func (s *memKeyStore) UpdateStatus(_ context.Context, tenantID, kid string, status domain.KeyStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.keys {
		k := &s.keys[i]
		if k.TenantID != tenantID || k.KID != kid || k.Status == domain.KeyStatusRetired {
			continue
		}
		k.Status = status
		switch status {
		case domain.KeyStatusActive:
			k.ActivatedAt = &at
		case domain.KeyStatusRetired:
			k.RetiredAt = &at
		}
		return nil
	}
	return domain.ErrNotFound
}

func (s *memKeyStore) WithTx(_ context.Context, fn func(store KeyRotationStore) error) error {
	return fn(s)
}

func (s *memKeyStore) ListByTenant(_ context.Context, tenantID string, purpose domain.KeyPurpose) ([]domain.TenantKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TenantKey
	for i := len(s.keys) - 1; i >= 0; i-- {
		k := s.keys[i]
		if k.TenantID == tenantID && k.Purpose == purpose {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *memKeyStore) TouchLastUsed(_ context.Context, tenantID, kid string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.keys {
		if s.keys[i].TenantID == tenantID && s.keys[i].KID == kid {
			s.keys[i].LastUsedAt = &at
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *memKeyStore) countActive(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.keys {
		if k.TenantID == tenantID && k.Status == domain.KeyStatusActive {
			n++
		}
	}
	return n
}

type memConsents struct {
	candidates map[string]domain.Candidate
	consents   map[string]domain.Consent
	records    map[string]domain.ConsentTokenRecord
}

func newMemConsents() *memConsents {
	return &memConsents{
		candidates: make(map[string]domain.Candidate),
		consents:   make(map[string]domain.Consent),
		records:    make(map[string]domain.ConsentTokenRecord),
	}
}

func (r *memConsents) UpsertCandidate(_ context.Context, emailHash string, now time.Time) (domain.Candidate, error) {
	for _, c := range r.candidates {
		if c.EmailHash == emailHash {
			return c, nil
		}
	}
	c := domain.Candidate{ID: newID(), EmailHash: emailHash, CreatedAt: now}
	r.candidates[c.ID] = c
	return c, nil
}

func (r *memConsents) GetCandidate(_ context.Context, candidateID string) (*domain.Candidate, error) {
	c, ok := r.candidates[candidateID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (r *memConsents) Create(_ context.Context, consent domain.Consent) error {
	r.consents[consent.ID] = consent
	return nil
}

func (r *memConsents) GetByID(_ context.Context, consentID string) (*domain.Consent, error) {
	c, ok := r.consents[consentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (r *memConsents) Revoke(_ context.Context, consentID string, at time.Time) error {
	c, ok := r.consents[consentID]
	if !ok {
		return domain.ErrNotFound
	}
	if c.Status == domain.ConsentStatusRevoked {
		return nil
	}
	c.Status = domain.ConsentStatusRevoked
	c.RevokedAt = &at
	r.consents[consentID] = c
	return nil
}

func (r *memConsents) RecordIssuance(_ context.Context, record domain.ConsentTokenRecord) error {
	c, ok := r.consents[record.ConsentID]
	if !ok {
		return domain.ErrNotFound
	}
	if _, dup := r.records[record.TokenID]; dup {
		return domain.ErrConflict
	}
	r.records[record.TokenID] = record
	issuedAt, expiresAt := record.IssuedAt, record.ExpiresAt
	c.TokenID = record.TokenID
	c.TokenKeyID = record.KeyID
	c.TokenAlgorithm = record.Algorithm
	c.TokenHash = record.TokenHash
	c.TokenIssuedAt = &issuedAt
	c.TokenExpiresAt = &expiresAt
	r.consents[c.ID] = c
	return nil
}

func (r *memConsents) GetTokenRecord(_ context.Context, tokenID string) (*domain.ConsentTokenRecord, error) {
	rec, ok := r.records[tokenID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

type memApplications struct {
	apps map[string]domain.Application
}

func newMemApplications() *memApplications {
	return &memApplications{apps: make(map[string]domain.Application)}
}

func (r *memApplications) Create(_ context.Context, app domain.Application) error {
	r.apps[app.ID] = app
	return nil
}

func (r *memApplications) GetByID(_ context.Context, applicationID string) (*domain.Application, error) {
	app, ok := r.apps[applicationID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &app, nil
}

func (r *memApplications) UpdateStatus(_ context.Context, applicationID string, status domain.ApplicationStatus) error {
	app, ok := r.apps[applicationID]
	if !ok {
		return domain.ErrNotFound
	}
	app.Status = status
	r.apps[applicationID] = app
	return nil
}

func (r *memApplications) AttachReceipt(_ context.Context, applicationID string, receipt []byte, signature, receiptHash string, status domain.ApplicationStatus) error {
	app, ok := r.apps[applicationID]
	if !ok {
		return domain.ErrNotFound
	}
	app.Receipt = bytes.Clone(receipt)
	app.ReceiptSignature = signature
	app.ReceiptHash = receiptHash
	app.Status = status
	r.apps[applicationID] = app
	return nil
}

// memAuditEvents keeps the chain the way the database does.
type memAuditEvents struct {
	events []AuditChainEntry
}

func (r *memAuditEvents) Append(_ context.Context, event domain.AuditEvent) (domain.AuditEvent, domain.AuditEventHash, error) {
	if event.ID == "" {
		event.ID = newID()
	}
	event.CreatedAt = event.CreatedAt.UTC().Truncate(time.Microsecond)
	previous := domain.AuditGenesisHash
	var seq int64
	for _, e := range r.events {
		if e.Event.TenantID == event.TenantID {
			previous = e.Link.CurrentHash
			seq = e.Link.Seq
			if event.CreatedAt.Before(e.Link.CreatedAt) {
				event.CreatedAt = e.Link.CreatedAt
			}
		}
	}
	current, err := domain.AuditChainHash(domain.AuditChainVersion, previous, event)
	if err != nil {
		return domain.AuditEvent{}, domain.AuditEventHash{}, err
	}
	link := domain.AuditEventHash{
		EventID:      event.ID,
		TenantID:     event.TenantID,
		Seq:          seq + 1,
		ChainVersion: domain.AuditChainVersion,
		PreviousHash: previous,
		CurrentHash:  current,
		CreatedAt:    event.CreatedAt,
	}
	r.events = append(r.events, AuditChainEntry{Event: event, Link: link})
	return event, link, nil
}

func (r *memAuditEvents) AnchorBefore(_ context.Context, tenantID string, t time.Time) (*domain.AuditEventHash, error) {
	var anchor *domain.AuditEventHash
	for _, e := range r.events {
		if e.Event.TenantID == tenantID && e.Link.CreatedAt.Before(t) {
			link := e.Link
			anchor = &link
		}
	}
	return anchor, nil
}

func (r *memAuditEvents) ListWindow(_ context.Context, tenantID string, start, end time.Time) ([]AuditChainEntry, error) {
	var out []AuditChainEntry
	for _, e := range r.events {
		if e.Event.TenantID != tenantID || e.Link.CreatedAt.Before(start) || e.Link.CreatedAt.After(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *memAuditEvents) forTenant(tenantID string) []AuditChainEntry {
	var out []AuditChainEntry
	for _, e := range r.events {
		if e.Event.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out
}

type memRuns struct {
	runs []domain.AuditVerificationRun
}

func (r *memRuns) Create(_ context.Context, run domain.AuditVerificationRun) error {
	r.runs = append(r.runs, run)
	return nil
}

func (r *memRuns) ListRecent(_ context.Context, tenantID string, limit int) ([]domain.AuditVerificationRun, error) {
	var out []domain.AuditVerificationRun
	for i := len(r.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if r.runs[i].TenantID == tenantID {
			out = append(out, r.runs[i])
		}
	}
	return out, nil
}

type recordingAudit struct {
	events []domain.AuditEventDescriptor
	err    error
}

func (a *recordingAudit) Emit(_ context.Context, desc domain.AuditEventDescriptor) error {
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, desc)
	return nil
}

func (a *recordingAudit) actions() []domain.AuditAction {
	out := make([]domain.AuditAction, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Action)
	}
	return out
}

type countingMetrics struct {
	renewalsOK     int
	renewalsDenied map[string]int
	graceAccepted  int
	graceRejected  int
	auditOK        int
	auditFailed    int
	sigRejected    map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{renewalsDenied: map[string]int{}, sigRejected: map[string]int{}}
}

func (m *countingMetrics) RenewalSucceeded()           { m.renewalsOK++ }
func (m *countingMetrics) RenewalDenied(reason string) { m.renewalsDenied[reason]++ }
func (m *countingMetrics) TokenGraceAccepted()         { m.graceAccepted++ }
func (m *countingMetrics) TokenGraceRejected()         { m.graceRejected++ }
func (m *countingMetrics) SignatureRejected(d string)  { m.sigRejected[d]++ }
func (m *countingMetrics) AuditVerification(success bool) {
	if success {
		m.auditOK++
		return
	}
	m.auditFailed++
}

var errAuditDown = errors.New("audit sink unavailable")

func newTestKeyManager(t *testing.T) *soft.Manager {
	t.Helper()
	sealer, err := crypto.NewSealer(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	return soft.NewManager(sealer)
}

var (
	agentTenant = domain.Tenant{ID: "tenant-agent", Slug: "agent_acme", DisplayName: "Acme Agent", Type: domain.TenantTypeAgent}
	boardTenant = domain.Tenant{ID: "tenant-board", Slug: "mockboard_eu", DisplayName: "Mock Board EU", Type: domain.TenantTypeBoard}
)
