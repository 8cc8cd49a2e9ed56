package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/usecase"

	"github.com/gin-gonic/gin"
)

const (
	signatureHeader = "X-JWS-Signature"
	maxBodyBytes    = 1 << 20
	maxAuditDays    = 365
)

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type createConsentRequest struct {
	CandidateEmail  string   `json:"candidate_email"`
	Agent           string   `json:"agent"`
	Board           string   `json:"board"`
	Scopes          []string `json:"scopes"`
	ApprovedByEmail string   `json:"approved_by_email"`
}

type consentResponse struct {
	ID             string     `json:"id"`
	CandidateID    string     `json:"candidate_id"`
	Agent          string     `json:"agent"`
	Board          string     `json:"board"`
	Scopes         []string   `json:"scopes"`
	Status         string     `json:"status"`
	IssuedAt       time.Time  `json:"issued_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	TokenID        string     `json:"token_id,omitempty"`
	TokenKeyID     string     `json:"token_kid,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

type consentIssuedResponse struct {
	Consent consentResponse       `json:"consent"`
	Token   domain.IssuanceResult `json:"token"`
}

type applicationResponse struct {
	ID                 string          `json:"id"`
	ConsentID          string          `json:"consent_id"`
	Agent              string          `json:"agent"`
	Board              string          `json:"board"`
	JobExternalID      string          `json:"job_external_id"`
	Status             string          `json:"status"`
	SubmittedAt        time.Time       `json:"submitted_at"`
	PayloadHash        string          `json:"payload_hash"`
	SubmissionKeyID    string          `json:"submission_kid,omitempty"`
	TokenGraceAccepted bool            `json:"token_grace_accepted"`
	Receipt            json.RawMessage `json:"receipt,omitempty"`
	ReceiptSignature   string          `json:"receipt_signature,omitempty"`
	ReceiptHash        string          `json:"receipt_hash,omitempty"`
}

type keyResponse struct {
	Tenant      string     `json:"tenant"`
	Kid         string     `json:"kid"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

type auditVerifyRequest struct {
	Tenant string `json:"tenant"`
	Days   int    `json:"days"`
}

type auditRunResponse struct {
	ID            string    `json:"id"`
	WindowStart   time.Time `json:"window_start_utc"`
	WindowEnd     time.Time `json:"window_end_utc"`
	PreviousHash  string    `json:"previous_hash"`
	ComputedHash  string    `json:"computed_hash"`
	Success       bool      `json:"success"`
	FirstMismatch string    `json:"first_mismatch_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) handleAllKeys(c *gin.Context) {
	if s.keySets == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	set, err := s.keySets.GetAllPublicKeys(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, set)
}

func (s *Server) handleTenantKeys(c *gin.Context) {
	if s.keySets == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	set, err := s.keySets.GetPublicKeys(c.Request.Context(), c.Param("slug"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, set)
}

func (s *Server) handleCreateConsent(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if s.consents == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	var req createConsentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid json")
		return
	}
	consent, issued, err := s.consents.Create(c.Request.Context(), usecase.CreateConsentRequest{
		CandidateEmail:  req.CandidateEmail,
		AgentTenant:     req.Agent,
		BoardTenant:     req.Board,
		Scopes:          req.Scopes,
		ApprovedByEmail: req.ApprovedByEmail,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, consentIssuedResponse{
		Consent: buildConsentResponse(consent),
		Token:   issued,
	})
}

func (s *Server) handleGetConsent(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if s.consents == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	consent, err := s.consents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildConsentResponse(*consent))
}

func (s *Server) handleRenewConsent(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if s.consents == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	outcome, err := s.consents.Renew(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if outcome.Denied() {
		status := http.StatusConflict
		if outcome.DenyReason == domain.RenewalDenyNotFound {
			status = http.StatusNotFound
		}
		c.JSON(status, errorResponse{
			Code:    "RENEWAL_NOT_ALLOWED",
			Message: "renewal not allowed",
			Details: map[string]any{"reason": outcome.DenyReason},
		})
		return
	}
	c.JSON(http.StatusOK, outcome.Issued)
}

func (s *Server) handleRevokeConsent(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if s.consents == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	consent, err := s.consents.Revoke(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildConsentResponse(*consent))
}

func (s *Server) handleSubmitApplication(c *gin.Context) {
	if s.applications == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_PAYLOAD", "unreadable body")
		return
	}
	if len(body) > maxBodyBytes {
		writeErrorCode(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "body exceeds 1MB")
		return
	}
	bearer := extractBearerToken(c.GetHeader("Authorization"))
	if !s.enforceRateLimit(c, routeApplicationsSubmit, submitterKey(c, body, bearer)) {
		return
	}
	app, err := s.applications.Submit(c.Request.Context(), usecase.SubmitRequest{
		Body:        body,
		Signature:   strings.TrimSpace(c.GetHeader(signatureHeader)),
		BearerToken: bearer,
	})
	if err != nil {
		if app != nil && errors.Is(err, domain.ErrUpstream) {
			c.JSON(http.StatusBadGateway, errorResponse{
				Code:    "BOARD_UNAVAILABLE",
				Message: "board delivery failed",
				Details: map[string]any{"application_id": app.ID, "status": string(app.Status)},
			})
			return
		}
		writeError(c, err)
		return
	}
	status := http.StatusAccepted
	if app.Status == domain.ApplicationStatusAccepted {
		status = http.StatusCreated
	}
	c.JSON(status, buildApplicationResponse(*app))
}

func (s *Server) handleGetApplication(c *gin.Context) {
	if s.applications == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	app, err := s.applications.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildApplicationResponse(*app))
}

func (s *Server) handleReceipt(c *gin.Context) {
	if s.receipts == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_PAYLOAD", "unreadable body")
		return
	}
	app, err := s.receipts.Accept(c.Request.Context(), c.Param("id"), body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildApplicationResponse(*app))
}

func (s *Server) handleRotateKey(c *gin.Context) {
	s.handleKeyAction(c, func(ctx context.Context, tenantID string) (domain.TenantKey, error) {
		return s.rotation.Rotate(ctx, tenantID)
	})
}

func (s *Server) handleStageKey(c *gin.Context) {
	s.handleKeyAction(c, func(ctx context.Context, tenantID string) (domain.TenantKey, error) {
		return s.rotation.StageNext(ctx, tenantID)
	})
}

func (s *Server) handleKeyAction(c *gin.Context, action func(ctx context.Context, tenantID string) (domain.TenantKey, error)) {
	if !s.requireAdmin(c) {
		return
	}
	if s.rotation == nil || s.tenants == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	tenant, err := s.tenants.GetBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		writeError(c, err)
		return
	}
	key, err := action(c.Request.Context(), tenant.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, keyResponse{
		Tenant:      tenant.Slug,
		Kid:         key.KID,
		Status:      string(key.Status),
		CreatedAt:   key.CreatedAt,
		ActivatedAt: key.ActivatedAt,
		ExpiresAt:   key.ExpiresAt,
	})
}

func (s *Server) handleAuditVerify(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if s.audit == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	var req auditVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Tenant) == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_PAYLOAD", "tenant is required")
		return
	}
	if req.Days <= 0 {
		req.Days = 1
	}
	if req.Days > maxAuditDays {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_PAYLOAD", "days out of range")
		return
	}
	result, err := s.audit.VerifyDays(c.Request.Context(), req.Tenant, req.Days)
	if err != nil {
		writeError(c, err)
		return
	}
	if result.Error == usecase.AuditErrTenantNotFound {
		writeErrorCode(c, http.StatusNotFound, "TENANT_NOT_FOUND", "tenant not found")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleAuditRuns(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if s.audit == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeErrorCode(c, http.StatusBadRequest, "INVALID_PAYLOAD", "limit must be an integer")
			return
		}
		limit = parsed
	}
	runs, err := s.audit.RecentRuns(c.Request.Context(), c.Param("slug"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]auditRunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, auditRunResponse{
			ID:            run.ID,
			WindowStart:   run.WindowStart,
			WindowEnd:     run.WindowEnd,
			PreviousHash:  run.PreviousHash,
			ComputedHash:  run.ComputedHash,
			Success:       run.Success,
			FirstMismatch: run.FirstMismatch,
			Error:         run.Error,
			CreatedAt:     run.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleNoRoute(c *gin.Context) {
	writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
}

func buildConsentResponse(consent domain.Consent) consentResponse {
	scopes := consent.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return consentResponse{
		ID:             consent.ID,
		CandidateID:    consent.CandidateID,
		Agent:          consent.AgentTenant,
		Board:          consent.BoardTenant,
		Scopes:         scopes,
		Status:         string(consent.Status),
		IssuedAt:       consent.IssuedAt,
		ExpiresAt:      consent.ExpiresAt,
		RevokedAt:      consent.RevokedAt,
		TokenID:        consent.TokenID,
		TokenKeyID:     consent.TokenKeyID,
		TokenExpiresAt: consent.TokenExpiresAt,
	}
}

func buildApplicationResponse(app domain.Application) applicationResponse {
	return applicationResponse{
		ID:                 app.ID,
		ConsentID:          app.ConsentID,
		Agent:              app.AgentTenant,
		Board:              app.BoardTenant,
		JobExternalID:      app.JobExternalID,
		Status:             string(app.Status),
		SubmittedAt:        app.SubmittedAt,
		PayloadHash:        app.PayloadHash,
		SubmissionKeyID:    app.SubmissionKeyID,
		TokenGraceAccepted: app.TokenGraceAccepted,
		Receipt:            app.Receipt,
		ReceiptSignature:   app.ReceiptSignature,
		ReceiptHash:        app.ReceiptHash,
	}
}

// writeError maps domain errors onto status codes. Signature and token
// failures get a fixed message so callers cannot tell which check failed.
func writeError(c *gin.Context, err error) {
	status, code, message := http.StatusInternalServerError, "INTERNAL", "internal error"
	var details map[string]any
	switch {
	case errors.Is(err, domain.ErrInvalidPayload):
		status, code, message = http.StatusBadRequest, "INVALID_PAYLOAD", err.Error()
	case errors.Is(err, domain.ErrSignatureMissing):
		status, code, message = http.StatusBadRequest, "SIGNATURE_MISSING", "signature missing or malformed"
	case errors.Is(err, domain.ErrSignatureInvalid):
		status, code, message = http.StatusUnauthorized, "SIGNATURE_INVALID", "invalid signature"
	case errors.Is(err, domain.ErrTokenInvalid):
		status, code, message = http.StatusUnauthorized, "TOKEN_INVALID", "invalid consent token"
	case errors.Is(err, domain.ErrTokenExpired):
		status, code, message = http.StatusForbidden, "TOKEN_EXPIRED", "consent token expired"
	case errors.Is(err, domain.ErrConsentInactive):
		status, code, message = http.StatusForbidden, "CONSENT_INACTIVE", "consent is not active"
	case errors.Is(err, domain.ErrConsentExpired):
		status, code, message = http.StatusForbidden, "CONSENT_EXPIRED", "consent expired"
	case errors.Is(err, domain.ErrPolicyDenied):
		status, code, message = http.StatusForbidden, "POLICY_DENIED", "policy denied"
		details = map[string]any{"deny": denyCodesFrom(err)}
	case errors.Is(err, domain.ErrTenantUnknown):
		status, code, message = http.StatusBadRequest, "TENANT_UNKNOWN", err.Error()
	case errors.Is(err, domain.ErrNotFound):
		status, code, message = http.StatusNotFound, "NOT_FOUND", "not found"
	case errors.Is(err, domain.ErrConflict):
		status, code, message = http.StatusConflict, "CONFLICT", "conflict"
	case errors.Is(err, domain.ErrUpstream):
		status, code, message = http.StatusBadGateway, "BOARD_UNAVAILABLE", "board delivery failed"
	case errors.Is(err, domain.ErrUnauthorized):
		status, code, message = http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		status, code, message = http.StatusForbidden, "FORBIDDEN", "forbidden"
	}
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}

// denyCodesFrom recovers the comma separated codes the submission service
// appends after the policy sentinel.
func denyCodesFrom(err error) []string {
	_, codes, ok := strings.Cut(err.Error(), domain.ErrPolicyDenied.Error()+": ")
	if !ok || codes == "" {
		return []string{}
	}
	return strings.Split(codes, ",")
}
