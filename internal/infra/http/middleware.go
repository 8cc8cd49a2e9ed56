package http

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/infra/jws"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const routeApplicationsSubmit = "applications:submit"

func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()

	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	status := c.Writer.Status()
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.ObserveRequest(c.Request.Method, route, status, elapsed)
	}
	s.logger.Debug("request", "method", c.Request.Method, "route", route, "status", status, "elapsed_ms", elapsed.Milliseconds())
}

func (s *Server) requireAdmin(c *gin.Context) bool {
	if s.adminAPIKey == "" {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "admin key required")
		return false
	}
	key := strings.TrimSpace(c.GetHeader("X-Admin-Key"))
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.adminAPIKey)) != 1 {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin key")
		return false
	}
	return true
}

func (s *Server) enforceRateLimit(c *gin.Context, routeID, subject string) bool {
	if s.rateLimiter == nil || s.rateLimitRequests <= 0 {
		return true
	}
	key := "endpoint:" + routeID + ":" + subject
	decision, err := s.rateLimiter.Allow(c.Request.Context(), key, s.rateLimitRequests, s.rateLimitWindow)
	if err != nil {
		s.logger.Warn("rate limiter failed", "route", routeID, "error", err)
		if s.rateLimitFailClosed {
			writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable")
			return false
		}
		return true
	}
	writeRateLimitHeaders(c, decision)
	if !decision.Allowed {
		writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
		return false
	}
	return true
}

func writeRateLimitHeaders(c *gin.Context, decision domain.RateLimitDecision) {
	if decision.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	}
	if decision.Remaining >= 0 {
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			retryAfter := int64(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		}
	}
}

// submitterKey names the agent a submission claims to come from. It reads the
// consent token without verifying it; the limiter only needs a stable bucket,
// and the submission service does the real checks afterwards.
func submitterKey(c *gin.Context, body []byte, bearer string) string {
	var peek struct {
		ConsentToken string `json:"consent_token"`
	}
	_ = json.NewDecoder(bytes.NewReader(body)).Decode(&peek)
	token := strings.TrimSpace(peek.ConsentToken)
	if token == "" {
		token = bearer
	}
	if token != "" {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
			if agent, ok := claims["agent"].(string); ok && agent != "" {
				return "agent:" + agent
			}
		}
	}
	if header, ok := jws.PeekHeader(c.GetHeader(signatureHeader)); ok && header.Kid != "" {
		return "kid:" + header.Kid
	}
	return "ip:" + c.ClientIP()
}

func extractBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
