package domain

import "errors"

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrSignatureMissing = errors.New("signature missing or malformed")
	ErrTokenInvalid     = errors.New("consent token invalid")
	ErrTokenExpired     = errors.New("consent token expired")
	ErrConsentInactive  = errors.New("consent inactive")
	ErrConsentExpired   = errors.New("consent expired")
	ErrTenantUnknown    = errors.New("tenant unknown")
	ErrKeyMaterial      = errors.New("key material unusable")
	ErrPolicyDenied     = errors.New("policy denied")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrConfig           = errors.New("configuration error")
	ErrUpstream         = errors.New("board delivery failed")
)
