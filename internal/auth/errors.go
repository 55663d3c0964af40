package auth

import (
	"errors"

	"qazna.org/authcore/internal/auth/provider"
)

var (
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrRateLimited         = errors.New("auth: too many attempts")
	ErrInvalidState        = errors.New("auth: invalid oauth state")
	ErrRevokedToken        = errors.New("auth: token revoked")
	ErrExpiredToken        = errors.New("auth: token expired")
	ErrInvalidSignature    = errors.New("auth: invalid token signature")
	ErrClaimMismatch       = errors.New("auth: token claim mismatch")
	ErrMalformedToken      = errors.New("auth: malformed token")
	ErrUnsupportedProvider = provider.ErrUnsupported
	ErrProviderExchange    = errors.New("auth: provider exchange failed")
	ErrForbidden           = errors.New("auth: forbidden")

	ErrNotFound      = errors.New("auth: not found")
	ErrConflict      = errors.New("auth: resource conflict")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrLastAdmin     = errors.New("auth: cannot remove the last admin")
	ErrProtectedRole = errors.New("auth: role is protected")
)

// Fault groups errors by who has to act on them.
type Fault int

const (
	FaultInternal Fault = iota
	FaultClient
	FaultRateLimited
	FaultConfig
	FaultUpstream
	FaultForbidden
)

func (f Fault) String() string {
	switch f {
	case FaultClient:
		return "client"
	case FaultRateLimited:
		return "rate_limited"
	case FaultConfig:
		return "config"
	case FaultUpstream:
		return "upstream"
	case FaultForbidden:
		return "forbidden"
	default:
		return "internal"
	}
}

// Classify maps an error returned by this package to its fault kind.
func Classify(err error) Fault {
	switch {
	case err == nil:
		return FaultInternal
	case errors.Is(err, ErrRateLimited):
		return FaultRateLimited
	case errors.Is(err, ErrUnsupportedProvider):
		return FaultConfig
	case errors.Is(err, ErrProviderExchange), errors.Is(err, provider.ErrExchange):
		return FaultUpstream
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrLastAdmin), errors.Is(err, ErrProtectedRole):
		return FaultForbidden
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrRevokedToken),
		errors.Is(err, ErrExpiredToken),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrClaimMismatch),
		errors.Is(err, ErrMalformedToken),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidInput):
		return FaultClient
	default:
		return FaultInternal
	}
}

var reasons = []struct {
	err  error
	code string
}{
	{ErrInvalidCredentials, "invalid_credentials"},
	{ErrRateLimited, "rate_limited"},
	{ErrInvalidState, "invalid_state"},
	{ErrRevokedToken, "revoked_token"},
	{ErrExpiredToken, "expired_token"},
	{ErrInvalidSignature, "invalid_signature"},
	{ErrClaimMismatch, "claim_mismatch"},
	{ErrMalformedToken, "malformed_token"},
	{ErrUnsupportedProvider, "unsupported_provider"},
	{ErrProviderExchange, "provider_exchange"},
	{provider.ErrExchange, "provider_exchange"},
	{ErrLastAdmin, "last_admin"},
	{ErrProtectedRole, "protected_role"},
	{ErrForbidden, "forbidden"},
	{ErrNotFound, "not_found"},
	{ErrConflict, "conflict"},
	{ErrInvalidInput, "invalid_input"},
}

// Reason returns a stable reason code for metrics and audit records.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return "internal"
}
