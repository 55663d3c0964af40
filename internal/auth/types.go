package auth

import (
	"slices"
	"time"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"

	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	// ProviderLocal tags tokens issued after a password login.
	ProviderLocal = "local"
)

// Principal is an authenticated identity. Principals are deactivated, never deleted.
type Principal struct {
	ID           int64     `json:"id,string"`
	Email        string    `json:"email"`
	Handle       string    `json:"handle,omitempty"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"active"`
	Superuser    bool      `json:"superuser"`
	Roles        []string  `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasRole reports whether the principal holds the named role.
func (p Principal) HasRole(name string) bool {
	return slices.Contains(p.Roles, name)
}

// PrincipalFields carries the values for a new principal.
type PrincipalFields struct {
	Email        string
	Handle       string
	PasswordHash string
	Active       bool
	Superuser    bool
}

// PrincipalUpdate lists the mutable principal fields; nil leaves a field untouched.
type PrincipalUpdate struct {
	PasswordHash *string
	Active       *bool
	Superuser    *bool
}

// ProviderLink binds a principal to an identity at an external provider.
type ProviderLink struct {
	ID                 string
	PrincipalID        int64
	Provider           string
	Subject            string
	EmailVerified      bool
	SealedRefreshToken []byte
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TokenPair is handed to the caller and never stored.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	Scope            string    `json:"scope,omitempty"`
}

// RefreshRecord is the persisted trace of an issued refresh token.
type RefreshRecord struct {
	Fingerprint string    `json:"fingerprint"`
	PrincipalID int64     `json:"principal_id"`
	Provider    string    `json:"provider"`
	ExpiresAt   time.Time `json:"expires_at"`
	Revoked     bool      `json:"revoked"`
	CreatedAt   time.Time `json:"created_at"`
}

// Role groups permission slugs under a unique name.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Permissions []string  `json:"permissions"`
	System      bool      `json:"system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type RoleAssignment struct {
	PrincipalID int64     `json:"principal_id,string"`
	RoleID      string    `json:"role_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// PKCEState lives in the KV store between Begin and Complete.
type PKCEState struct {
	State         string    `json:"state"`
	CodeVerifier  string    `json:"code_verifier"`
	CodeChallenge string    `json:"code_challenge"`
	Provider      string    `json:"provider"`
	RedirectURI   string    `json:"redirect_uri"`
	CreatedAt     time.Time `json:"created_at"`
}

// Access is the authorization snapshot of a principal.
type Access struct {
	PrincipalID int64
	Superuser   bool
	Roles       []string
	Permissions []string
}

func (a Access) HasRole(name string) bool {
	return slices.Contains(a.Roles, name)
}

func (a Access) HasPermission(slug string) bool {
	return slices.Contains(a.Permissions, slug)
}

// Requirement is an all-of authorization check.
type Requirement struct {
	Roles       []string
	Permissions []string
}

// ClaimsView is the validated, read-only view of an access token.
type ClaimsView struct {
	PrincipalID int64
	Subject     string
	Provider    string
	TokenID     string
	Roles       []string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Access returns the role snapshot embedded at issuance. It may lag role
// changes until the next refresh.
func (v ClaimsView) Access() Access {
	return Access{
		PrincipalID: v.PrincipalID,
		Roles:       v.Roles,
		Permissions: v.Permissions,
	}
}
