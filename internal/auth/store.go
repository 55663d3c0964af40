package auth

import (
	"context"
	"time"
)

// IdentityStore persists principals. Lookups return ErrNotFound when nothing matches.
type IdentityStore interface {
	FindByID(ctx context.Context, id int64) (Principal, error)
	// FindByIdentifier matches an e-mail address or a handle.
	FindByIdentifier(ctx context.Context, value string) (Principal, error)
	FindByEmail(ctx context.Context, email string) (Principal, error)
	// Create returns ErrConflict when the e-mail or handle is taken.
	Create(ctx context.Context, fields PrincipalFields) (Principal, error)
	Update(ctx context.Context, id int64, upd PrincipalUpdate) (Principal, error)
	ListRoles(ctx context.Context, principalID int64) ([]Role, error)
}

// LinkStore persists provider links.
type LinkStore interface {
	FindLink(ctx context.Context, provider, subject string) (ProviderLink, error)
	FindLinkByPrincipal(ctx context.Context, principalID int64, provider string) (ProviderLink, error)
	CreateLink(ctx context.Context, link ProviderLink) (ProviderLink, error)
	UpdateLinkToken(ctx context.Context, principalID int64, provider string, sealed []byte) error
}

// RoleStore persists roles and assignments.
type RoleStore interface {
	CreateRole(ctx context.Context, role Role) (Role, error)
	RoleByName(ctx context.Context, name string) (Role, error)
	AllRoles(ctx context.Context) ([]Role, error)
	RenameRole(ctx context.Context, roleID, name string) (Role, error)
	DeleteRole(ctx context.Context, roleID string) error
	// GrantPermissions and RevokePermissions are idempotent.
	GrantPermissions(ctx context.Context, roleID string, perms []string) (Role, error)
	RevokePermissions(ctx context.Context, roleID string, perms []string) (Role, error)
	// AssignRole reports whether a new assignment was created.
	AssignRole(ctx context.Context, principalID int64, roleID string) (bool, error)
	// UnassignRole reports whether an assignment was removed. With keepOne set
	// it fails with ErrLastAdmin instead of removing the final holder.
	UnassignRole(ctx context.Context, principalID int64, roleID string, keepOne bool) (bool, error)
	Assignments(ctx context.Context, principalID int64) ([]RoleAssignment, error)
}

// RefreshStore persists refresh token fingerprints.
type RefreshStore interface {
	CreateRefresh(ctx context.Context, rec RefreshRecord) error
	FindRefresh(ctx context.Context, fingerprint string) (RefreshRecord, error)
	// RevokeRefresh flips revoked from false to true and reports whether this
	// call performed the flip.
	RevokeRefresh(ctx context.Context, fingerprint string) (bool, error)
	// RotateRefresh revokes the record behind oldFingerprint and stores next
	// in one step. It reports false, writing nothing, when the old record is
	// missing or already revoked.
	RotateRefresh(ctx context.Context, oldFingerprint string, next RefreshRecord) (bool, error)
	// RevokeAllRefresh revokes every record of the principal, restricted to
	// provider when it is not empty.
	RevokeAllRefresh(ctx context.Context, principalID int64, provider string) (int, error)
}

// KV is a small expiring key-value store.
type KV interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete reports whether the key existed. Exactly one concurrent caller observes true.
	Delete(ctx context.Context, key string) (bool, error)
	CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error)
}

// CounterStore keeps windowed counters.
type CounterStore interface {
	// Incr adds one and starts the window when the counter is created.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Count(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// AuditEvent never carries passwords, tokens or fingerprints.
type AuditEvent struct {
	Operation     string
	Outcome       string
	Reason        string
	CorrelationID string
	PrincipalID   int64
	Provider      string
	Fields        map[string]string
}

type Auditor interface {
	Record(ctx context.Context, event AuditEvent)
}

type Metrics interface {
	Inc(operation, outcome, reason string)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, AuditEvent) {}

type nopMetrics struct{}

func (nopMetrics) Inc(string, string, string) {}
