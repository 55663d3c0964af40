package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultLoginWindow = 5 * time.Minute
)

// CredentialAuthenticator verifies local passwords and throttles repeated failures.
type CredentialAuthenticator struct {
	identities  IdentityStore
	counters    CounterStore
	hasher      *PasswordHasher
	maxAttempts int
	window      time.Duration
}

// CredentialOption configures a CredentialAuthenticator.
type CredentialOption func(*CredentialAuthenticator)

// WithMaxAttempts sets how many attempts an identifier and source get per
// window, counting the attempt that is turned away.
func WithMaxAttempts(n int) CredentialOption {
	return func(a *CredentialAuthenticator) {
		if n >= 2 {
			a.maxAttempts = n
		}
	}
}

// WithLoginWindow sets the rolling failure window.
func WithLoginWindow(d time.Duration) CredentialOption {
	return func(a *CredentialAuthenticator) {
		if d > 0 {
			a.window = d
		}
	}
}

func NewCredentialAuthenticator(identities IdentityStore, counters CounterStore, hasher *PasswordHasher, opts ...CredentialOption) (*CredentialAuthenticator, error) {
	if identities == nil || counters == nil {
		return nil, errors.New("auth: identity and counter stores are required")
	}
	if hasher == nil {
		hasher = NewPasswordHasher(DefaultBcryptCost)
	}
	a := &CredentialAuthenticator{
		identities:  identities,
		counters:    counters,
		hasher:      hasher,
		maxAttempts: defaultMaxAttempts,
		window:      defaultLoginWindow,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Authenticate resolves identifier (e-mail or handle) and checks password.
// Every failure reads as ErrInvalidCredentials; once the failure budget for
// the identifier and source is spent it returns ErrRateLimited without
// looking at the password.
//
// Each attempt takes a slot in the counter before the hash is compared, so
// concurrent attempts cannot all observe an empty budget. A failed attempt
// keeps its slot; a successful one clears the counter.
func (a *CredentialAuthenticator) Authenticate(ctx context.Context, identifier, password string) (Principal, error) {
	identifier = NormalizeIdentifier(identifier)
	key := failureKey(identifier, SourceFromContext(ctx))

	attempt, err := a.counters.Incr(ctx, key, a.window)
	if err != nil {
		return Principal{}, fmt.Errorf("auth: record attempt: %w", err)
	}
	if attempt > int64(a.maxAttempts-1) {
		return Principal{}, ErrRateLimited
	}

	var p Principal
	if identifier != "" {
		p, err = a.identities.FindByIdentifier(ctx, identifier)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Principal{}, err
		}
	}
	// A missing principal has no hash and still pays for a comparison.
	ok := a.hasher.Verify(p.PasswordHash, password)
	if !ok || !p.Active {
		return Principal{}, ErrInvalidCredentials
	}
	if err := a.counters.Reset(ctx, key); err != nil {
		return Principal{}, fmt.Errorf("auth: reset failure counter: %w", err)
	}
	return p, nil
}

// NormalizeIdentifier trims and lower-cases an e-mail or handle.
func NormalizeIdentifier(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func failureKey(identifier, source string) string {
	if source == "" {
		source = "-"
	}
	return "login-failures:" + identifier + "|" + source
}
