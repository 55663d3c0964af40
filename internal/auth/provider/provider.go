// Package provider adapts remote OAuth2 identity providers.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrUnsupported = errors.New("oauth: unsupported provider")
	ErrExchange    = errors.New("oauth: provider request failed")
	ErrInvalid     = errors.New("oauth: invalid provider configuration")
)

// Tokens is the result of a code exchange.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// Profile is the identity reported by the provider.
type Profile struct {
	Subject       string
	Email         string
	EmailVerified bool
	DisplayName   string
}

// Adapter is implemented once per provider family.
type Adapter interface {
	AuthorizationURL(redirectURI, state, codeChallenge string, scopes []string) (string, error)
	ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (Tokens, error)
	FetchProfile(ctx context.Context, accessToken string) (Profile, error)
	// Revoke reports false when the provider has no revocation endpoint.
	Revoke(ctx context.Context, token string) (bool, error)
}

// Builder collects adapters before the registry is frozen.
type Builder struct {
	adapters map[string]Adapter
}

func NewBuilder() *Builder {
	return &Builder{adapters: make(map[string]Adapter)}
}

func (b *Builder) Register(name string, a Adapter) error {
	name = Normalize(name)
	if name == "" {
		return fmt.Errorf("%w: provider name is required", ErrInvalid)
	}
	if a == nil {
		return fmt.Errorf("%w: adapter for %q is nil", ErrInvalid, name)
	}
	if _, dup := b.adapters[name]; dup {
		return fmt.Errorf("%w: provider %q registered twice", ErrInvalid, name)
	}
	b.adapters[name] = a
	return nil
}

// Build freezes the registered adapters. The builder can be discarded afterwards.
func (b *Builder) Build() *Registry {
	frozen := make(map[string]Adapter, len(b.adapters))
	for k, v := range b.adapters {
		frozen[k] = v
	}
	return &Registry{adapters: frozen}
}

// Registry is read-only after Build and safe for concurrent lookups.
type Registry struct {
	adapters map[string]Adapter
}

func (r *Registry) Get(name string) (Adapter, error) {
	if r != nil {
		if a, ok := r.adapters[Normalize(name)]; ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupported, name)
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
