package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"qazna.org/authcore/internal/auth/provider"
	"qazna.org/authcore/internal/ids"
)

const (
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour
)

// ProviderLookup resolves provider adapters by name.
type ProviderLookup interface {
	Get(name string) (provider.Adapter, error)
}

// TokenManager issues, rotates and revokes token pairs.
type TokenManager struct {
	codec      *Codec
	refresh    RefreshStore
	identities IdentityStore
	links      LinkStore
	providers  ProviderLookup
	sealer     *Sealer
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures a TokenManager.
type TokenOption func(*TokenManager)

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(m *TokenManager) {
		if ttl > 0 {
			m.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(m *TokenManager) {
		if ttl > 0 {
			m.refreshTTL = ttl
		}
	}
}

// WithProviderRevocation lets Revoke call the provider for linked tokens.
func WithProviderRevocation(links LinkStore, providers ProviderLookup, sealer *Sealer) TokenOption {
	return func(m *TokenManager) {
		m.links = links
		m.providers = providers
		m.sealer = sealer
	}
}

// WithTokenClock overrides the time source.
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(m *TokenManager) {
		if fn != nil {
			m.now = fn
		}
	}
}

func NewTokenManager(codec *Codec, refresh RefreshStore, identities IdentityStore, opts ...TokenOption) (*TokenManager, error) {
	if codec == nil || refresh == nil || identities == nil {
		return nil, errors.New("auth: codec, refresh store and identity store are required")
	}
	m := &TokenManager{
		codec:      codec,
		refresh:    refresh,
		identities: identities,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue mints a pair for p and records the refresh fingerprint.
func (m *TokenManager) Issue(ctx context.Context, p Principal, providerName string) (TokenPair, error) {
	pair, rec, err := m.mint(ctx, p, providerName)
	if err != nil {
		return TokenPair{}, err
	}
	if err := m.refresh.CreateRefresh(ctx, rec); err != nil {
		return TokenPair{}, fmt.Errorf("auth: store refresh record: %w", err)
	}
	return pair, nil
}

// mint signs a pair for p and returns the refresh record to persist.
func (m *TokenManager) mint(ctx context.Context, p Principal, providerName string) (TokenPair, RefreshRecord, error) {
	if p.ID == 0 {
		return TokenPair{}, RefreshRecord{}, fmt.Errorf("%w: principal id is required", ErrInvalidInput)
	}
	if providerName == "" {
		providerName = ProviderLocal
	}
	access, err := resolveAccess(ctx, m.identities, p)
	if err != nil {
		return TokenPair{}, RefreshRecord{}, err
	}

	now := m.now().UTC().Truncate(time.Second)
	base := Claims{
		Subject:     strconv.FormatInt(p.ID, 10),
		IssuedAt:    now,
		NotBefore:   now,
		Provider:    providerName,
		Roles:       access.Roles,
		Permissions: access.Permissions,
	}

	accessClaims := base
	accessClaims.ID = ids.TokenID()
	accessClaims.TokenType = TokenTypeAccess
	accessClaims.ExpiresAt = now.Add(m.accessTTL)
	accessToken, err := m.codec.Encode(accessClaims)
	if err != nil {
		return TokenPair{}, RefreshRecord{}, err
	}

	refreshClaims := base
	refreshClaims.ID = ids.TokenID()
	refreshClaims.TokenType = TokenTypeRefresh
	refreshClaims.ExpiresAt = now.Add(m.refreshTTL)
	refreshToken, err := m.codec.Encode(refreshClaims)
	if err != nil {
		return TokenPair{}, RefreshRecord{}, err
	}

	pair := TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessClaims.ExpiresAt,
		RefreshExpiresAt: refreshClaims.ExpiresAt,
		Scope:            strings.Join(access.Permissions, " "),
	}
	rec := RefreshRecord{
		Fingerprint: Fingerprint(refreshToken),
		PrincipalID: p.ID,
		Provider:    providerName,
		ExpiresAt:   refreshClaims.ExpiresAt,
		CreatedAt:   now,
	}
	return pair, rec, nil
}

// Refresh rotates a refresh token. Only one caller can rotate a given token;
// every other caller, concurrent or later, gets ErrRevokedToken. The old
// record stays valid when the successor cannot be stored.
func (m *TokenManager) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := m.codec.Decode(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return TokenPair{}, fmt.Errorf("%w: expected a refresh token", ErrClaimMismatch)
	}

	fp := Fingerprint(strings.TrimSpace(refreshToken))
	rec, err := m.refresh.FindRefresh(ctx, fp)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, ErrRevokedToken
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: load refresh record: %w", err)
	}
	if rec.Revoked || !m.now().Before(rec.ExpiresAt) || strconv.FormatInt(rec.PrincipalID, 10) != claims.Subject {
		return TokenPair{}, ErrRevokedToken
	}

	p, err := m.identities.FindByID(ctx, rec.PrincipalID)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, ErrRevokedToken
	}
	if err != nil {
		return TokenPair{}, err
	}
	if !p.Active {
		return TokenPair{}, fmt.Errorf("%w: principal is inactive", ErrRevokedToken)
	}

	pair, next, err := m.mint(ctx, p, rec.Provider)
	if err != nil {
		return TokenPair{}, err
	}
	won, err := m.refresh.RotateRefresh(ctx, fp, next)
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: rotate refresh record: %w", err)
	}
	if !won {
		return TokenPair{}, ErrRevokedToken
	}
	return pair, nil
}

// Revoke retires every refresh token of the principal, only those issued
// through providerName when it is set. A stored provider refresh token is
// revoked upstream and then dropped from the link.
func (m *TokenManager) Revoke(ctx context.Context, principalID int64, providerName string) error {
	providerName = provider.Normalize(providerName)
	if _, err := m.refresh.RevokeAllRefresh(ctx, principalID, providerName); err != nil {
		return fmt.Errorf("auth: revoke refresh records: %w", err)
	}
	if providerName == "" || providerName == ProviderLocal || m.links == nil {
		return nil
	}

	link, err := m.links.FindLinkByPrincipal(ctx, principalID, providerName)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(link.SealedRefreshToken) == 0 || m.sealer == nil || m.providers == nil {
		return nil
	}
	adapter, err := m.providers.Get(providerName)
	if err != nil {
		return err
	}
	raw, err := m.sealer.Open(link.SealedRefreshToken, linkAAD(link.Provider, link.Subject))
	if err != nil {
		return fmt.Errorf("auth: open provider token: %w", err)
	}
	if _, err := adapter.Revoke(ctx, string(raw)); err != nil {
		return fmt.Errorf("%w: %w", ErrProviderExchange, err)
	}
	return m.links.UpdateLinkToken(ctx, principalID, providerName, nil)
}

// Validate checks an access token without consulting storage.
func (m *TokenManager) Validate(ctx context.Context, accessToken string) (ClaimsView, error) {
	claims, err := m.codec.Decode(accessToken)
	if err != nil {
		return ClaimsView{}, err
	}
	if claims.TokenType != TokenTypeAccess {
		return ClaimsView{}, fmt.Errorf("%w: expected an access token", ErrClaimMismatch)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return ClaimsView{}, fmt.Errorf("%w: subject is not a principal id", ErrClaimMismatch)
	}
	return ClaimsView{
		PrincipalID: id,
		Subject:     claims.Subject,
		Provider:    claims.Provider,
		TokenID:     claims.ID,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		IssuedAt:    claims.IssuedAt,
		ExpiresAt:   claims.ExpiresAt,
	}, nil
}

// Fingerprint is the hex sha256 of a refresh token.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
