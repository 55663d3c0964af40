package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"qazna.org/authcore/internal/auth/provider"
)

const (
	defaultPKCETTL    = 10 * time.Minute
	stateBytes        = 32
	maxHandleAttempts = 50
)

// FlowState is the progress of one authorization-code flow.
type FlowState int

const (
	FlowInitiated FlowState = iota
	FlowCodeReceived
	FlowExchanged
	FlowLinked
	FlowFailed
)

func (s FlowState) String() string {
	switch s {
	case FlowInitiated:
		return "initiated"
	case FlowCodeReceived:
		return "code_received"
	case FlowExchanged:
		return "exchanged"
	case FlowLinked:
		return "linked"
	default:
		return "failed"
	}
}

// FlowError reports the last state a failed flow reached.
type FlowError struct {
	Reached FlowState
	Err     error
}

func (e *FlowError) Error() string { return e.Err.Error() }
func (e *FlowError) Unwrap() error { return e.Err }

// Authorization is returned by Begin.
type Authorization struct {
	URL   string `json:"authorization_url"`
	State string `json:"state"`
}

// FlowCoordinator runs the authorization-code flow with PKCE.
type FlowCoordinator struct {
	providers  ProviderLookup
	kv         KV
	identities IdentityStore
	links      LinkStore
	roles      RoleStore
	sealer     *Sealer
	ttl        time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// FlowOption configures a FlowCoordinator.
type FlowOption func(*FlowCoordinator)

// WithPKCETTL sets how long a started flow may wait for its callback.
func WithPKCETTL(ttl time.Duration) FlowOption {
	return func(c *FlowCoordinator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithSealer enables storing provider refresh tokens on links.
func WithSealer(s *Sealer) FlowOption {
	return func(c *FlowCoordinator) { c.sealer = s }
}

func WithFlowClock(fn func() time.Time) FlowOption {
	return func(c *FlowCoordinator) {
		if fn != nil {
			c.now = fn
		}
	}
}

func WithFlowLogger(l *zap.Logger) FlowOption {
	return func(c *FlowCoordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewFlowCoordinator(providers ProviderLookup, kv KV, identities IdentityStore, links LinkStore, roles RoleStore, opts ...FlowOption) (*FlowCoordinator, error) {
	if providers == nil || kv == nil || identities == nil || links == nil || roles == nil {
		return nil, errors.New("auth: flow coordinator dependencies are required")
	}
	c := &FlowCoordinator{
		providers:  providers,
		kv:         kv,
		identities: identities,
		links:      links,
		roles:      roles,
		ttl:        defaultPKCETTL,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Begin stores a fresh PKCE state and returns the provider consent URL.
func (c *FlowCoordinator) Begin(ctx context.Context, providerName, redirectURI string) (Authorization, error) {
	name := provider.Normalize(providerName)
	adapter, err := c.providers.Get(name)
	if err != nil {
		return Authorization{}, err
	}
	redirectURI, err = validateRedirect(redirectURI)
	if err != nil {
		return Authorization{}, err
	}

	state, err := randomToken(stateBytes)
	if err != nil {
		return Authorization{}, err
	}
	verifier := oauth2.GenerateVerifier()
	rec := PKCEState{
		State:         state,
		CodeVerifier:  verifier,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
		Provider:      name,
		RedirectURI:   redirectURI,
		CreatedAt:     c.now().UTC(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return Authorization{}, fmt.Errorf("auth: encode pkce state: %w", err)
	}
	if err := c.kv.Put(ctx, pkceKey(state), payload, c.ttl); err != nil {
		return Authorization{}, fmt.Errorf("auth: store pkce state: %w", err)
	}

	authURL, err := adapter.AuthorizationURL(redirectURI, state, rec.CodeChallenge, nil)
	if err != nil {
		_, _ = c.kv.Delete(ctx, pkceKey(state))
		return Authorization{}, err
	}
	return Authorization{URL: authURL, State: state}, nil
}

// Complete consumes the state, exchanges the code and resolves the principal.
// The state is gone after the first call whatever the outcome.
func (c *FlowCoordinator) Complete(ctx context.Context, providerName, code, state string) (Principal, error) {
	name := provider.Normalize(providerName)
	reached := FlowInitiated
	fail := func(err error) (Principal, error) {
		c.logger.Debug("oauth flow failed",
			zap.String("provider", name),
			zap.Stringer("reached", reached),
			zap.Error(err),
		)
		return Principal{}, &FlowError{Reached: reached, Err: err}
	}

	rec, err := c.consumeState(ctx, name, state)
	if err != nil {
		return fail(err)
	}
	reached = FlowCodeReceived

	adapter, err := c.providers.Get(name)
	if err != nil {
		return fail(err)
	}
	tokens, err := adapter.ExchangeCode(ctx, code, rec.RedirectURI, rec.CodeVerifier)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrProviderExchange, err))
	}
	profile, err := adapter.FetchProfile(ctx, tokens.AccessToken)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrProviderExchange, err))
	}
	reached = FlowExchanged

	p, err := c.link(ctx, name, profile, tokens)
	if err != nil {
		return fail(err)
	}
	reached = FlowLinked
	c.logger.Debug("oauth flow linked",
		zap.String("provider", name),
		zap.Int64("principal_id", p.ID),
		zap.Stringer("reached", reached),
	)
	return p, nil
}

func (c *FlowCoordinator) consumeState(ctx context.Context, name, state string) (PKCEState, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return PKCEState{}, fmt.Errorf("%w: state is empty", ErrInvalidState)
	}
	key := pkceKey(state)
	raw, err := c.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return PKCEState{}, fmt.Errorf("%w: unknown or expired state", ErrInvalidState)
	}
	if err != nil {
		return PKCEState{}, fmt.Errorf("auth: load pkce state: %w", err)
	}
	deleted, err := c.kv.Delete(ctx, key)
	if err != nil {
		return PKCEState{}, fmt.Errorf("auth: consume pkce state: %w", err)
	}
	if !deleted {
		return PKCEState{}, fmt.Errorf("%w: state already used", ErrInvalidState)
	}

	var rec PKCEState
	if err := json.Unmarshal(raw, &rec); err != nil {
		return PKCEState{}, fmt.Errorf("%w: corrupt state", ErrInvalidState)
	}
	if rec.Provider != name {
		return PKCEState{}, fmt.Errorf("%w: state was issued for another provider", ErrInvalidState)
	}
	if !c.now().Before(rec.CreatedAt.Add(c.ttl)) {
		return PKCEState{}, fmt.Errorf("%w: state expired", ErrInvalidState)
	}
	return rec, nil
}

// link applies the linking policy: existing link, then verified e-mail,
// then a new principal.
func (c *FlowCoordinator) link(ctx context.Context, name string, profile provider.Profile, tokens provider.Tokens) (Principal, error) {
	subject := strings.TrimSpace(profile.Subject)
	if subject == "" {
		return Principal{}, fmt.Errorf("%w: profile has no subject", ErrProviderExchange)
	}

	existing, err := c.links.FindLink(ctx, name, subject)
	switch {
	case err == nil:
		return c.linked(ctx, existing, tokens)
	case !errors.Is(err, ErrNotFound):
		return Principal{}, err
	}

	email := NormalizeIdentifier(profile.Email)
	if email == "" {
		return Principal{}, fmt.Errorf("%w: profile has no e-mail", ErrProviderExchange)
	}
	p, err := c.identities.FindByEmail(ctx, email)
	switch {
	case err == nil:
		if !profile.EmailVerified {
			return Principal{}, fmt.Errorf("%w: unverified e-mail belongs to an existing account", ErrConflict)
		}
		if !p.Active {
			return Principal{}, ErrInvalidCredentials
		}
		if other, err := c.links.FindLinkByPrincipal(ctx, p.ID, name); err == nil {
			if other.Subject == subject {
				// A concurrent completion linked this identity first.
				return c.linked(ctx, other, tokens)
			}
			return Principal{}, fmt.Errorf("%w: account is linked to another %s identity", ErrConflict, name)
		} else if !errors.Is(err, ErrNotFound) {
			return Principal{}, err
		}
	case errors.Is(err, ErrNotFound):
		p, err = c.createPrincipal(ctx, email)
		if errors.Is(err, ErrConflict) {
			return c.linkedAfterConflict(ctx, name, subject, tokens, err)
		}
		if err != nil {
			return Principal{}, err
		}
	default:
		return Principal{}, err
	}

	newLink := ProviderLink{
		PrincipalID:   p.ID,
		Provider:      name,
		Subject:       subject,
		EmailVerified: profile.EmailVerified,
	}
	if tokens.RefreshToken != "" && c.sealer != nil {
		sealed, err := c.sealer.Seal([]byte(tokens.RefreshToken), linkAAD(name, subject))
		if err != nil {
			return Principal{}, err
		}
		newLink.SealedRefreshToken = sealed
	}
	if _, err := c.links.CreateLink(ctx, newLink); errors.Is(err, ErrConflict) {
		return c.linkedAfterConflict(ctx, name, subject, tokens, err)
	} else if err != nil {
		return Principal{}, err
	}
	return p, nil
}

// linked resolves the principal behind an existing link and refreshes the
// sealed provider token on it.
func (c *FlowCoordinator) linked(ctx context.Context, link ProviderLink, tokens provider.Tokens) (Principal, error) {
	p, err := c.identities.FindByID(ctx, link.PrincipalID)
	if err != nil {
		return Principal{}, err
	}
	if !p.Active {
		return Principal{}, ErrInvalidCredentials
	}
	if tokens.RefreshToken != "" && c.sealer != nil {
		sealed, err := c.sealer.Seal([]byte(tokens.RefreshToken), linkAAD(link.Provider, link.Subject))
		if err != nil {
			return Principal{}, err
		}
		if err := c.links.UpdateLinkToken(ctx, p.ID, link.Provider, sealed); err != nil {
			return Principal{}, err
		}
	}
	return p, nil
}

// linkedAfterConflict settles a lost race with another completion for the
// same identity: the winner's link decides the principal. Without one the
// original conflict stands.
func (c *FlowCoordinator) linkedAfterConflict(ctx context.Context, name, subject string, tokens provider.Tokens, cause error) (Principal, error) {
	link, err := c.links.FindLink(ctx, name, subject)
	if err != nil {
		return Principal{}, cause
	}
	return c.linked(ctx, link, tokens)
}

func (c *FlowCoordinator) createPrincipal(ctx context.Context, email string) (Principal, error) {
	p, err := createWithHandle(ctx, c.identities, email, "")
	if err != nil {
		return Principal{}, err
	}
	return assignDefaultRole(ctx, c.identities, c.roles, p)
}

var handleStrip = regexp.MustCompile(`[^a-z0-9._-]+`)

// handleBase derives a handle from the local part of an e-mail address.
func handleBase(email string) string {
	local, _, _ := strings.Cut(email, "@")
	h := strings.Trim(handleStrip.ReplaceAllString(strings.ToLower(local), ""), "._-")
	if len(h) > 24 {
		h = h[:24]
	}
	if len(h) < 3 {
		h = "user" + h
	}
	return h
}

// createWithHandle creates an active principal. Without an explicit handle it
// tries base, base2, base3 ... until one is free.
func createWithHandle(ctx context.Context, identities IdentityStore, email, passwordHash string) (Principal, error) {
	base := handleBase(email)
	for i := 1; i <= maxHandleAttempts; i++ {
		handle := base
		if i > 1 {
			handle = base + strconv.Itoa(i)
		}
		if _, err := identities.FindByIdentifier(ctx, handle); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return Principal{}, err
		}
		p, err := identities.Create(ctx, PrincipalFields{
			Email:        email,
			Handle:       handle,
			PasswordHash: passwordHash,
			Active:       true,
		})
		if errors.Is(err, ErrConflict) {
			if _, lookupErr := identities.FindByEmail(ctx, email); lookupErr == nil {
				return Principal{}, fmt.Errorf("%w: e-mail already registered", ErrConflict)
			}
			continue
		}
		return p, err
	}
	return Principal{}, fmt.Errorf("%w: no free handle for %s", ErrConflict, base)
}

func assignDefaultRole(ctx context.Context, identities IdentityStore, roles RoleStore, p Principal) (Principal, error) {
	role, err := roles.RoleByName(ctx, RoleUser)
	if errors.Is(err, ErrNotFound) {
		return p, nil
	}
	if err != nil {
		return Principal{}, err
	}
	if _, err := roles.AssignRole(ctx, p.ID, role.ID); err != nil {
		return Principal{}, err
	}
	return identities.FindByID(ctx, p.ID)
}

func validateRedirect(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if raw == "" || err != nil || !u.IsAbs() || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", fmt.Errorf("%w: redirect_uri must be an absolute http(s) url", ErrInvalidInput)
	}
	if u.Fragment != "" {
		return "", fmt.Errorf("%w: redirect_uri must not carry a fragment", ErrInvalidInput)
	}
	return raw, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceKey(state string) string {
	return "pkce:" + state
}
