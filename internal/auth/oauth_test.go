package auth_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/auth/provider"
)

const callback = "https://app.example/oauth/callback"

func TestBeginPersistsPKCEState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.facade.BeginOAuth(ctx, "Google", callback)
	require.NoError(t, err)
	require.NotEmpty(t, a.State)

	u, err := url.Parse(a.URL)
	require.NoError(t, err)
	require.Equal(t, a.State, u.Query().Get("state"))

	raw, err := h.store.Get(ctx, "pkce:"+a.State)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"provider":"google"`)
	challenge := u.Query().Get("code_challenge")
	require.NotEmpty(t, challenge)

	// Complete hands the stored verifier to the provider; it must match the challenge.
	h.google.setProfile(provider.Profile{Subject: "g-1", Email: "ada@x.com", EmailVerified: true})
	_, err = h.facade.CompleteOAuth(ctx, "google", "code", a.State)
	require.NoError(t, err)
	require.Len(t, h.google.verifiers, 1)
	require.Equal(t, challenge, oauth2.S256ChallengeFromVerifier(h.google.verifiers[0]))
}

func TestBeginRejectsUnknownProviderAndBadRedirect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.facade.BeginOAuth(ctx, "myspace", callback)
	require.ErrorIs(t, err, auth.ErrUnsupportedProvider)
	require.Equal(t, auth.FaultConfig, auth.Classify(err))

	_, err = h.facade.BeginOAuth(ctx, "google", "/relative")
	require.ErrorIs(t, err, auth.ErrInvalidInput)
}

func TestPKCEStateIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.google.exchangeErr = errors.New("upstream 502")

	a, err := h.facade.BeginOAuth(ctx, "google", callback)
	require.NoError(t, err)

	_, err = h.facade.CompleteOAuth(ctx, "google", "code", a.State)
	require.ErrorIs(t, err, auth.ErrProviderExchange)
	require.Equal(t, auth.FaultUpstream, auth.Classify(err))
	var fe *auth.FlowError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, auth.FlowCodeReceived, fe.Reached)

	h.google.exchangeErr = nil
	_, err = h.facade.CompleteOAuth(ctx, "google", "code", a.State)
	require.ErrorIs(t, err, auth.ErrInvalidState)
	require.Equal(t, 1, h.google.exchanges)
}

func TestConcurrentCompleteConsumesStateOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.google.setProfile(provider.Profile{Subject: "g-1", Email: "ada@x.com", EmailVerified: true})
	a, err := h.flows.Begin(ctx, "google", callback)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		invalid int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.flows.Complete(ctx, "google", "code", a.State)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, auth.ErrInvalidState) {
				invalid++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, ok)
	require.Equal(t, 7, invalid)
}

func TestCompleteRejectsForeignOrStaleState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.facade.CompleteOAuth(ctx, "google", "code", "never-issued")
	require.ErrorIs(t, err, auth.ErrInvalidState)

	a, err := h.flows.Begin(ctx, "google", callback)
	require.NoError(t, err)
	_, err = h.flows.Complete(ctx, "github", "code", a.State)
	require.ErrorIs(t, err, auth.ErrInvalidState)
	// The mismatched attempt still burned the state.
	_, err = h.flows.Complete(ctx, "google", "code", a.State)
	require.ErrorIs(t, err, auth.ErrInvalidState)

	b, err := h.flows.Begin(ctx, "google", callback)
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)
	_, err = h.flows.Complete(ctx, "google", "code", b.State)
	require.ErrorIs(t, err, auth.ErrInvalidState)
}

func TestAutoLinkByVerifiedEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	local := h.register(t, "a@x.com", "correct-password")

	h.google.setProfile(provider.Profile{Subject: "google-123", Email: "A@x.com", EmailVerified: true})
	a, err := h.flows.Begin(ctx, "google", callback)
	require.NoError(t, err)
	pair, err := h.facade.CompleteOAuth(ctx, "google", "code", a.State)
	require.NoError(t, err)

	view, err := h.facade.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, local.ID, view.PrincipalID)
	require.Equal(t, "google", view.Provider)

	link, err := h.store.FindLink(ctx, "google", "google-123")
	require.NoError(t, err)
	require.Equal(t, local.ID, link.PrincipalID)
	require.True(t, link.EmailVerified)

	// Password login still resolves to the same principal.
	_, err = h.facade.Login(ctx, "a@x.com", "correct-password")
	require.NoError(t, err)

	// A second flow reuses the link.
	b, err := h.flows.Begin(ctx, "google", callback)
	require.NoError(t, err)
	again, err := h.flows.Complete(ctx, "google", "code", b.State)
	require.NoError(t, err)
	require.Equal(t, local.ID, again.ID)
}

func TestUnverifiedEmailDoesNotTakeOverAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "a@x.com", "correct-password")

	h.github.setProfile(provider.Profile{Subject: "gh-1", Email: "a@x.com", EmailVerified: false})
	a, err := h.flows.Begin(ctx, "github", callback)
	require.NoError(t, err)
	_, err = h.flows.Complete(ctx, "github", "code", a.State)
	require.ErrorIs(t, err, auth.ErrConflict)

	_, err = h.store.FindLink(ctx, "github", "gh-1")
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestNewProviderIdentityCreatesPrincipalWithUniqueHandle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.facade.Register(ctx, "someone@else.com", "grace", "correct-password")
	require.NoError(t, err)

	h.github.setProfile(provider.Profile{Subject: "gh-7", Email: "grace@x.com", EmailVerified: true})
	a, err := h.flows.Begin(ctx, "github", callback)
	require.NoError(t, err)
	p, err := h.flows.Complete(ctx, "github", "code", a.State)
	require.NoError(t, err)
	require.Equal(t, "grace@x.com", p.Email)
	require.Equal(t, "grace2", p.Handle)
	require.True(t, p.Active)
	require.Empty(t, p.PasswordHash)
	require.Equal(t, []string{auth.RoleUser}, p.Roles)
}

func TestProviderRefreshTokenIsSealedAndRevoked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.google.setProfile(provider.Profile{Subject: "g-9", Email: "bo@x.com", EmailVerified: true})

	a, err := h.flows.Begin(ctx, "google", callback)
	require.NoError(t, err)
	pair, err := h.facade.CompleteOAuth(ctx, "google", "code", a.State)
	require.NoError(t, err)

	link, err := h.store.FindLink(ctx, "google", "g-9")
	require.NoError(t, err)
	require.NotEmpty(t, link.SealedRefreshToken)
	require.NotContains(t, string(link.SealedRefreshToken), "google-refresh")

	require.NoError(t, h.facade.Revoke(ctx, link.PrincipalID, "google"))
	require.Equal(t, []string{"google-refresh"}, h.google.revoked)

	link, err = h.store.FindLink(ctx, "google", "g-9")
	require.NoError(t, err)
	require.Empty(t, link.SealedRefreshToken)

	_, err = h.facade.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrRevokedToken)
}

// lateLinks runs onMiss once, right after the first link lookup misses.
type lateLinks struct {
	auth.LinkStore
	once   sync.Once
	onMiss func()
}

func (l *lateLinks) FindLink(ctx context.Context, providerName, subject string) (auth.ProviderLink, error) {
	link, err := l.LinkStore.FindLink(ctx, providerName, subject)
	if errors.Is(err, auth.ErrNotFound) {
		l.once.Do(l.onMiss)
	}
	return link, err
}

// lateIdentities runs onMiss once, right after the first e-mail lookup misses.
type lateIdentities struct {
	auth.IdentityStore
	once   sync.Once
	onMiss func()
}

func (l *lateIdentities) FindByEmail(ctx context.Context, email string) (auth.Principal, error) {
	p, err := l.IdentityStore.FindByEmail(ctx, email)
	if errors.Is(err, auth.ErrNotFound) {
		l.once.Do(l.onMiss)
	}
	return p, err
}

func TestFirstLoginRaceResolvesToWinner(t *testing.T) {
	cases := []struct {
		name  string
		build func(h *harness, winner func()) (auth.IdentityStore, auth.LinkStore)
	}{
		{
			name: "winner links before e-mail lookup",
			build: func(h *harness, winner func()) (auth.IdentityStore, auth.LinkStore) {
				return h.store, &lateLinks{LinkStore: h.store, onMiss: winner}
			},
		},
		{
			name: "winner creates the principal first",
			build: func(h *harness, winner func()) (auth.IdentityStore, auth.LinkStore) {
				return &lateIdentities{IdentityStore: h.store, onMiss: winner}, h.store
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.google.setProfile(provider.Profile{Subject: "g-race", Email: "ada@x.com", EmailVerified: true})

			var winnerID int64
			winner := func() {
				p, err := h.store.Create(ctx, auth.PrincipalFields{Email: "ada@x.com", Handle: "ada", Active: true})
				require.NoError(t, err)
				_, err = h.store.CreateLink(ctx, auth.ProviderLink{PrincipalID: p.ID, Provider: "google", Subject: "g-race", EmailVerified: true})
				require.NoError(t, err)
				winnerID = p.ID
			}
			identities, links := tc.build(h, winner)

			b := provider.NewBuilder()
			require.NoError(t, b.Register("google", h.google))
			flows, err := auth.NewFlowCoordinator(b.Build(), h.store, identities, links, h.store,
				auth.WithSealer(h.sealer), auth.WithFlowClock(h.clock.Now))
			require.NoError(t, err)

			a, err := flows.Begin(ctx, "google", callback)
			require.NoError(t, err)
			p, err := flows.Complete(ctx, "google", "code", a.State)
			require.NoError(t, err)
			require.NotZero(t, winnerID)
			require.Equal(t, winnerID, p.ID)

			link, err := h.store.FindLink(ctx, "google", "g-race")
			require.NoError(t, err)
			require.Equal(t, winnerID, link.PrincipalID)
			require.NotEmpty(t, link.SealedRefreshToken)
		})
	}
}
