package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/auth/provider"
	"qazna.org/authcore/internal/store/memory"
)

const (
	adminEmail    = "root@x.com"
	adminPassword = "root-password-1"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAdapter is an in-process identity provider.
type fakeAdapter struct {
	mu           sync.Mutex
	profile      provider.Profile
	refreshToken string
	exchangeErr  error
	exchanges    int
	verifiers    []string
	revoked      []string
}

func (f *fakeAdapter) AuthorizationURL(redirectURI, state, challenge string, _ []string) (string, error) {
	return "https://idp.example/authorize?state=" + state + "&code_challenge=" + challenge + "&redirect_uri=" + redirectURI, nil
}

func (f *fakeAdapter) ExchangeCode(_ context.Context, code, _ string, verifier string) (provider.Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges++
	f.verifiers = append(f.verifiers, verifier)
	if f.exchangeErr != nil {
		return provider.Tokens{}, f.exchangeErr
	}
	if code == "" {
		return provider.Tokens{}, errors.New("empty code")
	}
	return provider.Tokens{AccessToken: "idp-access", RefreshToken: f.refreshToken}, nil
}

func (f *fakeAdapter) FetchProfile(context.Context, string) (provider.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile, nil
}

func (f *fakeAdapter) Revoke(_ context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, token)
	return true, nil
}

func (f *fakeAdapter) setProfile(p provider.Profile) {
	f.mu.Lock()
	f.profile = p
	f.mu.Unlock()
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []auth.AuditEvent
}

func (r *recordingAuditor) Record(_ context.Context, ev auth.AuditEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingAuditor) all() []auth.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]auth.AuditEvent(nil), r.events...)
}

type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *recordingMetrics) Inc(operation, outcome, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[operation+"/"+outcome+"/"+reason]++
}

func (m *recordingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

type harness struct {
	clock   *testClock
	store   *memory.Store
	hasher  *auth.PasswordHasher
	codec   *auth.Codec
	sealer  *auth.Sealer
	google  *fakeAdapter
	github  *fakeAdapter
	creds   *auth.CredentialAuthenticator
	flows   *auth.FlowCoordinator
	tokens  *auth.TokenManager
	guard   *auth.Guard
	facade  *auth.Facade
	audit   *recordingAuditor
	metrics *recordingMetrics
	admin   auth.Principal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		clock:   &testClock{now: time.Now().UTC().Truncate(time.Second)},
		hasher:  auth.NewPasswordHasher(bcrypt.MinCost),
		google:  &fakeAdapter{refreshToken: "google-refresh"},
		github:  &fakeAdapter{},
		audit:   &recordingAuditor{},
		metrics: &recordingMetrics{},
	}
	h.store = memory.NewWithClock(h.clock.Now)

	var err error
	h.codec, err = auth.NewCodec(auth.CodecConfig{
		Keys:     []auth.SigningKey{{ID: "test", Secret: []byte("0123456789abcdef0123456789abcdef")}},
		Issuer:   "authcore",
		Audience: "api",
		Clock:    h.clock.Now,
	})
	require.NoError(t, err)
	h.sealer, err = auth.NewSealer([]byte("abcdefghijklmnopqrstuvwxyz012345"))
	require.NoError(t, err)

	b := provider.NewBuilder()
	require.NoError(t, b.Register("google", h.google))
	require.NoError(t, b.Register("github", h.github))
	registry := b.Build()

	h.creds, err = auth.NewCredentialAuthenticator(h.store, h.store, h.hasher)
	require.NoError(t, err)
	h.flows, err = auth.NewFlowCoordinator(registry, h.store, h.store, h.store, h.store,
		auth.WithSealer(h.sealer),
		auth.WithFlowClock(h.clock.Now),
	)
	require.NoError(t, err)
	h.tokens, err = auth.NewTokenManager(h.codec, h.store, h.store,
		auth.WithTokenClock(h.clock.Now),
		auth.WithProviderRevocation(h.store, registry, h.sealer),
	)
	require.NoError(t, err)
	h.guard, err = auth.NewGuard(h.store, h.store)
	require.NoError(t, err)
	h.facade, err = auth.NewFacade(auth.Components{
		Credentials: h.creds,
		Flows:       h.flows,
		Tokens:      h.tokens,
		Guard:       h.guard,
		Identities:  h.store,
		Roles:       h.store,
		Hasher:      h.hasher,
	}, auth.WithAuditor(h.audit), auth.WithMetrics(h.metrics))
	require.NoError(t, err)

	require.NoError(t, auth.Bootstrap(ctx, h.store, h.store, h.hasher, auth.AdminSeed{Email: adminEmail, Password: adminPassword}))
	h.admin, err = h.store.FindByEmail(ctx, adminEmail)
	require.NoError(t, err)
	return h
}

func (h *harness) register(t *testing.T, email, password string) auth.Principal {
	t.Helper()
	p, err := h.facade.Register(context.Background(), email, "", password)
	require.NoError(t, err)
	return p
}

func (h *harness) adminAccess(t *testing.T) auth.Access {
	t.Helper()
	a, err := h.guard.Resolve(context.Background(), h.admin.ID)
	require.NoError(t, err)
	return a
}
