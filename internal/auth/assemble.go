package auth

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// Dependencies are the stores and collaborators a Facade is assembled from.
type Dependencies struct {
	Identities IdentityStore
	Links      LinkStore
	Roles      RoleStore
	Refresh    RefreshStore
	KV         KV
	Counters   CounterStore
	Providers  ProviderLookup
}

// Settings carry the tunables read from configuration at startup. Zero
// values select the component defaults.
type Settings struct {
	Keys        []SigningKey
	Issuer      string
	Audience    string
	SealKey     []byte
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	PKCETTL     time.Duration
	MaxAttempts int
	LoginWindow time.Duration
	BcryptCost  int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Assemble builds every component and the Facade over them.
func Assemble(d Dependencies, s Settings, opts ...FacadeOption) (*Facade, error) {
	if d.Identities == nil || d.Links == nil || d.Roles == nil || d.Refresh == nil || d.KV == nil || d.Counters == nil || d.Providers == nil {
		return nil, errors.New("auth: all dependencies are required")
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}

	codec, err := NewCodec(CodecConfig{Keys: s.Keys, Issuer: s.Issuer, Audience: s.Audience, Clock: s.Clock})
	if err != nil {
		return nil, err
	}
	var sealer *Sealer
	if len(s.SealKey) > 0 {
		if sealer, err = NewSealer(s.SealKey); err != nil {
			return nil, err
		}
	}
	hasher := NewPasswordHasher(s.BcryptCost)

	creds, err := NewCredentialAuthenticator(d.Identities, d.Counters, hasher,
		WithMaxAttempts(s.MaxAttempts),
		WithLoginWindow(s.LoginWindow),
	)
	if err != nil {
		return nil, err
	}
	flows, err := NewFlowCoordinator(d.Providers, d.KV, d.Identities, d.Links, d.Roles,
		WithPKCETTL(s.PKCETTL),
		WithSealer(sealer),
		WithFlowClock(s.Clock),
		WithFlowLogger(s.Logger),
	)
	if err != nil {
		return nil, err
	}
	tokens, err := NewTokenManager(codec, d.Refresh, d.Identities,
		WithAccessTTL(s.AccessTTL),
		WithRefreshTTL(s.RefreshTTL),
		WithTokenClock(s.Clock),
		WithProviderRevocation(d.Links, d.Providers, sealer),
	)
	if err != nil {
		return nil, err
	}

	guard, err := NewGuard(d.Roles, d.Identities)
	if err != nil {
		return nil, err
	}

	opts = append([]FacadeOption{WithLogger(s.Logger)}, opts...)
	return NewFacade(Components{
		Credentials: creds,
		Flows:       flows,
		Tokens:      tokens,
		Guard:       guard,
		Identities:  d.Identities,
		Roles:       d.Roles,
		Hasher:      hasher,
	}, opts...)
}
