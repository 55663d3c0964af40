package config

import (
	"fmt"

	"qazna.org/authcore/internal/auth/provider"
)

// Providers registers every provider that has a client id configured.
func (c Config) Providers() (*provider.Registry, error) {
	b := provider.NewBuilder()
	creds := func(oc OAuthClient) provider.Credentials {
		return provider.Credentials{
			ClientID:     oc.ClientID,
			ClientSecret: oc.ClientSecret,
			Scopes:       oc.Scopes,
			Timeout:      c.ProviderTimeout,
		}
	}

	var adapters []*provider.OAuth2Adapter
	if c.Google.Enabled() {
		a, err := provider.Google(creds(c.Google))
		if err != nil {
			return nil, fmt.Errorf("google: %w", err)
		}
		adapters = append(adapters, a)
	}
	if c.GitHub.Enabled() {
		a, err := provider.GitHub(creds(c.GitHub))
		if err != nil {
			return nil, fmt.Errorf("github: %w", err)
		}
		adapters = append(adapters, a)
	}
	if c.Microsoft.Enabled() {
		a, err := provider.Microsoft(creds(c.Microsoft), c.MicrosoftTenant)
		if err != nil {
			return nil, fmt.Errorf("microsoft: %w", err)
		}
		adapters = append(adapters, a)
	}
	if c.OIDC.Enabled() {
		a, err := provider.OIDC(c.OIDC.Name, creds(c.OIDC.OAuthClient), provider.Endpoints{
			AuthURL:     c.OIDC.AuthURL,
			TokenURL:    c.OIDC.TokenURL,
			UserInfoURL: c.OIDC.UserInfoURL,
			RevokeURL:   c.OIDC.RevokeURL,
		})
		if err != nil {
			return nil, fmt.Errorf("oidc: %w", err)
		}
		adapters = append(adapters, a)
	}

	for _, a := range adapters {
		if err := b.Register(a.Name(), a); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}
