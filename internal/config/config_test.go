package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func secret(n int, b byte) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat(string(b), n)))
}

func baseEnv() map[string]string {
	return map[string]string{
		"AUTHCORE_SIGNING_KEYS": "k2:" + secret(32, 'a') + ", k1:" + secret(40, 'b'),
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := FromMap(baseEnv())
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, "authcore", cfg.Audience)
	require.Equal(t, 30*time.Minute, cfg.AccessTTL)
	require.Equal(t, 14*24*time.Hour, cfg.RefreshTTL)
	require.Equal(t, 10*time.Minute, cfg.PKCETTL)
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 12, cfg.BcryptCost)
	require.Equal(t, 10*time.Second, cfg.ProviderTimeout)

	keys, err := cfg.Keys()
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, "k2", keys[0].ID, "first key signs")
	require.Len(t, keys[1].Secret, 40)

	seal, err := cfg.SealingKey()
	require.NoError(t, err)
	require.Nil(t, seal)
}

func TestSigningKeysRequired(t *testing.T) {
	_, err := FromMap(map[string]string{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse env")
}

func TestInvalidKeys(t *testing.T) {
	cases := map[string]map[string]string{
		"missing kid":  {"AUTHCORE_SIGNING_KEYS": secret(32, 'a')},
		"bad base64":   {"AUTHCORE_SIGNING_KEYS": "k1:***"},
		"short seal":   {"AUTHCORE_SIGNING_KEYS": "k1:" + secret(32, 'a'), "AUTHCORE_SEAL_KEY": secret(16, 'c')},
		"low attempts": {"AUTHCORE_SIGNING_KEYS": "k1:" + secret(32, 'a'), "AUTHCORE_LOGIN_MAX_ATTEMPTS": "1"},
		"bad duration": {"AUTHCORE_SIGNING_KEYS": "k1:" + secret(32, 'a'), "AUTHCORE_ACCESS_TTL": "soon"},
		"only commas":  {"AUTHCORE_SIGNING_KEYS": " , "},
	}
	for name, environ := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromMap(environ)
			require.Error(t, err)
		})
	}
}

func TestProvidersFromConfig(t *testing.T) {
	environ := baseEnv()
	environ["AUTHCORE_SEAL_KEY"] = secret(32, 'z')
	environ["AUTHCORE_GOOGLE_CLIENT_ID"] = "g-id"
	environ["AUTHCORE_GOOGLE_CLIENT_SECRET"] = "g-secret"
	environ["AUTHCORE_GITHUB_CLIENT_ID"] = "gh-id"
	environ["AUTHCORE_OIDC_CLIENT_ID"] = "o-id"
	environ["AUTHCORE_OIDC_NAME"] = "Keycloak"
	environ["AUTHCORE_OIDC_AUTH_URL"] = "https://sso.example.com/auth"
	environ["AUTHCORE_OIDC_TOKEN_URL"] = "https://sso.example.com/token"
	environ["AUTHCORE_OIDC_USERINFO_URL"] = "https://sso.example.com/userinfo"

	cfg, err := FromMap(environ)
	require.NoError(t, err)
	require.Equal(t, "o-id", cfg.OIDC.ClientID)

	seal, err := cfg.SealingKey()
	require.NoError(t, err)
	require.Len(t, seal, 32)

	reg, err := cfg.Providers()
	require.NoError(t, err)
	require.Equal(t, []string{"github", "google", "keycloak"}, reg.Names())
}

func TestProvidersRejectIncompleteOIDC(t *testing.T) {
	environ := baseEnv()
	environ["AUTHCORE_OIDC_CLIENT_ID"] = "o-id"

	cfg, err := FromMap(environ)
	require.NoError(t, err)
	_, err = cfg.Providers()
	require.Error(t, err)
}
