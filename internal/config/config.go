// Package config loads service configuration from AUTHCORE_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"qazna.org/authcore/internal/auth"
)

const Prefix = "AUTHCORE_"

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	NodeID   int64  `env:"NODE_ID" envDefault:"1"`

	PGDSN         string `env:"PG_DSN"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"authcore:"`

	Issuer      string        `env:"ISSUER" envDefault:"authcore"`
	Audience    string        `env:"AUDIENCE" envDefault:"authcore"`
	SigningKeys string        `env:"SIGNING_KEYS,required"`
	SealKey     string        `env:"SEAL_KEY"`
	AccessTTL   time.Duration `env:"ACCESS_TTL" envDefault:"30m"`
	RefreshTTL  time.Duration `env:"REFRESH_TTL" envDefault:"336h"`
	PKCETTL     time.Duration `env:"PKCE_TTL" envDefault:"10m"`
	MaxAttempts int           `env:"LOGIN_MAX_ATTEMPTS" envDefault:"3"`
	LoginWindow time.Duration `env:"LOGIN_WINDOW" envDefault:"5m"`
	BcryptCost  int           `env:"BCRYPT_COST" envDefault:"12"`

	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	Google          OAuthClient   `envPrefix:"GOOGLE_"`
	GitHub          OAuthClient   `envPrefix:"GITHUB_"`
	Microsoft       OAuthClient   `envPrefix:"MICROSOFT_"`
	MicrosoftTenant string        `env:"MICROSOFT_TENANT"`
	OIDC            OIDCProvider  `envPrefix:"OIDC_"`

	RateLimitRPS   float64  `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int      `env:"RATE_LIMIT_BURST" envDefault:"20"`
	MaxBodyBytes   int64    `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	CORSOrigins    []string `env:"CORS_ORIGINS" envSeparator:","`

	AdminEmail    string `env:"ADMIN_EMAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
}

type OAuthClient struct {
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	Scopes       []string `env:"SCOPES" envSeparator:","`
}

func (c OAuthClient) Enabled() bool { return c.ClientID != "" }

type OIDCProvider struct {
	OAuthClient
	Name        string `env:"NAME" envDefault:"oidc"`
	AuthURL     string `env:"AUTH_URL"`
	TokenURL    string `env:"TOKEN_URL"`
	UserInfoURL string `env:"USERINFO_URL"`
	RevokeURL   string `env:"REVOKE_URL"`
}

// Load reads .env when present and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return parse(env.Options{Prefix: Prefix})
}

// FromMap parses configuration from an explicit environment.
func FromMap(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if _, err := cfg.Keys(); err != nil {
		return Config{}, err
	}
	if _, err := cfg.SealingKey(); err != nil {
		return Config{}, err
	}
	if cfg.MaxAttempts < 2 {
		return Config{}, errors.New("LOGIN_MAX_ATTEMPTS must be at least 2")
	}
	return cfg, nil
}

// Keys decodes SIGNING_KEYS, a comma separated list of kid:base64secret
// pairs. The first key signs new tokens.
func (c Config) Keys() ([]auth.SigningKey, error) {
	var keys []auth.SigningKey
	for _, part := range strings.Split(c.SigningKeys, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kid, encoded, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(kid) == "" {
			return nil, fmt.Errorf("signing key %q: expected kid:base64secret", kid)
		}
		secret, err := decodeKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("signing key %q: %w", kid, err)
		}
		keys = append(keys, auth.SigningKey{ID: strings.TrimSpace(kid), Secret: secret})
	}
	if len(keys) == 0 {
		return nil, errors.New("at least one signing key is required")
	}
	return keys, nil
}

// SealingKey returns the 32-byte key protecting provider refresh tokens,
// or nil when sealing is not configured.
func (c Config) SealingKey() ([]byte, error) {
	if strings.TrimSpace(c.SealKey) == "" {
		return nil, nil
	}
	key, err := decodeKey(c.SealKey)
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("seal key: need 32 bytes, got %d", len(key))
	}
	return key, nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("invalid base64")
}
