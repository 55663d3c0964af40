package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningKey is one HS256 secret. The first configured key signs; all verify.
type SigningKey struct {
	ID     string
	Secret []byte
}

// Claims is the decoded token payload.
type Claims struct {
	Subject     string
	Issuer      string
	Audience    []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	NotBefore   time.Time
	ID          string
	TokenType   string
	Provider    string
	Roles       []string
	Permissions []string
}

type wireClaims struct {
	TokenType   string   `json:"token_type"`
	Provider    string   `json:"provider"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// CodecConfig configures a Codec. It is read once by NewCodec.
type CodecConfig struct {
	Keys     []SigningKey
	Issuer   string
	Audience string
	Clock    func() time.Time
}

// Codec signs and verifies tokens.
type Codec struct {
	keys     []SigningKey
	issuer   string
	audience string
	now      func() time.Time
	parser   *jwt.Parser
}

const minSecretLen = 32

func NewCodec(cfg CodecConfig) (*Codec, error) {
	if len(cfg.Keys) == 0 {
		return nil, errors.New("auth: at least one signing key is required")
	}
	seen := make(map[string]struct{}, len(cfg.Keys))
	keys := make([]SigningKey, 0, len(cfg.Keys))
	for i, k := range cfg.Keys {
		id := strings.TrimSpace(k.ID)
		if id == "" {
			return nil, fmt.Errorf("auth: signing key %d has no id", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("auth: duplicate signing key id %q", id)
		}
		if len(k.Secret) < minSecretLen {
			return nil, fmt.Errorf("auth: signing key %q must be at least %d bytes", id, minSecretLen)
		}
		seen[id] = struct{}{}
		keys = append(keys, SigningKey{ID: id, Secret: append([]byte(nil), k.Secret...)})
	}
	c := &Codec{
		keys:     keys,
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		now:      cfg.Clock,
	}
	if c.now == nil {
		c.now = time.Now
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
		jwt.WithExpirationRequired(),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	if c.audience != "" {
		opts = append(opts, jwt.WithAudience(c.audience))
	}
	c.parser = jwt.NewParser(opts...)
	return c, nil
}

// Issuer returns the configured issuer.
func (c *Codec) Issuer() string { return c.issuer }

// Audience returns the configured audience.
func (c *Codec) Audience() string { return c.audience }

// Encode signs claims with the primary key. Empty issuer and audience take
// the configured values.
func (c *Codec) Encode(claims Claims) (string, error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if claims.ExpiresAt.IsZero() {
		return "", fmt.Errorf("%w: expiry is required", ErrInvalidInput)
	}
	if claims.Issuer == "" {
		claims.Issuer = c.issuer
	}
	if len(claims.Audience) == 0 && c.audience != "" {
		claims.Audience = []string{c.audience}
	}
	wc := wireClaims{
		TokenType:   claims.TokenType,
		Provider:    claims.Provider,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			Issuer:    claims.Issuer,
			Audience:  jwt.ClaimStrings(claims.Audience),
			IssuedAt:  numericDate(claims.IssuedAt),
			ExpiresAt: numericDate(claims.ExpiresAt),
			NotBefore: numericDate(claims.NotBefore),
			ID:        claims.ID,
		},
	}
	signer := c.keys[0]
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, wc)
	token.Header["kid"] = signer.ID
	signed, err := token.SignedString(signer.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Decode verifies the signature and the time, issuer and audience claims.
func (c *Codec) Decode(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("%w: token is empty", ErrMalformedToken)
	}
	var wc wireClaims
	if _, err := c.parser.ParseWithClaims(token, &wc, c.keyFor); err != nil {
		return Claims{}, mapTokenError(err)
	}
	return Claims{
		Subject:     wc.Subject,
		Issuer:      wc.Issuer,
		Audience:    []string(wc.Audience),
		IssuedAt:    timeOf(wc.IssuedAt),
		ExpiresAt:   timeOf(wc.ExpiresAt),
		NotBefore:   timeOf(wc.NotBefore),
		ID:          wc.ID,
		TokenType:   wc.TokenType,
		Provider:    wc.Provider,
		Roles:       wc.Roles,
		Permissions: wc.Permissions,
	}, nil
}

// keyFor picks the key named by kid, or offers every key when kid is unknown.
func (c *Codec) keyFor(t *jwt.Token) (any, error) {
	if kid, ok := t.Header["kid"].(string); ok {
		for _, k := range c.keys {
			if k.ID == kid {
				return k.Secret, nil
			}
		}
	}
	set := jwt.VerificationKeySet{Keys: make([]jwt.VerificationKey, 0, len(c.keys))}
	for _, k := range c.keys {
		set.Keys = append(set.Keys, k.Secret)
	}
	return set, nil
}

func mapTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpiredToken, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrClaimMismatch, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}

func numericDate(t time.Time) *jwt.NumericDate {
	if t.IsZero() {
		return nil
	}
	return jwt.NewNumericDate(t)
}

func timeOf(d *jwt.NumericDate) time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.Time.UTC()
}
