package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var (
	testSecretA = []byte("0123456789abcdef0123456789abcdef")
	testSecretB = []byte("fedcba9876543210fedcba9876543210")
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestCodec(t *testing.T, now time.Time, keys ...SigningKey) *Codec {
	t.Helper()
	if len(keys) == 0 {
		keys = []SigningKey{{ID: "k1", Secret: testSecretA}}
	}
	c, err := NewCodec(CodecConfig{Keys: keys, Issuer: "authcore", Audience: "api", Clock: fixedClock(now)})
	require.NoError(t, err)
	return c
}

func sampleClaims(now time.Time) Claims {
	return Claims{
		Subject:     "42",
		Issuer:      "authcore",
		Audience:    []string{"api"},
		IssuedAt:    now,
		NotBefore:   now,
		ExpiresAt:   now.Add(30 * time.Minute),
		ID:          "3f1c2d9e-7c1a-4c55-8c55-0a1b2c3d4e5f",
		TokenType:   TokenTypeAccess,
		Provider:    ProviderLocal,
		Roles:       []string{"admin", "user"},
		Permissions: []string{"auth.roles.manage", "ledger.transfer"},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	now := time.Unix(1_760_000_000, 0).UTC()
	c := newTestCodec(t, now)

	claims := sampleClaims(now)
	token, err := c.Encode(claims)
	require.NoError(t, err)

	decoded, err := c.Decode(token)
	require.NoError(t, err)
	require.Equal(t, claims, decoded)
}

func TestCodecWireFormat(t *testing.T) {
	now := time.Unix(1_760_000_000, 0).UTC()
	c := newTestCodec(t, now)
	token, err := c.Encode(sampleClaims(now))
	require.NoError(t, err)

	raw := jwt.MapClaims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, raw)
	require.NoError(t, err)
	require.Equal(t, "k1", parsed.Header["kid"])
	require.Equal(t, "HS256", parsed.Header["alg"])
	for _, key := range []string{"sub", "iss", "aud", "iat", "exp", "nbf", "jti", "token_type", "provider", "roles", "permissions"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("claim %q missing from token payload", key)
		}
	}
}

func TestCodecDecodeErrors(t *testing.T) {
	now := time.Unix(1_760_000_000, 0).UTC()
	c := newTestCodec(t, now)

	valid, err := c.Encode(sampleClaims(now))
	require.NoError(t, err)

	expiredClaims := sampleClaims(now.Add(-time.Hour))
	expired, err := c.Encode(expiredClaims)
	require.NoError(t, err)

	atExpiry := sampleClaims(now.Add(-30 * time.Minute))
	boundary, err := c.Encode(atExpiry)
	require.NoError(t, err)

	wrongIssuer := sampleClaims(now)
	wrongIssuer.Issuer = "someone-else"
	badIss, err := c.Encode(wrongIssuer)
	require.NoError(t, err)

	wrongAudience := sampleClaims(now)
	wrongAudience.Audience = []string{"other"}
	badAud, err := c.Encode(wrongAudience)
	require.NoError(t, err)

	early := sampleClaims(now)
	early.NotBefore = now.Add(time.Minute)
	notYet, err := c.Encode(early)
	require.NoError(t, err)

	other := newTestCodec(t, now, SigningKey{ID: "k1", Secret: testSecretB})
	forged, err := other.Encode(sampleClaims(now))
	require.NoError(t, err)

	parts := strings.Split(valid, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMalformedToken},
		{"garbage", "not-a-token", ErrMalformedToken},
		{"expired", expired, ErrExpiredToken},
		{"now equals expiry", boundary, ErrExpiredToken},
		{"issuer mismatch", badIss, ErrClaimMismatch},
		{"audience mismatch", badAud, ErrClaimMismatch},
		{"not yet valid", notYet, ErrClaimMismatch},
		{"foreign key", forged, ErrInvalidSignature},
		{"tampered signature", tampered, ErrInvalidSignature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Decode(tc.token)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCodecRejectsOtherAlgorithms(t *testing.T) {
	now := time.Unix(1_760_000_000, 0).UTC()
	c := newTestCodec(t, now)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "42",
		Issuer:    "authcore",
		Audience:  jwt.ClaimStrings{"api"},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(testSecretA)
	require.NoError(t, err)

	_, err = c.Decode(signed)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestCodecKeyRotationGraceWindow(t *testing.T) {
	now := time.Unix(1_760_000_000, 0).UTC()
	oldCodec := newTestCodec(t, now, SigningKey{ID: "2024", Secret: testSecretA})
	issuedBefore, err := oldCodec.Encode(sampleClaims(now))
	require.NoError(t, err)

	rotated := newTestCodec(t, now,
		SigningKey{ID: "2025", Secret: testSecretB},
		SigningKey{ID: "2024", Secret: testSecretA},
	)
	_, err = rotated.Decode(issuedBefore)
	require.NoError(t, err)

	issuedAfter, err := rotated.Encode(sampleClaims(now))
	require.NoError(t, err)
	parsed, _, err := jwt.NewParser().ParseUnverified(issuedAfter, jwt.MapClaims{})
	require.NoError(t, err)
	require.Equal(t, "2025", parsed.Header["kid"])

	// Tokens whose kid was dropped from configuration still verify against any key.
	unnamed := newTestCodec(t, now, SigningKey{ID: "legacy", Secret: testSecretB})
	legacy, err := unnamed.Encode(sampleClaims(now))
	require.NoError(t, err)
	_, err = rotated.Decode(legacy)
	require.NoError(t, err)

	retired := newTestCodec(t, now, SigningKey{ID: "2025", Secret: testSecretB})
	_, err = retired.Decode(issuedBefore)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestNewCodecValidatesKeys(t *testing.T) {
	_, err := NewCodec(CodecConfig{})
	require.Error(t, err)

	_, err = NewCodec(CodecConfig{Keys: []SigningKey{{ID: "short", Secret: []byte("tiny")}}})
	require.Error(t, err)

	_, err = NewCodec(CodecConfig{Keys: []SigningKey{
		{ID: "dup", Secret: testSecretA},
		{ID: "dup", Secret: testSecretB},
	}})
	require.Error(t, err)
}
