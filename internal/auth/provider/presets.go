package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Credentials are the client settings shared by every preset.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

func Google(c Credentials) (*OAuth2Adapter, error) {
	return NewOAuth2(Config{
		Name:         "google",
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		UserInfoURL:  "https://openidconnect.googleapis.com/v1/userinfo",
		RevokeURL:    "https://oauth2.googleapis.com/revoke",
		Scopes:       scopesOr(c.Scopes, "openid", "email", "profile"),
		AuthParams:   map[string]string{"access_type": "offline"},
		AuthStyle:    oauth2.AuthStyleInParams,
		Timeout:      c.Timeout,
		HTTPClient:   c.HTTPClient,
		Decode:       DecodeOIDC,
	})
}

func GitHub(c Credentials) (*OAuth2Adapter, error) {
	return NewOAuth2(Config{
		Name:         "github",
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		AuthURL:      "https://github.com/login/oauth/authorize",
		TokenURL:     "https://github.com/login/oauth/access_token",
		UserInfoURL:  "https://api.github.com/user",
		EmailsURL:    "https://api.github.com/user/emails",
		Scopes:       scopesOr(c.Scopes, "read:user", "user:email"),
		AuthStyle:    oauth2.AuthStyleInParams,
		Timeout:      c.Timeout,
		HTTPClient:   c.HTTPClient,
		Decode:       DecodeGitHub,
	})
}

// Microsoft targets the common endpoint unless a tenant is given.
func Microsoft(c Credentials, tenant string) (*OAuth2Adapter, error) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		tenant = "common"
	}
	base := "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0"
	return NewOAuth2(Config{
		Name:         "microsoft",
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		AuthURL:      base + "/authorize",
		TokenURL:     base + "/token",
		UserInfoURL:  "https://graph.microsoft.com/oidc/userinfo",
		Scopes:       scopesOr(c.Scopes, "openid", "email", "profile", "offline_access"),
		Timeout:      c.Timeout,
		HTTPClient:   c.HTTPClient,
		Decode:       DecodeOIDC,
	})
}

// Endpoints locate a generic OpenID Connect provider.
type Endpoints struct {
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	RevokeURL   string
}

func OIDC(name string, c Credentials, e Endpoints) (*OAuth2Adapter, error) {
	return NewOAuth2(Config{
		Name:         name,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		AuthURL:      e.AuthURL,
		TokenURL:     e.TokenURL,
		UserInfoURL:  e.UserInfoURL,
		RevokeURL:    e.RevokeURL,
		Scopes:       scopesOr(c.Scopes, "openid", "email", "profile"),
		Timeout:      c.Timeout,
		HTTPClient:   c.HTTPClient,
		Decode:       DecodeOIDC,
	})
}

func scopesOr(scopes []string, defaults ...string) []string {
	if len(scopes) > 0 {
		return scopes
	}
	return defaults
}

// DecodeOIDC reads a standard userinfo document. Some providers send
// email_verified as a string.
func DecodeOIDC(body []byte) (Profile, error) {
	var doc struct {
		Sub           string          `json:"sub"`
		Email         string          `json:"email"`
		EmailVerified json.RawMessage `json:"email_verified"`
		Name          string          `json:"name"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return Profile{}, err
	}
	verified, err := flexibleBool(doc.EmailVerified)
	if err != nil {
		return Profile{}, fmt.Errorf("email_verified: %w", err)
	}
	return Profile{
		Subject:       doc.Sub,
		Email:         doc.Email,
		EmailVerified: verified,
		DisplayName:   doc.Name,
	}, nil
}

// DecodeGitHub reads the /user document. The e-mail there is never marked
// verified; the emails endpoint fills that in.
func DecodeGitHub(body []byte) (Profile, error) {
	var doc struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return Profile{}, err
	}
	if doc.ID == 0 {
		return Profile{}, fmt.Errorf("missing id")
	}
	name := doc.Name
	if name == "" {
		name = doc.Login
	}
	return Profile{
		Subject:     strconv.FormatInt(doc.ID, 10),
		Email:       doc.Email,
		DisplayName: name,
	}, nil
}

func flexibleBool(raw json.RawMessage) (bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, err
	}
	return strconv.ParseBool(s)
}
