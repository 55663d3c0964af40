package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 1 << 20
)

// ProfileDecoder turns a userinfo response body into a Profile.
type ProfileDecoder func(body []byte) (Profile, error)

// Config describes an OAuth2 authorization server.
type Config struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	// EmailsURL is consulted when the userinfo response has no verified e-mail.
	EmailsURL string
	RevokeURL string
	Scopes    []string
	// AuthParams are appended to every authorization URL.
	AuthParams map[string]string
	AuthStyle  oauth2.AuthStyle
	Timeout    time.Duration
	HTTPClient *http.Client
	Decode     ProfileDecoder
}

// OAuth2Adapter talks to a provider through golang.org/x/oauth2.
type OAuth2Adapter struct {
	cfg    Config
	client *http.Client
}

func NewOAuth2(cfg Config) (*OAuth2Adapter, error) {
	cfg.Name = Normalize(cfg.Name)
	switch {
	case cfg.Name == "":
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	case strings.TrimSpace(cfg.ClientID) == "":
		return nil, fmt.Errorf("%w: %s: client id is required", ErrInvalid, cfg.Name)
	case cfg.AuthURL == "" || cfg.TokenURL == "":
		return nil, fmt.Errorf("%w: %s: auth and token urls are required", ErrInvalid, cfg.Name)
	case cfg.UserInfoURL == "":
		return nil, fmt.Errorf("%w: %s: userinfo url is required", ErrInvalid, cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Decode == nil {
		cfg.Decode = DecodeOIDC
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &OAuth2Adapter{cfg: cfg, client: client}, nil
}

func (a *OAuth2Adapter) Name() string { return a.cfg.Name }

func (a *OAuth2Adapter) oauthConfig(redirectURI string, scopes []string) *oauth2.Config {
	if len(scopes) == 0 {
		scopes = a.cfg.Scopes
	}
	return &oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   a.cfg.AuthURL,
			TokenURL:  a.cfg.TokenURL,
			AuthStyle: a.cfg.AuthStyle,
		},
		RedirectURL: redirectURI,
		Scopes:      scopes,
	}
}

// AuthorizationURL builds the consent URL with an S256 code challenge.
func (a *OAuth2Adapter) AuthorizationURL(redirectURI, state, codeChallenge string, scopes []string) (string, error) {
	if state == "" || codeChallenge == "" {
		return "", fmt.Errorf("%w: %s: state and code challenge are required", ErrInvalid, a.cfg.Name)
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	for k, v := range a.cfg.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return a.oauthConfig(redirectURI, scopes).AuthCodeURL(state, opts...), nil
}

func (a *OAuth2Adapter) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (Tokens, error) {
	if strings.TrimSpace(code) == "" {
		return Tokens{}, fmt.Errorf("%w: %s: authorization code is empty", ErrExchange, a.cfg.Name)
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)

	tok, err := a.oauthConfig(redirectURI, nil).Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode != "" {
			return Tokens{}, fmt.Errorf("%w: %s: token endpoint returned %s", ErrExchange, a.cfg.Name, re.ErrorCode)
		}
		return Tokens{}, fmt.Errorf("%w: %s: exchange code: %v", ErrExchange, a.cfg.Name, err)
	}
	if tok.AccessToken == "" {
		return Tokens{}, fmt.Errorf("%w: %s: token response has no access token", ErrExchange, a.cfg.Name)
	}
	idToken, _ := tok.Extra("id_token").(string)
	return Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      idToken,
		Expiry:       tok.Expiry,
	}, nil
}

func (a *OAuth2Adapter) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	body, err := a.getJSON(ctx, a.cfg.UserInfoURL, accessToken)
	if err != nil {
		return Profile{}, err
	}
	profile, err := a.cfg.Decode(body)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %s: decode profile: %v", ErrExchange, a.cfg.Name, err)
	}
	if profile.Subject == "" {
		return Profile{}, fmt.Errorf("%w: %s: profile has no subject", ErrExchange, a.cfg.Name)
	}
	if a.cfg.EmailsURL != "" && (profile.Email == "" || !profile.EmailVerified) {
		body, err := a.getJSON(ctx, a.cfg.EmailsURL, accessToken)
		if err != nil {
			return Profile{}, err
		}
		email, verified, err := primaryEmail(body)
		if err != nil {
			return Profile{}, fmt.Errorf("%w: %s: decode emails: %v", ErrExchange, a.cfg.Name, err)
		}
		if email != "" {
			profile.Email, profile.EmailVerified = email, verified
		}
	}
	profile.Email = strings.ToLower(strings.TrimSpace(profile.Email))
	return profile, nil
}

func (a *OAuth2Adapter) Revoke(ctx context.Context, token string) (bool, error) {
	if a.cfg.RevokeURL == "" {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("%w: %s: build revoke request: %v", ErrExchange, a.cfg.Name, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if a.cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(a.cfg.ClientID), url.QueryEscape(a.cfg.ClientSecret))
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %s: revoke: %v", ErrExchange, a.cfg.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: %s: revoke returned %d", ErrExchange, a.cfg.Name, resp.StatusCode)
	}
	return true, nil
}

func (a *OAuth2Adapter) getJSON(ctx context.Context, endpoint, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: build request: %v", ErrExchange, a.cfg.Name, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExchange, a.cfg.Name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read response: %v", ErrExchange, a.cfg.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: %s returned %d", ErrExchange, a.cfg.Name, endpoint, resp.StatusCode)
	}
	return body, nil
}

func primaryEmail(body []byte) (string, bool, error) {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.Unmarshal(body, &emails); err != nil {
		return "", false, err
	}
	for _, e := range emails {
		if e.Primary {
			return e.Email, e.Verified, nil
		}
	}
	return "", false, nil
}
