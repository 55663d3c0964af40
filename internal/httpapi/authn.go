package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"qazna.org/authcore/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/register",
	"/v1/auth/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
}
var publicPrefixes = []string{
	"/v1/oauth/",
}

var errMissingToken = errors.New("missing bearer token")

// withAuth validates the bearer token on protected paths and attaches the
// embedded access snapshot to the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err.Error(), "missing_token")
			return
		}

		view, err := a.facade.Validate(r.Context(), token)
		if err != nil {
			if auth.Classify(err) == auth.FaultClient {
				unauthorized(w, r, "invalid token", auth.Reason(err))
				return
			}
			writeAuthError(w, r, err)
			return
		}

		ctx := auth.ContextWithAccess(r.Context(), view.Access())
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actor resolves the caller from the store so administrative checks see
// current roles and the superuser flag rather than the token snapshot.
func (a *API) actor(r *http.Request) (auth.Access, error) {
	claimed, ok := auth.AccessFromContext(r.Context())
	if !ok {
		return auth.Access{}, auth.ErrInvalidCredentials
	}
	return a.facade.Guard().Resolve(r.Context(), claimed.PrincipalID)
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg, reason string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	writeError(w, r, http.StatusUnauthorized, msg, reason)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
