package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/obs"
)

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tune the HTTP surface. Zero values select defaults.
type Options struct {
	Version        string
	Ready          []Pinger
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
	CORSOrigins    []string
}

// API is the HTTP adapter over the auth facade.
type API struct {
	mux    *http.ServeMux
	facade *auth.Facade
	opts   Options
}

func New(facade *auth.Facade, opts Options) *API {
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 10
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 20
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{
		mux:    http.NewServeMux(),
		facade: facade,
		opts:   opts,
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /v1/auth/revoke", a.handleRevoke)
	a.mux.HandleFunc("POST /v1/auth/password", a.handleChangePassword)
	a.mux.HandleFunc("GET /v1/auth/introspect", a.handleIntrospect)
	a.mux.HandleFunc("GET /v1/oauth/{provider}/start", a.handleOAuthStart)
	a.mux.HandleFunc("GET /v1/oauth/{provider}/callback", a.handleOAuthCallback)

	a.mux.HandleFunc("GET /v1/roles", a.handleListRoles)
	a.mux.HandleFunc("POST /v1/roles", a.handleCreateRole)
	a.mux.HandleFunc("PUT /v1/principals/{id}/roles/{role}", a.handleAssignRole)
	a.mux.HandleFunc("DELETE /v1/principals/{id}/roles/{role}", a.handleDetachRole)
	a.mux.HandleFunc("POST /v1/principals/{id}/active", a.handleSetActive)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found", "not_found")
	})

	return a
}

// Handler returns the fully wrapped handler: request id, logging, hardening,
// throttling, authentication and metrics.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.withAuth(a.mux))
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = RateLimit(h, a.opts.RateLimitBurst, a.opts.RateLimitRPS)
	h = CORS(h, a.opts.CORSOrigins)
	h = SecurityHeaders(h)
	h = Logging(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "authcore",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range a.opts.Ready {
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg, reason string) {
	payload := map[string]any{
		"error": msg,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if rid := RequestIDFromContext(r); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeAuthError maps auth faults onto HTTP status codes.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	reason := auth.Reason(err)
	switch auth.Classify(err) {
	case auth.FaultRateLimited:
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, "too many attempts", reason)
	case auth.FaultConfig:
		writeError(w, r, http.StatusNotFound, err.Error(), reason)
	case auth.FaultUpstream:
		writeError(w, r, http.StatusBadGateway, "identity provider unavailable", reason)
	case auth.FaultForbidden:
		writeError(w, r, http.StatusForbidden, err.Error(), reason)
	case auth.FaultClient:
		switch {
		case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, auth.ErrInvalidState):
			writeError(w, r, http.StatusBadRequest, err.Error(), reason)
		case errors.Is(err, auth.ErrConflict):
			writeError(w, r, http.StatusConflict, err.Error(), reason)
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, err.Error(), reason)
		default:
			unauthorized(w, r, err.Error(), reason)
		}
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error", reason)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func principalIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid principal id")
	}
	return id, nil
}
