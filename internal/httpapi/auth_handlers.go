package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"qazna.org/authcore/internal/auth"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Handle   string `json:"handle"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type revokeRequest struct {
	Provider string `json:"provider"`
}

type changePasswordRequest struct {
	Current string `json:"current_password"`
	New     string `json:"new_password"`
}

type introspectResponse struct {
	Active      bool      `json:"active"`
	PrincipalID string    `json:"principal_id"`
	Provider    string    `json:"provider"`
	TokenID     string    `json:"jti"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	IssuedAt    time.Time `json:"iat"`
	ExpiresAt   time.Time `json:"exp"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error(), "invalid_input")
		return
	}
	pair, err := a.facade.Login(r.Context(), req.Identifier, req.Password)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error(), "invalid_input")
		return
	}
	p, err := a.facade.Register(r.Context(), req.Email, req.Handle, req.Password)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/principals/"+strconv.FormatInt(p.ID, 10))
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error(), "invalid_input")
		return
	}
	pair, err := a.facade.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleRevoke ends every session of the caller, optionally limited to the
// tokens obtained through one provider. An empty body revokes everything.
func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	access, _ := auth.AccessFromContext(r.Context())
	var req revokeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error(), "invalid_input")
			return
		}
	}
	if err := a.facade.Revoke(r.Context(), access.PrincipalID, req.Provider); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	access, _ := auth.AccessFromContext(r.Context())
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error(), "invalid_input")
		return
	}
	if err := a.facade.ChangePassword(r.Context(), access.PrincipalID, req.Current, req.New); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	view, err := a.facade.Validate(r.Context(), token)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, introspectResponse{
		Active:      true,
		PrincipalID: view.Subject,
		Provider:    view.Provider,
		TokenID:     view.TokenID,
		Roles:       view.Roles,
		Permissions: view.Permissions,
		IssuedAt:    view.IssuedAt,
		ExpiresAt:   view.ExpiresAt,
	})
}

func (a *API) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	redirect := r.URL.Query().Get("redirect_uri")
	authz, err := a.facade.BeginOAuth(r.Context(), r.PathValue("provider"), redirect)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if r.URL.Query().Get("mode") == "redirect" {
		http.Redirect(w, r, authz.URL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, authz)
}

func (a *API) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, r, http.StatusBadRequest, "provider returned "+e, "provider_denied")
		return
	}
	pair, err := a.facade.CompleteOAuth(r.Context(), r.PathValue("provider"), q.Get("code"), q.Get("state"))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}
