package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"qazna.org/authcore/internal/audit"
	"qazna.org/authcore/internal/auth"
)

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	actor, err := a.actor(r)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if err := a.facade.Guard().RequirePermissions(actor, auth.PermRolesManage); err != nil {
		writeAuthError(w, r, err)
		return
	}
	roles, err := a.facade.Guard().Roles(r.Context())
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	actor, err := a.actor(r)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error(), "invalid_input")
		return
	}
	role, err := a.facade.Guard().CreateRole(r.Context(), actor, req.Name, req.Description, req.Permissions)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.create", map[string]any{
		"role":        role.Name,
		"permissions": role.Permissions,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.Name))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	a.changeAssignment(w, r, "rbac.role.assign", a.facade.Guard().AssignRole)
}

func (a *API) handleDetachRole(w http.ResponseWriter, r *http.Request) {
	a.changeAssignment(w, r, "rbac.role.detach", a.facade.Guard().DetachRole)
}

type assignmentChange func(ctx context.Context, actor auth.Access, principalID int64, role string) error

func (a *API) changeAssignment(w http.ResponseWriter, r *http.Request, event string, change assignmentChange) {
	actor, err := a.actor(r)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	id, err := principalIDParam(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error(), "invalid_input")
		return
	}
	role := r.PathValue("role")
	if err := change(r.Context(), actor, id, role); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"principal": strconv.FormatInt(id, 10),
		"role":      role,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetActive(w http.ResponseWriter, r *http.Request) {
	actor, err := a.actor(r)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	id, err := principalIDParam(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error(), "invalid_input")
		return
	}
	var req setActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error(), "invalid_input")
		return
	}
	if req.Active == nil {
		writeError(w, r, http.StatusBadRequest, "active is required", "invalid_input")
		return
	}
	if err := a.facade.SetActive(r.Context(), actor, id, *req.Active); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
