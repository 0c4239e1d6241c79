package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"leasehold.org/internal/rbac"
)

type assignRoleRequest struct {
	Role   string           `json:"role"`
	Anchor rbac.ScopeAnchor `json:"anchor"`
}

type overrideRequest struct {
	Permission string           `json:"permission"`
	Effect     rbac.Effect      `json:"effect"`
	Anchor     rbac.ScopeAnchor `json:"anchor"`
}

func (a *API) adminAvailable(w http.ResponseWriter, r *http.Request) bool {
	if a.admin == nil {
		writeError(w, r, http.StatusServiceUnavailable, "administration unavailable")
		return false
	}
	return true
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	if !a.adminAvailable(w, r) {
		return
	}
	admin, _ := ActorFromContext(r.Context())
	items, err := a.admin.ListBindings(r.Context(), requestCache(r.Context()), admin, chi.URLParam(r, "actorID"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	if !a.adminAvailable(w, r) {
		return
	}
	admin, _ := ActorFromContext(r.Context())
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.authz.Catalog().ParseRole(req.Role)
	if err != nil {
		handleError(w, r, err)
		return
	}
	actorID := chi.URLParam(r, "actorID")
	b, err := a.admin.AssignRole(r.Context(), requestCache(r.Context()), admin, actorID, role, req.Anchor)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/actors/"+actorID+"/roles/"+b.ID)
	writeJSON(w, http.StatusCreated, b)
}

func (a *API) handleDeactivateRole(w http.ResponseWriter, r *http.Request) {
	if !a.adminAvailable(w, r) {
		return
	}
	admin, _ := ActorFromContext(r.Context())
	b, err := a.admin.DeactivateRole(r.Context(), requestCache(r.Context()), admin, chi.URLParam(r, "actorID"), chi.URLParam(r, "bindingID"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	if !a.adminAvailable(w, r) {
		return
	}
	admin, _ := ActorFromContext(r.Context())
	items, err := a.admin.ListOverrides(r.Context(), requestCache(r.Context()), admin, chi.URLParam(r, "actorID"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	if !a.adminAvailable(w, r) {
		return
	}
	admin, _ := ActorFromContext(r.Context())
	var req overrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := a.authz.Catalog().Lookup(strings.TrimSpace(req.Permission))
	if err != nil {
		handleError(w, r, err)
		return
	}
	actorID := chi.URLParam(r, "actorID")
	rc := requestCache(r.Context())
	var o rbac.Override
	switch req.Effect {
	case rbac.EffectGrant:
		o, err = a.admin.GrantOverride(r.Context(), rc, admin, actorID, perm, req.Anchor)
	case rbac.EffectDeny:
		o, err = a.admin.DenyOverride(r.Context(), rc, admin, actorID, perm, req.Anchor)
	default:
		writeError(w, r, http.StatusBadRequest, "effect must be grant or deny")
		return
	}
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/actors/"+actorID+"/overrides/"+o.ID)
	writeJSON(w, http.StatusCreated, o)
}

func (a *API) handleRevokeOverride(w http.ResponseWriter, r *http.Request) {
	if !a.adminAvailable(w, r) {
		return
	}
	admin, _ := ActorFromContext(r.Context())
	err := a.admin.RevokeOverride(r.Context(), requestCache(r.Context()), admin, chi.URLParam(r, "actorID"), chi.URLParam(r, "overrideID"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
