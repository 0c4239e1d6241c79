package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"leasehold.org/internal/rbac"
)

type authorizeRequest struct {
	Permission string            `json:"permission"`
	Target     *rbac.TargetScope `json:"target,omitempty"`
}

// authorizeResponse deliberately omits the decision reason.
type authorizeResponse struct {
	Allow          bool   `json:"allow"`
	Permission     string `json:"permission"`
	FilterRequired bool   `json:"filter_required,omitempty"`
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	var req authorizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := rbac.ParsePermission(req.Permission)
	if err != nil {
		handleError(w, r, err)
		return
	}
	d, err := a.authz.Authorize(r.Context(), requestCache(r.Context()), actor, perm, req.Target)
	if err != nil {
		if errors.Is(err, rbac.ErrUnknownPermission) || errors.Is(err, rbac.ErrInvalidInput) {
			handleError(w, r, err)
			return
		}
		// Evaluation failed closed; report the denial, not the failure.
		writeJSON(w, http.StatusOK, authorizeResponse{Allow: false, Permission: perm.Key()})
		return
	}
	writeJSON(w, http.StatusOK, authorizeResponse{Allow: d.Allow, Permission: perm.Key(), FilterRequired: d.FilterRequired})
}

func (a *API) handleScopes(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	scopes, err := a.authz.EffectiveScopes(r.Context(), requestCache(r.Context()), actor)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actor_id": actor.ID, "scopes": scopes})
}

type scopeFilterResponse struct {
	ResourceType   string `json:"resource_type"`
	Where          string `json:"where"`
	Args           []any  `json:"args"`
	MatchesNothing bool   `json:"matches_nothing"`
}

// handleScopeFilter renders the WHERE fragment a data service must add to
// list queries over resource_type for the calling actor.
func (a *API) handleScopeFilter(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	rt := strings.TrimSpace(r.URL.Query().Get("resource_type"))
	if rt == "" {
		writeError(w, r, http.StatusBadRequest, "resource_type is required")
		return
	}
	q, err := a.authz.FilterByScope(r.Context(), requestCache(r.Context()), rbac.NewQuery(rt), actor, rt)
	if err != nil {
		handleError(w, r, err)
		return
	}
	where, args, err := q.SQL(1)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if args == nil {
		args = []any{}
	}
	writeJSON(w, http.StatusOK, scopeFilterResponse{ResourceType: rt, Where: where, Args: args, MatchesNothing: q.MatchesNothing()})
}
