package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"leasehold.org/internal/approval"
)

type requireApprovalRequest struct {
	Workflow approval.WorkflowType `json:"workflow"`
	Entity   approval.Entity       `json:"entity"`
	Change   approval.Change       `json:"change"`
}

type decisionRequest struct {
	Decision approval.Status `json:"decision"`
}

func (a *API) gateAvailable(w http.ResponseWriter, r *http.Request) bool {
	if a.gate == nil {
		writeError(w, r, http.StatusServiceUnavailable, "approval service unavailable")
		return false
	}
	return true
}

// handleRequireApproval answers 200 when the change may be applied directly
// and 202 when it now awaits a decision.
func (a *API) handleRequireApproval(w http.ResponseWriter, r *http.Request) {
	if !a.gateAvailable(w, r) {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	var req requireApprovalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.gate.RequireApproval(r.Context(), requestCache(r.Context()), req.Workflow, actor, req.Entity, req.Change)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if res.Applied {
		writeJSON(w, http.StatusOK, res)
		return
	}
	w.Header().Set("Location", "/v1/approvals/"+res.Request.ID)
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if !a.gateAvailable(w, r) {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	q := r.URL.Query()
	f := approval.Filter{
		Status:   approval.Status(q.Get("status")),
		Workflow: approval.WorkflowType(q.Get("workflow")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 500 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 0 and 500")
			return
		}
		f.Limit = n
	}
	items, err := a.gate.List(r.Context(), requestCache(r.Context()), actor, f)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	if !a.gateAvailable(w, r) {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	req, err := a.gate.Get(r.Context(), requestCache(r.Context()), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	if !a.gateAvailable(w, r) {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	var body decisionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := a.gate.DecideApproval(r.Context(), requestCache(r.Context()), chi.URLParam(r, "id"), actor, body.Decision)
	if errors.Is(err, approval.ErrApplyFailed) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "request approved but applying the change failed",
			"request": updated,
		})
		return
	}
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
