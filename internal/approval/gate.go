package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"leasehold.org/internal/audit"
	"leasehold.org/internal/ids"
	"leasehold.org/internal/obs"
	"leasehold.org/internal/rbac"
)

// Recorder receives approval lifecycle events. *audit.Logger implements it.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry)
}

// Option configures a Gate.
type Option func(*Gate)

// WithRules replaces the builtin workflow table.
func WithRules(r Rules) Option { return func(g *Gate) { g.rules = r } }

// WithApplier registers the applier invoked when a request of wf is approved.
func WithApplier(wf WorkflowType, a Applier) Option {
	return func(g *Gate) { g.appliers[wf] = a }
}

// WithRecorder sets the audit recorder.
func WithRecorder(r Recorder) Option { return func(g *Gate) { g.recorder = r } }

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

// Gate decides whether a change proceeds immediately or waits for approval.
type Gate struct {
	store    Store
	authz    *rbac.Authorizer
	rules    Rules
	appliers map[WorkflowType]Applier
	recorder Recorder
	now      func() time.Time
}

// NewGate builds a Gate and validates its rule table.
func NewGate(store Store, authz *rbac.Authorizer, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, errors.New("approval store is required")
	}
	if authz == nil {
		return nil, errors.New("authorizer is required")
	}
	g := &Gate{
		store:    store,
		authz:    authz,
		rules:    DefaultRules(),
		appliers: make(map[WorkflowType]Applier),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.rules.Validate(authz.Catalog()); err != nil {
		return nil, err
	}
	return g, nil
}

// Rule returns the rule for wf.
func (g *Gate) Rule(wf WorkflowType) (Rule, error) {
	rule, ok := g.rules[wf]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %q", ErrUnknownWorkflow, wf)
	}
	return rule, nil
}

// RequireApproval applies the workflow rule for actor. The actor must hold
// the workflow's permission over the entity, whose scope is normalized to its
// full hierarchy path. Executors inside their scope and below the threshold
// get Applied=true and no request is stored. Everyone else gets a pending
// request and must not apply the change.
func (g *Gate) RequireApproval(ctx context.Context, rc *rbac.RequestCache, wf WorkflowType, actor rbac.Actor, entity Entity, change Change) (Result, error) {
	rule, err := g.Rule(wf)
	if err != nil {
		return Result{}, err
	}
	entity.ID = strings.TrimSpace(entity.ID)
	if entity.Type == "" {
		entity.Type = rule.EntityType
	}
	if entity.Type != rule.EntityType {
		return Result{}, fmt.Errorf("%w: workflow %s gates %s, not %s", ErrInvalidInput, wf, rule.EntityType, entity.Type)
	}
	if entity.ID == "" || entity.Scope.IsZero() {
		return Result{}, fmt.Errorf("%w: entity id and scope are required", ErrInvalidInput)
	}
	if change.Amount != nil && *change.Amount < 0 {
		return Result{}, fmt.Errorf("%w: negative amount", ErrInvalidInput)
	}

	h, err := g.authz.Hierarchy(ctx)
	if err != nil {
		return Result{}, err
	}
	level, id := entity.Scope.MostSpecific()
	path, err := h.Path(level, id)
	if err != nil {
		return Result{}, fmt.Errorf("%w: entity scope %s %s is not in the hierarchy", ErrInvalidInput, level, id)
	}
	grants, err := g.authz.Grants(ctx, rc, actor)
	if err != nil {
		return Result{}, err
	}
	if !grants.Consistent(entity.Scope) {
		return Result{}, fmt.Errorf("%w: entity scope disagrees with the hierarchy", ErrInvalidInput)
	}
	entity.Scope = path
	if err := g.authz.Require(ctx, rc, actor, rule.Permission, &entity.Scope); err != nil {
		return Result{}, err
	}
	if rule.directExecution(grants, entity.Scope, change) {
		obs.RecordApproval(string(wf), "applied")
		g.record(ctx, actor, "approval.direct", entity, "", nil)
		return Result{Applied: true}, nil
	}

	req, err := g.store.CreatePending(ctx, Request{
		ID:               ids.Prefixed("apr"),
		Workflow:         wf,
		EntityType:       entity.Type,
		EntityID:         entity.ID,
		Scope:            entity.Scope,
		RequestedBy:      actor.ID,
		RequiredApprover: rule.RequiredApprover,
		Status:           StatusPending,
		Change:           change,
		CreatedAt:        g.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			obs.RecordApproval(string(wf), "conflict")
		}
		return Result{}, err
	}
	obs.RecordApproval(string(wf), "pending")
	details := map[string]any{"workflow": string(wf)}
	if len(change.Payload) > 0 {
		details["change"] = change.Payload
	}
	if change.Amount != nil {
		details["amount"] = *change.Amount
	}
	g.record(ctx, actor, "approval.requested", entity, req.ID, details)
	return Result{Applied: false, Request: &req}, nil
}

// DecideApproval moves a pending request to approved or rejected. The
// approver must be someone other than the requester who actively holds the
// workflow's approver role over the entity. Approved changes are handed to
// the workflow's Applier; if that fails the request stays approved and the
// returned error wraps ErrApplyFailed.
func (g *Gate) DecideApproval(ctx context.Context, rc *rbac.RequestCache, id string, approver rbac.Actor, decision Status) (Request, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Request{}, fmt.Errorf("%w: request id is required", ErrInvalidInput)
	}
	if !decision.Terminal() {
		return Request{}, fmt.Errorf("%w: decision must be approved or rejected", ErrInvalidInput)
	}
	req, err := g.store.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusPending {
		return Request{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, req.ID, req.Status)
	}
	if approver.ID == req.RequestedBy {
		return Request{}, fmt.Errorf("%w: requester cannot decide their own request", rbac.ErrForbidden)
	}
	scope := req.Scope
	if err := g.authz.Require(ctx, rc, approver, rbac.PermApprovalDecide, &scope); err != nil {
		return Request{}, err
	}
	grants, err := g.authz.Grants(ctx, rc, approver)
	if err != nil {
		return Request{}, err
	}
	if !grants.RoleCovers(req.RequiredApprover, req.Scope) {
		return Request{}, fmt.Errorf("%w: %s role required", rbac.ErrForbidden, req.RequiredApprover)
	}

	updated, err := g.store.Transition(ctx, req.ID, decision, approver.ID, g.now().UTC())
	if err != nil {
		return Request{}, err
	}
	obs.RecordApproval(string(updated.Workflow), string(decision))
	entity := Entity{Type: updated.EntityType, ID: updated.EntityID, Scope: updated.Scope}
	g.record(ctx, approver, "approval."+string(decision), entity, updated.ID, map[string]any{
		"workflow":     string(updated.Workflow),
		"requested_by": updated.RequestedBy,
	})

	if decision != StatusApproved {
		return updated, nil
	}
	applier, ok := g.appliers[updated.Workflow]
	if !ok {
		obs.Ctx(ctx).Warn().Str("workflow", string(updated.Workflow)).Str("approval_id", updated.ID).Msg("no applier registered for approved change")
		return updated, nil
	}
	if err := applier.Apply(ctx, updated); err != nil {
		obs.RecordApproval(string(updated.Workflow), "apply_failed")
		return updated, fmt.Errorf("%w: %s: %v", ErrApplyFailed, updated.ID, err)
	}
	return updated, nil
}

// Get returns a request if approver can see it: the requester, or anyone
// allowed to read approvals over the entity.
func (g *Gate) Get(ctx context.Context, rc *rbac.RequestCache, actor rbac.Actor, id string) (Request, error) {
	req, err := g.store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return Request{}, err
	}
	if req.RequestedBy == actor.ID {
		return req, nil
	}
	scope := req.Scope
	if err := g.authz.Require(ctx, rc, actor, rbac.PermApprovalRead, &scope); err != nil {
		return Request{}, err
	}
	return req, nil
}

// List returns the requests matching f whose entity lies inside the actor's scopes.
func (g *Gate) List(ctx context.Context, rc *rbac.RequestCache, actor rbac.Actor, f Filter) ([]Request, error) {
	if err := g.authz.Require(ctx, rc, actor, rbac.PermApprovalRead, nil); err != nil {
		return nil, err
	}
	grants, err := g.authz.Grants(ctx, rc, actor)
	if err != nil {
		return nil, err
	}
	all, err := g.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]Request, 0, len(all))
	for _, r := range all {
		if grants.Scopes.Contains(r.Scope) || r.RequestedBy == actor.ID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (g *Gate) record(ctx context.Context, actor rbac.Actor, action string, entity Entity, requestID string, details map[string]any) {
	if g.recorder == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	if requestID != "" {
		details["approval_id"] = requestID
	}
	g.recorder.Record(ctx, audit.Entry{
		ActorID:        actor.ID,
		ActorKind:      string(actor.Kind),
		OrganizationID: actor.OrganizationID,
		Action:         action,
		Resource:       entity.Type,
		ResourceID:     entity.ID,
		Decision:       "allow",
		Details:        details,
	})
}
