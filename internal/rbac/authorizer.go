package rbac

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"leasehold.org/internal/obs"
)

// DecisionLogger records one audit entry per decision. Implementations must
// not fail the caller; persistence problems are theirs to report.
type DecisionLogger interface {
	LogDecision(ctx context.Context, actor Actor, action, resource, resourceID string, d Decision, info RequestInfo)
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithAuditLogger sets the decision logger. Without one decisions are not audited.
func WithAuditLogger(l DecisionLogger) Option {
	return func(a *Authorizer) { a.audit = l }
}

// WithCatalog replaces the builtin permission catalog.
func WithCatalog(c *Catalog) Option {
	return func(a *Authorizer) {
		if c != nil {
			a.catalog = c
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(a *Authorizer) {
		if now != nil {
			a.now = now
		}
	}
}

// WithHierarchyTTL bounds how long a hierarchy snapshot is reused.
func WithHierarchyTTL(ttl time.Duration) Option {
	return func(a *Authorizer) {
		if ttl > 0 {
			a.hierarchyTTL = ttl
		}
	}
}

// Authorizer loads grants through a Directory and applies Evaluate and
// ApplyScope to them. It is safe for concurrent use; per-request state lives in
// the caller's RequestCache.
type Authorizer struct {
	dir          Directory
	catalog      *Catalog
	audit        DecisionLogger
	now          func() time.Time
	hierarchyTTL time.Duration

	mu          sync.Mutex
	hierarchy   *Hierarchy
	hierarchyAt time.Time
}

// NewAuthorizer builds an Authorizer over dir.
func NewAuthorizer(dir Directory, opts ...Option) *Authorizer {
	a := &Authorizer{
		dir:          dir,
		catalog:      DefaultCatalog(),
		now:          time.Now,
		hierarchyTTL: DefaultDirectoryTTL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Catalog returns the permission catalog in use.
func (a *Authorizer) Catalog() *Catalog { return a.catalog }

// Hierarchy returns the current scope tree snapshot, reloading it once the
// previous one is older than the hierarchy TTL.
func (a *Authorizer) Hierarchy(ctx context.Context) (*Hierarchy, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hierarchy != nil && a.now().Sub(a.hierarchyAt) < a.hierarchyTTL {
		return a.hierarchy, nil
	}
	nodes, err := a.dir.HierarchyNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load hierarchy: %w", err)
	}
	h, err := NewHierarchy(nodes)
	if err != nil {
		return nil, err
	}
	a.hierarchy = h
	a.hierarchyAt = a.now()
	return h, nil
}

// InvalidateHierarchy forces the next call to reload the scope tree.
func (a *Authorizer) InvalidateHierarchy() {
	a.mu.Lock()
	a.hierarchy = nil
	a.mu.Unlock()
}

// Grants resolves the actor's roles, scopes and overrides, memoized in rc.
func (a *Authorizer) Grants(ctx context.Context, rc *RequestCache, actor Actor) (*Grants, error) {
	actor.ID = strings.TrimSpace(actor.ID)
	if actor.ID == "" {
		return nil, fmt.Errorf("%w: actor id required", ErrInvalidInput)
	}
	if g, ok := rc.get(actor.ID); ok {
		return g, nil
	}
	h, err := a.Hierarchy(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := a.dir.ActorGrants(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("load grants for %s: %w", actor.ID, err)
	}
	g, err := NewGrants(actor, raw, h, a.catalog)
	if err != nil {
		return nil, err
	}
	rc.put(actor.ID, g)
	return g, nil
}

// EffectiveScopes returns the union of the actor's active role scopes.
func (a *Authorizer) EffectiveScopes(ctx context.Context, rc *RequestCache, actor Actor) (ScopeSet, error) {
	g, err := a.Grants(ctx, rc, actor)
	if err != nil {
		return ScopeSet{}, err
	}
	return g.Scopes, nil
}

// Authorize decides perm for actor on target, or on a collection when target
// is nil. Every call, including failed ones, is audited once. A non-nil error
// always comes with a deny decision.
func (a *Authorizer) Authorize(ctx context.Context, rc *RequestCache, actor Actor, perm Permission, target *TargetScope) (Decision, error) {
	start := a.now()
	if target != nil && target.IsZero() {
		target = nil
	}
	d, err := a.decide(ctx, rc, actor, perm, target)
	if err != nil {
		d = Decision{Reason: ReasonEvaluationError, Permission: perm}
		obs.Ctx(ctx).Error().Err(err).Str("actor_id", actor.ID).Str("permission", perm.Key()).Msg("authorization failed")
	}
	obs.RecordDecision(d.Outcome(), string(d.Reason), a.now().Sub(start))
	if a.audit != nil {
		var resourceID string
		if target != nil {
			_, resourceID = target.MostSpecific()
		}
		a.audit.LogDecision(ctx, actor, string(perm.Action), perm.Category+"."+perm.Resource, resourceID, d, RequestInfoFromContext(ctx))
	}
	return d, err
}

func (a *Authorizer) decide(ctx context.Context, rc *RequestCache, actor Actor, perm Permission, target *TargetScope) (Decision, error) {
	if !a.catalog.Known(perm) {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownPermission, perm)
	}
	g, err := a.Grants(ctx, rc, actor)
	if err != nil {
		return Decision{}, err
	}
	d := Evaluate(g, perm, target)
	if d.Allow && target != nil && !g.Consistent(*target) {
		d = Decision{Reason: ReasonOutOfScope, Permission: perm}
	}
	return d, nil
}

// Require is Authorize for callers that only need an error: nil on allow,
// ErrForbidden or ErrOutOfScope on deny.
func (a *Authorizer) Require(ctx context.Context, rc *RequestCache, actor Actor, perm Permission, target *TargetScope) error {
	d, err := a.Authorize(ctx, rc, actor, perm, target)
	if err != nil {
		return err
	}
	return d.Err()
}

// FilterByScope narrows q to the rows of resourceType inside the actor's
// effective scopes. On any error the returned query matches nothing.
func (a *Authorizer) FilterByScope(ctx context.Context, rc *RequestCache, q Query, actor Actor, resourceType string) (Query, error) {
	if _, _, ok := ScopeColumnFor(resourceType); !ok {
		obs.Ctx(ctx).Error().Str("resource_type", resourceType).Msg("scope filter has no mapping")
	}
	scopes, err := a.EffectiveScopes(ctx, rc, actor)
	if err != nil {
		return q.And(Condition{Op: OpNone}), err
	}
	return ApplyScope(q, scopes, resourceType)
}
