package rbac

import "fmt"

// Reason is the machine-readable cause of a decision. Reasons are for audit
// and operators; they are not shown to untrusted clients.
type Reason string

const (
	ReasonOverrideDeny    Reason = "explicit_override_deny"
	ReasonOutOfScope      Reason = "out_of_scope"
	ReasonNoPermission    Reason = "no_matching_permission"
	ReasonOverrideGrant   Reason = "override_grant"
	ReasonRoleGrant       Reason = "role_grant"
	ReasonEvaluationError Reason = "evaluation_error"
)

// Decision is the outcome of an authorization check. FilterRequired is set on
// allows made without a target: the caller must restrict its query with the
// scope filter before executing it.
type Decision struct {
	Allow          bool       `json:"allow"`
	Reason         Reason     `json:"reason"`
	FilterRequired bool       `json:"filter_required,omitempty"`
	Permission     Permission `json:"permission"`
}

// Err converts a denial into ErrOutOfScope or ErrForbidden; allows return nil.
func (d Decision) Err() error {
	switch {
	case d.Allow:
		return nil
	case d.Reason == ReasonOutOfScope:
		return fmt.Errorf("%w: %s", ErrOutOfScope, d.Permission)
	default:
		return fmt.Errorf("%w: %s (%s)", ErrForbidden, d.Permission, d.Reason)
	}
}

// Outcome renders the decision as "allow" or "deny".
func (d Decision) Outcome() string {
	if d.Allow {
		return "allow"
	}
	return "deny"
}

// ResolvedOverride is an override with its anchor expanded. Scope is nil for
// unanchored overrides, which apply everywhere.
type ResolvedOverride struct {
	Override
	Scope *ScopeSet
}

func (o ResolvedOverride) appliesTo(target *TargetScope) bool {
	if o.Scope == nil || target == nil {
		return true
	}
	return o.Scope.Contains(*target)
}

// Grants is the resolved access data of one actor: active roles, effective
// scopes and expanded overrides. It is immutable once built.
type Grants struct {
	Actor     Actor
	Roles     map[Role]ScopeSet
	Scopes    ScopeSet
	Overrides []ResolvedOverride

	catalog   *Catalog
	hierarchy *Hierarchy
}

// NewGrants resolves raw store rows against the hierarchy and catalog.
func NewGrants(actor Actor, raw ActorGrants, h *Hierarchy, c *Catalog) (*Grants, error) {
	g := &Grants{
		Actor:     actor,
		Roles:     make(map[Role]ScopeSet),
		catalog:   c,
		hierarchy: h,
	}
	byRole := make(map[Role][]RoleBinding)
	for _, b := range raw.Bindings {
		if b.Active && b.ActorID == actor.ID {
			byRole[b.Role] = append(byRole[b.Role], b)
		}
	}
	for r, bindings := range byRole {
		if _, ok := c.Role(r); !ok {
			continue
		}
		scopes, err := ResolveScopes(actor, bindings, h, c)
		if err != nil {
			return nil, err
		}
		g.Roles[r] = scopes
		g.Scopes = g.Scopes.Union(scopes)
	}
	for _, o := range raw.Overrides {
		if o.ActorID != actor.ID {
			continue
		}
		ro := ResolvedOverride{Override: o}
		if !o.Anchor.IsZero() {
			var s ScopeSet
			if err := h.Expand(o.Anchor, &s); err != nil {
				return nil, err
			}
			ro.Scope = &s
		}
		g.Overrides = append(g.Overrides, ro)
	}
	return g, nil
}

// HasRole reports whether the actor actively holds r.
func (g *Grants) HasRole(r Role) bool {
	_, ok := g.Roles[r]
	return ok
}

// RoleCovers reports whether the actor holds r through a binding whose scope
// contains target.
func (g *Grants) RoleCovers(r Role, target TargetScope) bool {
	s, ok := g.Roles[r]
	return ok && s.Contains(target)
}

// Consistent reports whether the ancestors named by target agree with the
// hierarchy. Targets naming a node unknown to the hierarchy are left to the
// scope check.
func (g *Grants) Consistent(target TargetScope) bool {
	if g.hierarchy == nil {
		return true
	}
	level, id := target.MostSpecific()
	path, err := g.hierarchy.Path(level, id)
	if err != nil {
		return true
	}
	agree := func(given, actual string) bool { return given == "" || given == actual }
	return agree(target.OrganizationID, path.OrganizationID) &&
		agree(target.PortfolioID, path.PortfolioID) &&
		agree(target.PropertyID, path.PropertyID) &&
		agree(target.UnitID, path.UnitID)
}

// RoleGrants reports whether any active role carries p.
func (g *Grants) RoleGrants(p Permission) bool {
	for r := range g.Roles {
		if g.catalog.Grants(r, p) {
			return true
		}
	}
	return false
}

// Evaluate decides perm for the actor described by g. A nil target means the
// call acts on a collection; an allow then carries FilterRequired. Resolution
// order: deny override, grant override, role grant, default deny.
func Evaluate(g *Grants, perm Permission, target *TargetScope) Decision {
	deny := func(r Reason) Decision { return Decision{Reason: r, Permission: perm} }
	allow := func(r Reason) Decision {
		return Decision{Allow: true, Reason: r, FilterRequired: target == nil, Permission: perm}
	}

	var grantOverride bool
	for _, o := range g.Overrides {
		if o.Permission != perm || !o.appliesTo(target) {
			continue
		}
		switch o.Effect {
		case EffectDeny:
			return deny(ReasonOverrideDeny)
		case EffectGrant:
			grantOverride = true
		}
	}
	if grantOverride {
		if target == nil || g.Scopes.Contains(*target) {
			return allow(ReasonOverrideGrant)
		}
		return deny(ReasonOutOfScope)
	}
	if g.RoleGrants(perm) {
		if target == nil || g.Scopes.Contains(*target) {
			return allow(ReasonRoleGrant)
		}
		return deny(ReasonOutOfScope)
	}
	return deny(ReasonNoPermission)
}
