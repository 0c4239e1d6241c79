package rbac

import (
	"fmt"
	"strings"
	"time"
)

// ActorKind classifies the account behind an Actor.
type ActorKind string

const (
	KindAdmin    ActorKind = "admin"
	KindLandlord ActorKind = "landlord"
	KindTenant   ActorKind = "tenant"
	KindPMC      ActorKind = "pmc"
	KindVendor   ActorKind = "vendor"
)

// Valid reports whether k is one of the known actor kinds.
func (k ActorKind) Valid() bool {
	switch k {
	case KindAdmin, KindLandlord, KindTenant, KindPMC, KindVendor:
		return true
	}
	return false
}

// Actor is an already authenticated identity. Every authorization call takes
// the actor explicitly; nothing is looked up from ambient session state.
type Actor struct {
	ID             string    `json:"id"`
	Kind           ActorKind `json:"kind"`
	Email          string    `json:"email,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
}

// Action is the verb part of a permission.
type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionExport  Action = "export"
	ActionAssign  Action = "assign"
)

// Permission is one grantable capability: resource category, resource, action.
type Permission struct {
	Category string `json:"category"`
	Resource string `json:"resource"`
	Action   Action `json:"action"`
}

// Perm is shorthand for constructing a Permission.
func Perm(category, resource string, action Action) Permission {
	return Permission{Category: category, Resource: resource, Action: action}
}

// Key renders the permission as "category.resource.action".
func (p Permission) Key() string {
	return p.Category + "." + p.Resource + "." + string(p.Action)
}

func (p Permission) String() string { return p.Key() }

// ParsePermission parses a "category.resource.action" key.
func ParsePermission(key string) (Permission, error) {
	parts := strings.Split(strings.TrimSpace(key), ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Permission{}, fmt.Errorf("%w: permission key %q", ErrInvalidInput, key)
	}
	return Permission{Category: parts[0], Resource: parts[1], Action: Action(parts[2])}, nil
}

// ScopeLevel is a level of the organization hierarchy.
type ScopeLevel string

const (
	LevelOrganization ScopeLevel = "organization"
	LevelPortfolio    ScopeLevel = "portfolio"
	LevelProperty     ScopeLevel = "property"
	LevelUnit         ScopeLevel = "unit"
)

// depth orders levels top-down; unknown levels return -1.
func (l ScopeLevel) depth() int {
	switch l {
	case LevelOrganization:
		return 0
	case LevelPortfolio:
		return 1
	case LevelProperty:
		return 2
	case LevelUnit:
		return 3
	}
	return -1
}

// Valid reports whether l is a known hierarchy level.
func (l ScopeLevel) Valid() bool { return l.depth() >= 0 }

// ScopeAnchor binds a role or override to one node of the hierarchy. The zero
// value means "no anchor".
type ScopeAnchor struct {
	Level ScopeLevel `json:"level,omitempty"`
	ID    string     `json:"id,omitempty"`
}

// IsZero reports whether the anchor is absent.
func (a ScopeAnchor) IsZero() bool { return a.Level == "" && a.ID == "" }

func (a ScopeAnchor) String() string {
	if a.IsZero() {
		return "-"
	}
	return string(a.Level) + ":" + a.ID
}

// RoleBinding is a UserRole row: an actor holding a role, optionally anchored.
type RoleBinding struct {
	ID         string      `json:"id"`
	ActorID    string      `json:"actor_id"`
	Role       Role        `json:"role"`
	Anchor     ScopeAnchor `json:"anchor"`
	Active     bool        `json:"active"`
	AssignedAt time.Time   `json:"assigned_at"`
}

// Effect tags an override.
type Effect string

const (
	EffectGrant Effect = "grant"
	EffectDeny  Effect = "deny"
)

// Override is a UserPermission row. Overrides take precedence over role grants.
type Override struct {
	ID         string      `json:"id"`
	ActorID    string      `json:"actor_id"`
	Permission Permission  `json:"permission"`
	Effect     Effect      `json:"effect"`
	Anchor     ScopeAnchor `json:"anchor"`
	CreatedBy  string      `json:"created_by,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ActorGrants is everything the store knows about one actor's access: its
// role bindings and overrides, fetched together.
type ActorGrants struct {
	ActorID   string        `json:"actor_id"`
	Bindings  []RoleBinding `json:"bindings"`
	Overrides []Override    `json:"overrides"`
}

// TargetScope names the hierarchy node a single-target operation acts on. The
// deepest id set identifies the node; ancestors, when given, must agree with
// the hierarchy.
type TargetScope struct {
	OrganizationID string `json:"organization_id,omitempty"`
	PortfolioID    string `json:"portfolio_id,omitempty"`
	PropertyID     string `json:"property_id,omitempty"`
	UnitID         string `json:"unit_id,omitempty"`
}

// IsZero reports whether no id is set.
func (t TargetScope) IsZero() bool {
	return t.OrganizationID == "" && t.PortfolioID == "" && t.PropertyID == "" && t.UnitID == ""
}

// MostSpecific returns the deepest level set on the target and its id.
func (t TargetScope) MostSpecific() (ScopeLevel, string) {
	switch {
	case t.UnitID != "":
		return LevelUnit, t.UnitID
	case t.PropertyID != "":
		return LevelProperty, t.PropertyID
	case t.PortfolioID != "":
		return LevelPortfolio, t.PortfolioID
	case t.OrganizationID != "":
		return LevelOrganization, t.OrganizationID
	}
	return "", ""
}

// TargetAt builds a target that names a single node.
func TargetAt(level ScopeLevel, id string) TargetScope {
	switch level {
	case LevelOrganization:
		return TargetScope{OrganizationID: id}
	case LevelPortfolio:
		return TargetScope{PortfolioID: id}
	case LevelProperty:
		return TargetScope{PropertyID: id}
	case LevelUnit:
		return TargetScope{UnitID: id}
	}
	return TargetScope{}
}
