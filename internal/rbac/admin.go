package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"leasehold.org/internal/ids"
	"leasehold.org/internal/obs"
)

// AdminStore persists role bindings and overrides.
type AdminStore interface {
	CreateBinding(ctx context.Context, b RoleBinding) (RoleBinding, error)
	DeactivateBinding(ctx context.Context, actorID, bindingID string) (RoleBinding, error)
	ListBindings(ctx context.Context, actorID string) ([]RoleBinding, error)
	CreateOverride(ctx context.Context, o Override) (Override, error)
	RevokeOverride(ctx context.Context, actorID, overrideID string, at time.Time) error
	ListOverrides(ctx context.Context, actorID string) ([]Override, error)
}

// Invalidator drops cached grants after a write. *CachedDirectory implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, actorIDs ...string) error
}

// Admin manages role bindings and overrides. Every call is itself authorized
// against the calling administrator's grants.
type Admin struct {
	store AdminStore
	authz *Authorizer
	inv   Invalidator
	now   func() time.Time
}

// NewAdmin builds the administration service. inv may be nil when grants are
// not cached.
func NewAdmin(store AdminStore, authz *Authorizer, inv Invalidator) (*Admin, error) {
	if store == nil {
		return nil, errors.New("rbac admin store is required")
	}
	if authz == nil {
		return nil, errors.New("authorizer is required")
	}
	return &Admin{store: store, authz: authz, inv: inv, now: time.Now}, nil
}

// AssignRole binds role to actorID, optionally anchored to a hierarchy node.
// A non-global role given without an anchor is anchored to the administrator's
// organization. Global roles cannot be anchored and may only be assigned by an
// administrator with universal scope. The role may not carry any permission
// the administrator lacks over the anchor, and administrators cannot assign
// roles to themselves.
func (s *Admin) AssignRole(ctx context.Context, rc *RequestCache, admin Actor, actorID string, role Role, anchor ScopeAnchor) (RoleBinding, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return RoleBinding{}, fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}
	spec, ok := s.authz.Catalog().Role(role)
	if !ok {
		return RoleBinding{}, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	if spec.Global && !anchor.IsZero() {
		return RoleBinding{}, fmt.Errorf("%w: global role %s cannot be anchored", ErrInvalidInput, role)
	}
	if actorID == strings.TrimSpace(admin.ID) {
		return RoleBinding{}, fmt.Errorf("%w: administrators cannot assign roles to themselves", ErrForbidden)
	}
	g, err := s.authz.Grants(ctx, rc, admin)
	if err != nil {
		return RoleBinding{}, err
	}
	var target *TargetScope
	if spec.Global {
		if !g.Scopes.Universal {
			return RoleBinding{}, fmt.Errorf("%w: assigning %s requires platform scope", ErrForbidden, role)
		}
	} else {
		if anchor.IsZero() {
			if anchor, err = organizationAnchor(admin); err != nil {
				return RoleBinding{}, err
			}
		}
		if target, err = s.anchorPath(ctx, anchor); err != nil {
			return RoleBinding{}, err
		}
	}
	if err := s.authz.Require(ctx, rc, admin, PermRoleAssign, target); err != nil {
		return RoleBinding{}, err
	}
	for _, p := range spec.Permissions {
		if !Evaluate(g, p, target).Allow {
			return RoleBinding{}, fmt.Errorf("%w: %s carries %s which the administrator does not hold there", ErrForbidden, role, p)
		}
	}
	b, err := s.store.CreateBinding(ctx, RoleBinding{
		ID:         ids.Prefixed("rb"),
		ActorID:    actorID,
		Role:       role,
		Anchor:     anchor,
		Active:     true,
		AssignedAt: s.now().UTC(),
	})
	if err != nil {
		return RoleBinding{}, err
	}
	s.invalidate(ctx, rc, actorID)
	return b, nil
}

// DeactivateRole marks a binding inactive. Bindings are never deleted.
func (s *Admin) DeactivateRole(ctx context.Context, rc *RequestCache, admin Actor, actorID, bindingID string) (RoleBinding, error) {
	actorID = strings.TrimSpace(actorID)
	bindingID = strings.TrimSpace(bindingID)
	if actorID == "" || bindingID == "" {
		return RoleBinding{}, fmt.Errorf("%w: actor_id and binding_id are required", ErrInvalidInput)
	}
	bindings, err := s.store.ListBindings(ctx, actorID)
	if err != nil {
		return RoleBinding{}, err
	}
	var found *RoleBinding
	for i := range bindings {
		if bindings[i].ID == bindingID {
			found = &bindings[i]
			break
		}
	}
	if found == nil {
		return RoleBinding{}, fmt.Errorf("%w: binding %s", ErrNotFound, bindingID)
	}
	if err := s.authorizeAnchor(ctx, rc, admin, PermRoleAssign, found.Anchor); err != nil {
		return RoleBinding{}, err
	}
	b, err := s.store.DeactivateBinding(ctx, actorID, bindingID)
	if err != nil {
		return RoleBinding{}, err
	}
	s.invalidate(ctx, rc, actorID)
	return b, nil
}

// GrantOverride gives actorID perm regardless of its roles, within its scopes.
// The administrator must hold perm over the anchor and cannot grant to itself.
func (s *Admin) GrantOverride(ctx context.Context, rc *RequestCache, admin Actor, actorID string, perm Permission, anchor ScopeAnchor) (Override, error) {
	return s.createOverride(ctx, rc, admin, actorID, perm, EffectGrant, anchor)
}

// DenyOverride withholds perm from actorID even if a role grants it.
func (s *Admin) DenyOverride(ctx context.Context, rc *RequestCache, admin Actor, actorID string, perm Permission, anchor ScopeAnchor) (Override, error) {
	return s.createOverride(ctx, rc, admin, actorID, perm, EffectDeny, anchor)
}

// createOverride anchors an unanchored override to the administrator's
// organization unless the administrator has universal scope.
func (s *Admin) createOverride(ctx context.Context, rc *RequestCache, admin Actor, actorID string, perm Permission, effect Effect, anchor ScopeAnchor) (Override, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return Override{}, fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}
	if !s.authz.Catalog().Known(perm) {
		return Override{}, fmt.Errorf("%w: %s", ErrUnknownPermission, perm)
	}
	if effect == EffectGrant && actorID == strings.TrimSpace(admin.ID) {
		return Override{}, fmt.Errorf("%w: administrators cannot grant themselves overrides", ErrForbidden)
	}
	g, err := s.authz.Grants(ctx, rc, admin)
	if err != nil {
		return Override{}, err
	}
	if anchor.IsZero() && !g.Scopes.Universal {
		if anchor, err = organizationAnchor(admin); err != nil {
			return Override{}, err
		}
	}
	var target *TargetScope
	if !anchor.IsZero() {
		if target, err = s.anchorPath(ctx, anchor); err != nil {
			return Override{}, err
		}
	}
	if err := s.authz.Require(ctx, rc, admin, PermOverrideAssign, target); err != nil {
		return Override{}, err
	}
	if effect == EffectGrant && !Evaluate(g, perm, target).Allow {
		return Override{}, fmt.Errorf("%w: administrator does not hold %s there", ErrForbidden, perm)
	}
	o, err := s.store.CreateOverride(ctx, Override{
		ID:         ids.Prefixed("ovr"),
		ActorID:    actorID,
		Permission: perm,
		Effect:     effect,
		Anchor:     anchor,
		CreatedBy:  admin.ID,
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		return Override{}, err
	}
	s.invalidate(ctx, rc, actorID)
	return o, nil
}

// RevokeOverride ends an override. The row is kept with its revocation time.
func (s *Admin) RevokeOverride(ctx context.Context, rc *RequestCache, admin Actor, actorID, overrideID string) error {
	actorID = strings.TrimSpace(actorID)
	overrideID = strings.TrimSpace(overrideID)
	if actorID == "" || overrideID == "" {
		return fmt.Errorf("%w: actor_id and override_id are required", ErrInvalidInput)
	}
	overrides, err := s.store.ListOverrides(ctx, actorID)
	if err != nil {
		return err
	}
	var found *Override
	for i := range overrides {
		if overrides[i].ID == overrideID {
			found = &overrides[i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("%w: override %s", ErrNotFound, overrideID)
	}
	if err := s.authorizeAnchor(ctx, rc, admin, PermOverrideAssign, found.Anchor); err != nil {
		return err
	}
	if err := s.store.RevokeOverride(ctx, actorID, overrideID, s.now().UTC()); err != nil {
		return err
	}
	s.invalidate(ctx, rc, actorID)
	return nil
}

// ListBindings returns the actor's bindings anchored inside admin's scopes.
// Unanchored bindings are visible to universal administrators only.
func (s *Admin) ListBindings(ctx context.Context, rc *RequestCache, admin Actor, actorID string) ([]RoleBinding, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}
	if err := s.authz.Require(ctx, rc, admin, PermRoleAssign, nil); err != nil {
		return nil, err
	}
	g, err := s.authz.Grants(ctx, rc, admin)
	if err != nil {
		return nil, err
	}
	bindings, err := s.store.ListBindings(ctx, actorID)
	if err != nil {
		return nil, err
	}
	out := make([]RoleBinding, 0, len(bindings))
	for _, b := range bindings {
		if s.visible(g, b.Anchor) {
			out = append(out, b)
		}
	}
	return out, nil
}

// ListOverrides is ListBindings for overrides.
func (s *Admin) ListOverrides(ctx context.Context, rc *RequestCache, admin Actor, actorID string) ([]Override, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}
	if err := s.authz.Require(ctx, rc, admin, PermOverrideAssign, nil); err != nil {
		return nil, err
	}
	g, err := s.authz.Grants(ctx, rc, admin)
	if err != nil {
		return nil, err
	}
	overrides, err := s.store.ListOverrides(ctx, actorID)
	if err != nil {
		return nil, err
	}
	out := make([]Override, 0, len(overrides))
	for _, o := range overrides {
		if s.visible(g, o.Anchor) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Admin) visible(g *Grants, anchor ScopeAnchor) bool {
	if g.Scopes.Universal {
		return true
	}
	return !anchor.IsZero() && g.Scopes.Has(anchor.Level, anchor.ID)
}

// organizationAnchor is the default anchor for rows created without one.
func organizationAnchor(admin Actor) (ScopeAnchor, error) {
	org := strings.TrimSpace(admin.OrganizationID)
	if org == "" {
		return ScopeAnchor{}, fmt.Errorf("%w: anchor is required", ErrInvalidInput)
	}
	return ScopeAnchor{Level: LevelOrganization, ID: org}, nil
}

// anchorPath resolves anchor to its full hierarchy path.
func (s *Admin) anchorPath(ctx context.Context, anchor ScopeAnchor) (*TargetScope, error) {
	if !anchor.Level.Valid() || strings.TrimSpace(anchor.ID) == "" {
		return nil, fmt.Errorf("%w: invalid anchor %s", ErrInvalidInput, anchor)
	}
	h, err := s.authz.Hierarchy(ctx)
	if err != nil {
		return nil, err
	}
	path, err := h.Path(anchor.Level, anchor.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: anchor %s does not exist", ErrInvalidInput, anchor)
	}
	return &path, nil
}

// authorizeAnchor checks perm against the node an existing binding or
// override is anchored to. Unanchored rows follow the holder's organization,
// which the administrator cannot be checked against, so only universal
// administrators may change them.
func (s *Admin) authorizeAnchor(ctx context.Context, rc *RequestCache, admin Actor, perm Permission, anchor ScopeAnchor) error {
	if anchor.IsZero() {
		g, err := s.authz.Grants(ctx, rc, admin)
		if err != nil {
			return err
		}
		if !g.Scopes.Universal {
			return fmt.Errorf("%w: unanchored rows require platform scope", ErrForbidden)
		}
		return s.authz.Require(ctx, rc, admin, perm, nil)
	}
	target, err := s.anchorPath(ctx, anchor)
	if err != nil {
		return err
	}
	return s.authz.Require(ctx, rc, admin, perm, target)
}

func (s *Admin) invalidate(ctx context.Context, rc *RequestCache, actorID string) {
	rc.Forget(actorID)
	if s.inv == nil {
		return
	}
	if err := s.inv.Invalidate(ctx, actorID); err != nil {
		// Entries still expire after the directory TTL.
		obs.Ctx(ctx).Warn().Err(err).Str("actor_id", actorID).Msg("grant cache invalidation failed")
	}
}
