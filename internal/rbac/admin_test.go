package rbac

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeAdminStore writes through to a fakeDirectory so authorization sees the
// result of admin calls.
type fakeAdminStore struct {
	mu  sync.Mutex
	dir *fakeDirectory
}

func (s *fakeAdminStore) CreateBinding(_ context.Context, b RoleBinding) (RoleBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, _ := s.dir.ActorGrants(context.Background(), b.ActorID)
	s.dir.set(b.ActorID, append(g.Bindings, b), g.Overrides)
	return b, nil
}

func (s *fakeAdminStore) DeactivateBinding(_ context.Context, actorID, bindingID string) (RoleBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, _ := s.dir.ActorGrants(context.Background(), actorID)
	for i := range g.Bindings {
		if g.Bindings[i].ID == bindingID {
			g.Bindings[i].Active = false
			s.dir.set(actorID, g.Bindings, g.Overrides)
			return g.Bindings[i], nil
		}
	}
	return RoleBinding{}, ErrNotFound
}

func (s *fakeAdminStore) ListBindings(_ context.Context, actorID string) ([]RoleBinding, error) {
	g, _ := s.dir.ActorGrants(context.Background(), actorID)
	return g.Bindings, nil
}

func (s *fakeAdminStore) CreateOverride(_ context.Context, o Override) (Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, _ := s.dir.ActorGrants(context.Background(), o.ActorID)
	s.dir.set(o.ActorID, g.Bindings, append(g.Overrides, o))
	return o, nil
}

func (s *fakeAdminStore) RevokeOverride(_ context.Context, actorID, overrideID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, _ := s.dir.ActorGrants(context.Background(), actorID)
	kept := g.Overrides[:0]
	for _, o := range g.Overrides {
		if o.ID != overrideID {
			kept = append(kept, o)
		}
	}
	s.dir.set(actorID, g.Bindings, kept)
	return nil
}

func (s *fakeAdminStore) ListOverrides(_ context.Context, actorID string) ([]Override, error) {
	g, _ := s.dir.ActorGrants(context.Background(), actorID)
	return g.Overrides, nil
}

type countingInvalidator struct{ actors []string }

func (c *countingInvalidator) Invalidate(_ context.Context, actorIDs ...string) error {
	c.actors = append(c.actors, actorIDs...)
	return nil
}

func newTestAdmin(t *testing.T) (*Admin, *fakeDirectory, *countingInvalidator) {
	t.Helper()
	dir := newFakeDirectory()
	dir.set("owner", []RoleBinding{binding("owner", RoleOwnerLandlord, LevelOrganization, "O1")}, nil)
	dir.set("pmadmin", []RoleBinding{binding("pmadmin", RolePMCAdmin, LevelPortfolio, "F1")}, nil)
	dir.set("root", []RoleBinding{binding("root", RoleSuperAdmin, "", "")}, nil)
	inv := &countingInvalidator{}
	admin, err := NewAdmin(&fakeAdminStore{dir: dir}, NewAuthorizer(dir), inv)
	if err != nil {
		t.Fatalf("NewAdmin: %v", err)
	}
	return admin, dir, inv
}

func TestAdminAssignRoleTakesEffect(t *testing.T) {
	admin, dir, inv := newTestAdmin(t)
	ctx := context.Background()
	owner := Actor{ID: "owner", OrganizationID: "O1"}

	rc := NewRequestCache()
	b, err := admin.AssignRole(ctx, rc, owner, "newpm", RolePropertyManager, ScopeAnchor{Level: LevelProperty, ID: "P2"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !strings.HasPrefix(b.ID, "rb_") || !b.Active {
		t.Fatalf("unexpected binding %+v", b)
	}
	if len(inv.actors) != 1 || inv.actors[0] != "newpm" {
		t.Fatalf("expected cache invalidation for newpm, got %v", inv.actors)
	}

	d, err := admin.authz.Authorize(ctx, rc, Actor{ID: "newpm"}, PermUnitRead, target(LevelUnit, "U3"))
	if err != nil || !d.Allow {
		t.Fatalf("new binding should authorize, got %+v %v", d, err)
	}

	if _, err := admin.DeactivateRole(ctx, rc, owner, "newpm", b.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	d, _ = admin.authz.Authorize(ctx, rc, Actor{ID: "newpm"}, PermUnitRead, target(LevelUnit, "U3"))
	if d.Allow {
		t.Fatalf("deactivated binding still authorizes")
	}
	g, _ := dir.ActorGrants(ctx, "newpm")
	if len(g.Bindings) != 1 || g.Bindings[0].Active {
		t.Fatalf("binding should be kept inactive, got %+v", g.Bindings)
	}
}

func TestAdminCannotAssignOutsideScope(t *testing.T) {
	admin, _, _ := newTestAdmin(t)
	pmadmin := Actor{ID: "pmadmin", OrganizationID: "O1"}
	_, err := admin.AssignRole(context.Background(), nil, pmadmin, "x", RoleLeasingAgent, ScopeAnchor{Level: LevelProperty, ID: "P3"})
	if !errors.Is(err, ErrOutOfScope) {
		t.Fatalf("expected ErrOutOfScope, got %v", err)
	}
	_, err = admin.GrantOverride(context.Background(), nil, pmadmin, "x", PermUnitRead, ScopeAnchor{Level: LevelProperty, ID: "P1"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("pmc-admin lacks override assignment, got %v", err)
	}
}

func TestAdminValidatesInput(t *testing.T) {
	admin, _, _ := newTestAdmin(t)
	ctx := context.Background()
	owner := Actor{ID: "owner", OrganizationID: "O1"}
	if _, err := admin.AssignRole(ctx, nil, owner, " ", RoleTenant, ScopeAnchor{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := admin.AssignRole(ctx, nil, owner, "x", Role("janitor"), ScopeAnchor{}); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
	if _, err := admin.AssignRole(ctx, nil, owner, "x", RoleTenant, ScopeAnchor{Level: LevelUnit, ID: "U404"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing anchor, got %v", err)
	}
	if _, err := admin.AssignRole(ctx, nil, owner, "x", RoleSuperAdmin, ScopeAnchor{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("owner must not mint platform admins, got %v", err)
	}
	if _, err := admin.DenyOverride(ctx, nil, owner, "x", Perm("financial", "yacht", ActionCreate), ScopeAnchor{}); !errors.Is(err, ErrUnknownPermission) {
		t.Fatalf("expected ErrUnknownPermission, got %v", err)
	}
}

func TestAdminOverrides(t *testing.T) {
	admin, _, _ := newTestAdmin(t)
	ctx := context.Background()
	owner := Actor{ID: "owner", OrganizationID: "O1"}

	o, err := admin.DenyOverride(ctx, nil, owner, "owner", PermExpenseApprove, ScopeAnchor{})
	if err != nil {
		t.Fatalf("deny override: %v", err)
	}
	if o.Effect != EffectDeny || o.CreatedBy != "owner" {
		t.Fatalf("unexpected override %+v", o)
	}
	d, _ := admin.authz.Authorize(ctx, nil, owner, PermExpenseApprove, target(LevelProperty, "P1"))
	if d.Reason != ReasonOverrideDeny {
		t.Fatalf("expected deny override to apply, got %+v", d)
	}

	list, err := admin.ListOverrides(ctx, nil, Actor{ID: "root"}, "owner")
	if err != nil || len(list) != 1 {
		t.Fatalf("list overrides: %v %v", list, err)
	}

	if err := admin.RevokeOverride(ctx, nil, Actor{ID: "root"}, "owner", o.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	d, _ = admin.authz.Authorize(ctx, nil, owner, PermExpenseApprove, target(LevelProperty, "P1"))
	if !d.Allow {
		t.Fatalf("revoked override still applies: %+v", d)
	}
	if err := admin.RevokeOverride(ctx, nil, owner, "owner", "ovr_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdminListBindingsFiltersByScope(t *testing.T) {
	admin, dir, _ := newTestAdmin(t)
	dir.set("worker", []RoleBinding{
		binding("worker", RoleLeasingAgent, LevelProperty, "P1"),
		binding("worker", RoleLeasingAgent, LevelProperty, "P3"),
	}, nil)
	got, err := admin.ListBindings(context.Background(), nil, Actor{ID: "pmadmin", OrganizationID: "O1"}, "worker")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Anchor.ID != "P1" {
		t.Fatalf("expected only the P1 binding, got %+v", got)
	}
}

func TestAdminUnanchoredAssignmentStaysInOwnOrganization(t *testing.T) {
	admin, dir, _ := newTestAdmin(t)
	ctx := context.Background()
	owner := Actor{ID: "owner", OrganizationID: "O1"}

	b, err := admin.AssignRole(ctx, nil, owner, "x", RoleOwnerLandlord, ScopeAnchor{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if b.Anchor != (ScopeAnchor{Level: LevelOrganization, ID: "O1"}) {
		t.Fatalf("binding should be anchored to the administrator's organization, got %s", b.Anchor)
	}
	foreign := Actor{ID: "x", OrganizationID: "O2"}
	if d, _ := admin.authz.Authorize(ctx, nil, foreign, PermPropertyUpdate, target(LevelProperty, "P4")); d.Allow {
		t.Fatalf("binding must not reach the holder's organization, got %+v", d)
	}
	if d, _ := admin.authz.Authorize(ctx, nil, foreign, PermPropertyUpdate, target(LevelProperty, "P1")); !d.Allow {
		t.Fatalf("binding should cover O1, got %+v", d)
	}

	o, err := admin.DenyOverride(ctx, nil, owner, "y", PermUnitRead, ScopeAnchor{})
	if err != nil {
		t.Fatalf("deny override: %v", err)
	}
	if o.Anchor.ID != "O1" {
		t.Fatalf("override should be anchored to O1, got %s", o.Anchor)
	}
	if _, err := admin.AssignRole(ctx, nil, Actor{ID: "owner"}, "z", RoleTenant, ScopeAnchor{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("administrator without organization must give an anchor, got %v", err)
	}
	g, _ := dir.ActorGrants(ctx, "z")
	if len(g.Bindings) != 0 {
		t.Fatalf("nothing should be stored, got %+v", g.Bindings)
	}
}

func TestAdminUnanchoredRowsNeedPlatformScope(t *testing.T) {
	admin, dir, _ := newTestAdmin(t)
	ctx := context.Background()
	owner := Actor{ID: "owner", OrganizationID: "O1"}
	dir.set("t2", []RoleBinding{binding("t2", RoleTenant, "", "")},
		[]Override{override("t2", PermUnitRead, EffectGrant, "", "")})
	g, _ := dir.ActorGrants(ctx, "t2")

	if _, err := admin.DeactivateRole(ctx, nil, owner, "t2", g.Bindings[0].ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("owner must not deactivate an unanchored binding, got %v", err)
	}
	if err := admin.RevokeOverride(ctx, nil, owner, "t2", g.Overrides[0].ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("owner must not revoke an unanchored override, got %v", err)
	}
	if list, err := admin.ListBindings(ctx, nil, owner, "t2"); err != nil || len(list) != 0 {
		t.Fatalf("unanchored binding must be hidden from owner, got %+v %v", list, err)
	}
	if _, err := admin.DeactivateRole(ctx, nil, Actor{ID: "root"}, "t2", g.Bindings[0].ID); err != nil {
		t.Fatalf("platform admin deactivate: %v", err)
	}
}

func TestAdminCannotEscalate(t *testing.T) {
	admin, _, _ := newTestAdmin(t)
	ctx := context.Background()
	pmadmin := Actor{ID: "pmadmin", OrganizationID: "O1"}
	owner := Actor{ID: "owner", OrganizationID: "O1"}
	f1 := ScopeAnchor{Level: LevelPortfolio, ID: "F1"}

	if _, err := admin.AssignRole(ctx, nil, pmadmin, "pmadmin", RoleOwnerLandlord, f1); !errors.Is(err, ErrForbidden) {
		t.Fatalf("self assignment must be forbidden, got %v", err)
	}
	if d, _ := admin.authz.Authorize(ctx, nil, pmadmin, Perm(CategoryProperty, "property", ActionDelete), target(LevelProperty, "P1")); d.Allow {
		t.Fatalf("pmc-admin must not gain property deletion")
	}
	if _, err := admin.AssignRole(ctx, nil, pmadmin, "x", RoleOwnerLandlord, f1); !errors.Is(err, ErrForbidden) {
		t.Fatalf("role broader than the administrator must be forbidden, got %v", err)
	}
	if _, err := admin.AssignRole(ctx, nil, pmadmin, "x", RolePropertyManager, ScopeAnchor{Level: LevelProperty, ID: "P1"}); err != nil {
		t.Fatalf("narrower role should be assignable: %v", err)
	}

	if _, err := admin.GrantOverride(ctx, nil, owner, "owner", PermUnitRead, ScopeAnchor{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("self grant override must be forbidden, got %v", err)
	}
	export := Perm(CategoryAdmin, "audit_log", ActionExport)
	if _, err := admin.GrantOverride(ctx, nil, owner, "x", export, ScopeAnchor{Level: LevelProperty, ID: "P1"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("granting a permission the owner lacks must be forbidden, got %v", err)
	}
	if _, err := admin.GrantOverride(ctx, nil, owner, "x", PermUnitRead, ScopeAnchor{Level: LevelProperty, ID: "P1"}); err != nil {
		t.Fatalf("grant override: %v", err)
	}
}
