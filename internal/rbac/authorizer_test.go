package rbac

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestAuthorizer(dir Directory, logger *recordingLogger) *Authorizer {
	return NewAuthorizer(dir, WithAuditLogger(logger))
}

func TestAuthorizeMemoizesGrantsPerRequest(t *testing.T) {
	dir := newFakeDirectory()
	dir.set("pm", []RoleBinding{binding("pm", RolePropertyManager, LevelProperty, "P1")}, nil)
	a := newTestAuthorizer(dir, &recordingLogger{})
	actor := Actor{ID: "pm", OrganizationID: "O1"}
	ctx := context.Background()

	rc := NewRequestCache()
	for _, unit := range []string{"U1", "U2", "U3"} {
		if _, err := a.Authorize(ctx, rc, actor, PermUnitRead, target(LevelUnit, unit)); err != nil {
			t.Fatalf("authorize: %v", err)
		}
	}
	if _, err := a.EffectiveScopes(ctx, rc, actor); err != nil {
		t.Fatalf("scopes: %v", err)
	}
	if dir.grantCalls != 1 {
		t.Fatalf("expected one grant lookup per request, got %d", dir.grantCalls)
	}

	if _, err := a.Authorize(ctx, NewRequestCache(), actor, PermUnitRead, target(LevelUnit, "U1")); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if dir.grantCalls != 2 {
		t.Fatalf("a new request must reload grants, got %d lookups", dir.grantCalls)
	}
	if dir.hierarchyCalls != 1 {
		t.Fatalf("hierarchy should be reused within its TTL, got %d loads", dir.hierarchyCalls)
	}
}

func TestAuthorizeAuditsEveryDecision(t *testing.T) {
	dir := newFakeDirectory()
	dir.set("pm", []RoleBinding{binding("pm", RolePropertyManager, LevelProperty, "P1")}, nil)
	logger := &recordingLogger{}
	a := newTestAuthorizer(dir, logger)
	actor := Actor{ID: "pm"}
	ctx := ContextWithRequestInfo(context.Background(), RequestInfo{RequestID: "req-1", IP: "10.0.0.1", UserAgent: "test"})

	cases := []struct {
		perm   Permission
		target *TargetScope
		allow  bool
	}{
		{PermUnitRead, target(LevelUnit, "U1"), true},
		{PermUnitRead, target(LevelUnit, "U4"), false},
		{PermExpenseApprove, target(LevelProperty, "P1"), false},
		{PermLeaseRead, nil, true},
	}
	for i, tc := range cases {
		d, err := a.Authorize(ctx, NewRequestCache(), actor, tc.perm, tc.target)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if d.Allow != tc.allow {
			t.Fatalf("case %d: allow=%v, want %v", i, d.Allow, tc.allow)
		}
		if logger.count() != i+1 {
			t.Fatalf("case %d: expected %d audit entries, got %d", i, i+1, logger.count())
		}
		last := logger.entries[i]
		if last.decision != d {
			t.Fatalf("case %d: audited %+v, returned %+v", i, last.decision, d)
		}
		if last.info.RequestID != "req-1" || last.actor.ID != "pm" {
			t.Fatalf("case %d: audit context lost: %+v", i, last)
		}
	}
	if logger.entries[0].resourceID != "U1" || logger.entries[0].action != "read" {
		t.Fatalf("unexpected audit fields: %+v", logger.entries[0])
	}
}

func TestAuthorizeUnknownPermission(t *testing.T) {
	logger := &recordingLogger{}
	a := newTestAuthorizer(newFakeDirectory(), logger)
	d, err := a.Authorize(context.Background(), nil, Actor{ID: "x"}, Perm("financial", "yacht", ActionCreate), nil)
	if !errors.Is(err, ErrUnknownPermission) {
		t.Fatalf("expected ErrUnknownPermission, got %v", err)
	}
	if d.Allow || d.Reason != ReasonEvaluationError {
		t.Fatalf("expected evaluation_error deny, got %+v", d)
	}
	if logger.count() != 1 {
		t.Fatalf("failed evaluation must still be audited")
	}
}

func TestAuthorizeStoreFailureDenies(t *testing.T) {
	dir := newFakeDirectory()
	dir.err = errors.New("connection refused")
	a := newTestAuthorizer(dir, &recordingLogger{})
	d, err := a.Authorize(context.Background(), nil, Actor{ID: "pm"}, PermUnitRead, target(LevelUnit, "U1"))
	if err == nil || d.Allow {
		t.Fatalf("expected deny with error, got %+v %v", d, err)
	}
}

func TestAuthorizeCorruptScopeData(t *testing.T) {
	dir := newFakeDirectory()
	dir.set("pm", []RoleBinding{binding("pm", RolePropertyManager, LevelProperty, "P404")}, nil)
	a := newTestAuthorizer(dir, &recordingLogger{})
	_, err := a.Authorize(context.Background(), nil, Actor{ID: "pm"}, PermUnitRead, target(LevelUnit, "U1"))
	if !errors.Is(err, ErrCorruptScope) {
		t.Fatalf("expected ErrCorruptScope, got %v", err)
	}
}

func TestAuthorizeRejectsInconsistentTarget(t *testing.T) {
	dir := newFakeDirectory()
	dir.set("pm", []RoleBinding{binding("pm", RolePropertyManager, LevelProperty, "P1")}, nil)
	a := newTestAuthorizer(dir, &recordingLogger{})
	d, err := a.Authorize(context.Background(), nil, Actor{ID: "pm"}, PermUnitRead, &TargetScope{PropertyID: "P2", UnitID: "U1"})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Allow || d.Reason != ReasonOutOfScope {
		t.Fatalf("expected out_of_scope for mismatched path, got %+v", d)
	}
}

func TestAuthorizeZeroTargetIsCollection(t *testing.T) {
	dir := newFakeDirectory()
	dir.set("pm", []RoleBinding{binding("pm", RolePropertyManager, LevelProperty, "P1")}, nil)
	a := newTestAuthorizer(dir, &recordingLogger{})
	d, err := a.Authorize(context.Background(), nil, Actor{ID: "pm"}, PermUnitRead, &TargetScope{})
	if err != nil || !d.Allow || !d.FilterRequired {
		t.Fatalf("expected allow with filter, got %+v %v", d, err)
	}
}

func TestFilterByScope(t *testing.T) {
	dir := newFakeDirectory()
	dir.set("acct", []RoleBinding{binding("acct", RoleAccountant, LevelPortfolio, "F2")}, nil)
	a := newTestAuthorizer(dir, &recordingLogger{})
	ctx := context.Background()
	actor := Actor{ID: "acct"}

	q, err := a.FilterByScope(ctx, nil, NewQuery("payment"), actor, "payment")
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	where, args, err := q.SQL(1)
	if err != nil || where != "unit_id IN ($1)" || len(args) != 1 || args[0] != "U4" {
		t.Fatalf("unexpected filter %q %v %v", where, args, err)
	}

	q, err = a.FilterByScope(ctx, nil, NewQuery("yacht"), actor, "yacht")
	if !errors.Is(err, ErrUnknownResourceType) || !q.MatchesNothing() {
		t.Fatalf("unknown resource must fail closed: %+v %v", q, err)
	}
}

func TestHierarchySnapshotExpires(t *testing.T) {
	dir := newFakeDirectory()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := NewAuthorizer(dir, WithClock(clock.Now), WithHierarchyTTL(time.Second))
	ctx := context.Background()
	if _, err := a.Hierarchy(ctx); err != nil {
		t.Fatalf("hierarchy: %v", err)
	}
	if _, err := a.Hierarchy(ctx); err != nil {
		t.Fatalf("hierarchy: %v", err)
	}
	if dir.hierarchyCalls != 1 {
		t.Fatalf("expected cached snapshot, got %d loads", dir.hierarchyCalls)
	}
	clock.Advance(2 * time.Second)
	if _, err := a.Hierarchy(ctx); err != nil {
		t.Fatalf("hierarchy: %v", err)
	}
	if dir.hierarchyCalls != 2 {
		t.Fatalf("expected reload after TTL, got %d loads", dir.hierarchyCalls)
	}
	a.InvalidateHierarchy()
	if _, err := a.Hierarchy(ctx); err != nil {
		t.Fatalf("hierarchy: %v", err)
	}
	if dir.hierarchyCalls != 3 {
		t.Fatalf("expected reload after invalidation, got %d loads", dir.hierarchyCalls)
	}
}
