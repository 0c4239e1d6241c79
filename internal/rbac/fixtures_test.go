package rbac

import (
	"context"
	"sync"
	"testing"
	"time"
)

// testNodes builds two organizations:
//
//	O1 ─ F1 ─ P1 ─ U1, U2
//	   │    └ P2 ─ U3
//	   └ F2 ─ P3 ─ U4
//	O2 ─ F3 ─ P4 ─ U5
func testNodes() []Node {
	return []Node{
		{Level: LevelOrganization, ID: "O1"},
		{Level: LevelOrganization, ID: "O2"},
		{Level: LevelPortfolio, ID: "F1", ParentID: "O1"},
		{Level: LevelPortfolio, ID: "F2", ParentID: "O1"},
		{Level: LevelPortfolio, ID: "F3", ParentID: "O2"},
		{Level: LevelProperty, ID: "P1", ParentID: "F1"},
		{Level: LevelProperty, ID: "P2", ParentID: "F1"},
		{Level: LevelProperty, ID: "P3", ParentID: "F2"},
		{Level: LevelProperty, ID: "P4", ParentID: "F3"},
		{Level: LevelUnit, ID: "U1", ParentID: "P1"},
		{Level: LevelUnit, ID: "U2", ParentID: "P1"},
		{Level: LevelUnit, ID: "U3", ParentID: "P2"},
		{Level: LevelUnit, ID: "U4", ParentID: "P3"},
		{Level: LevelUnit, ID: "U5", ParentID: "P4"},
	}
}

func testHierarchy(t *testing.T) *Hierarchy {
	t.Helper()
	h, err := NewHierarchy(testNodes())
	if err != nil {
		t.Fatalf("NewHierarchy: %v", err)
	}
	return h
}

func binding(actorID string, role Role, level ScopeLevel, id string) RoleBinding {
	b := RoleBinding{ID: "rb_" + actorID + "_" + string(role) + id, ActorID: actorID, Role: role, Active: true}
	if level != "" {
		b.Anchor = ScopeAnchor{Level: level, ID: id}
	}
	return b
}

func override(actorID string, perm Permission, effect Effect, level ScopeLevel, id string) Override {
	o := Override{ID: "ovr_" + actorID + perm.Key(), ActorID: actorID, Permission: perm, Effect: effect}
	if level != "" {
		o.Anchor = ScopeAnchor{Level: level, ID: id}
	}
	return o
}

type fakeDirectory struct {
	mu             sync.Mutex
	nodes          []Node
	grants         map[string]ActorGrants
	grantCalls     int
	hierarchyCalls int
	err            error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{nodes: testNodes(), grants: make(map[string]ActorGrants)}
}

func (d *fakeDirectory) set(actorID string, bindings []RoleBinding, overrides []Override) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grants[actorID] = ActorGrants{ActorID: actorID, Bindings: bindings, Overrides: overrides}
}

func (d *fakeDirectory) ActorGrants(_ context.Context, actorID string) (ActorGrants, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grantCalls++
	if d.err != nil {
		return ActorGrants{}, d.err
	}
	g, ok := d.grants[actorID]
	if !ok {
		return ActorGrants{ActorID: actorID}, nil
	}
	return g, nil
}

func (d *fakeDirectory) HierarchyNodes(context.Context) ([]Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hierarchyCalls++
	return append([]Node(nil), d.nodes...), nil
}

type loggedDecision struct {
	actor      Actor
	action     string
	resource   string
	resourceID string
	decision   Decision
	info       RequestInfo
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []loggedDecision
}

func (l *recordingLogger) LogDecision(_ context.Context, actor Actor, action, resource, resourceID string, d Decision, info RequestInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, loggedDecision{actor, action, resource, resourceID, d, info})
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
