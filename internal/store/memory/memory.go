// Package memory is an in-process implementation of the authorization and
// approval stores, used by tests and single-node development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"leasehold.org/internal/approval"
	"leasehold.org/internal/rbac"
)

// Store keeps hierarchy nodes, role bindings, overrides and approval requests
// in memory. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	nodes     []rbac.Node
	bindings  map[string][]rbac.RoleBinding
	overrides map[string][]storedOverride
	approvals map[string]approval.Request
	pending   map[string]string // entity type/id -> pending request id
}

type storedOverride struct {
	rbac.Override
	revokedAt *time.Time
}

var (
	_ rbac.Directory  = (*Store)(nil)
	_ rbac.AdminStore = (*Store)(nil)
	_ approval.Store  = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		bindings:  make(map[string][]rbac.RoleBinding),
		overrides: make(map[string][]storedOverride),
		approvals: make(map[string]approval.Request),
		pending:   make(map[string]string),
	}
}

// AddNodes appends hierarchy nodes. Tree validation happens when the
// authorizer loads the snapshot.
func (s *Store) AddNodes(nodes ...rbac.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append(s.nodes, nodes...)
}

func (s *Store) HierarchyNodes(context.Context) ([]rbac.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]rbac.Node(nil), s.nodes...), nil
}

func (s *Store) ActorGrants(_ context.Context, actorID string) (rbac.ActorGrants, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := rbac.ActorGrants{
		ActorID:  actorID,
		Bindings: append([]rbac.RoleBinding(nil), s.bindings[actorID]...),
	}
	for _, o := range s.overrides[actorID] {
		if o.revokedAt == nil {
			out.Overrides = append(out.Overrides, o.Override)
		}
	}
	return out, nil
}

func (s *Store) CreateBinding(_ context.Context, b rbac.RoleBinding) (rbac.RoleBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.bindings[b.ActorID] {
		if existing.ID == b.ID {
			return rbac.RoleBinding{}, fmt.Errorf("%w: binding %s", rbac.ErrConflict, b.ID)
		}
		if existing.Active && existing.Role == b.Role && existing.Anchor == b.Anchor {
			return rbac.RoleBinding{}, fmt.Errorf("%w: %s already holds %s at %s", rbac.ErrConflict, b.ActorID, b.Role, b.Anchor)
		}
	}
	s.bindings[b.ActorID] = append(s.bindings[b.ActorID], b)
	return b, nil
}

func (s *Store) DeactivateBinding(_ context.Context, actorID, bindingID string) (rbac.RoleBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.bindings[actorID]
	for i := range list {
		if list[i].ID == bindingID {
			list[i].Active = false
			return list[i], nil
		}
	}
	return rbac.RoleBinding{}, fmt.Errorf("%w: binding %s", rbac.ErrNotFound, bindingID)
}

func (s *Store) ListBindings(_ context.Context, actorID string) ([]rbac.RoleBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]rbac.RoleBinding(nil), s.bindings[actorID]...), nil
}

func (s *Store) CreateOverride(_ context.Context, o rbac.Override) (rbac.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[o.ActorID] = append(s.overrides[o.ActorID], storedOverride{Override: o})
	return o, nil
}

func (s *Store) RevokeOverride(_ context.Context, actorID, overrideID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.overrides[actorID]
	for i := range list {
		if list[i].ID == overrideID && list[i].revokedAt == nil {
			t := at
			list[i].revokedAt = &t
			return nil
		}
	}
	return fmt.Errorf("%w: override %s", rbac.ErrNotFound, overrideID)
}

func (s *Store) ListOverrides(_ context.Context, actorID string) ([]rbac.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.Override
	for _, o := range s.overrides[actorID] {
		if o.revokedAt == nil {
			out = append(out, o.Override)
		}
	}
	return out, nil
}

func entityKey(entityType, entityID string) string { return entityType + "/" + entityID }

func (s *Store) CreatePending(_ context.Context, r approval.Request) (approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entityKey(r.EntityType, r.EntityID)
	if existing, ok := s.pending[key]; ok {
		return approval.Request{}, &approval.ConflictError{EntityType: r.EntityType, EntityID: r.EntityID, ExistingID: existing}
	}
	r.Status = approval.StatusPending
	s.approvals[r.ID] = r
	s.pending[key] = r.ID
	return r, nil
}

func (s *Store) Get(_ context.Context, id string) (approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.approvals[id]
	if !ok {
		return approval.Request{}, fmt.Errorf("%w: %s", approval.ErrNotFound, id)
	}
	return r, nil
}

func (s *Store) Transition(_ context.Context, id string, to approval.Status, decidedBy string, at time.Time) (approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.approvals[id]
	if !ok {
		return approval.Request{}, fmt.Errorf("%w: %s", approval.ErrNotFound, id)
	}
	if r.Status != approval.StatusPending {
		return approval.Request{}, fmt.Errorf("%w: %s is %s", approval.ErrInvalidTransition, id, r.Status)
	}
	decided := at
	r.Status = to
	r.DecidedBy = decidedBy
	r.DecidedAt = &decided
	s.approvals[id] = r
	delete(s.pending, entityKey(r.EntityType, r.EntityID))
	return r, nil
}

func (s *Store) List(_ context.Context, f approval.Filter) ([]approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []approval.Request
	for _, r := range s.approvals {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Workflow != "" && r.Workflow != f.Workflow {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
