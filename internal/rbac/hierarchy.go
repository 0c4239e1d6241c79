package rbac

import (
	"fmt"
	"sort"
)

// Node is one vertex of the organization → portfolio → property → unit tree.
// Organizations have no parent; every other node's parent sits exactly one
// level above it.
type Node struct {
	Level    ScopeLevel `json:"level"`
	ID       string     `json:"id"`
	ParentID string     `json:"parent_id,omitempty"`
}

type nodeKey struct {
	level ScopeLevel
	id    string
}

// Hierarchy is an immutable snapshot of the scope tree. It is safe for
// concurrent use.
type Hierarchy struct {
	nodes    []Node
	parent   map[nodeKey]string
	children map[nodeKey][]string
}

// NewHierarchy validates nodes as a strict tree and indexes them. Dangling
// parents, parents on the wrong level and duplicate ids are reported as
// ErrCorruptScope.
func NewHierarchy(nodes []Node) (*Hierarchy, error) {
	h := &Hierarchy{
		nodes:    make([]Node, 0, len(nodes)),
		parent:   make(map[nodeKey]string, len(nodes)),
		children: make(map[nodeKey][]string),
	}
	for _, n := range nodes {
		if !n.Level.Valid() || n.ID == "" {
			return nil, fmt.Errorf("%w: invalid node %q at level %q", ErrCorruptScope, n.ID, n.Level)
		}
		key := nodeKey{n.Level, n.ID}
		if _, dup := h.parent[key]; dup {
			return nil, fmt.Errorf("%w: duplicate %s %s", ErrCorruptScope, n.Level, n.ID)
		}
		if n.Level == LevelOrganization {
			if n.ParentID != "" {
				return nil, fmt.Errorf("%w: organization %s has a parent", ErrCorruptScope, n.ID)
			}
		} else if n.ParentID == "" {
			return nil, fmt.Errorf("%w: %s %s has no parent", ErrCorruptScope, n.Level, n.ID)
		}
		h.parent[key] = n.ParentID
		h.nodes = append(h.nodes, n)
	}
	for _, n := range h.nodes {
		if n.Level == LevelOrganization {
			continue
		}
		up := parentLevel(n.Level)
		pk := nodeKey{up, n.ParentID}
		if _, ok := h.parent[pk]; !ok {
			return nil, fmt.Errorf("%w: %s %s references missing %s %s", ErrCorruptScope, n.Level, n.ID, up, n.ParentID)
		}
		h.children[pk] = append(h.children[pk], n.ID)
	}
	for k := range h.children {
		sort.Strings(h.children[k])
	}
	return h, nil
}

func parentLevel(l ScopeLevel) ScopeLevel {
	switch l {
	case LevelPortfolio:
		return LevelOrganization
	case LevelProperty:
		return LevelPortfolio
	case LevelUnit:
		return LevelProperty
	}
	return ""
}

func childLevel(l ScopeLevel) ScopeLevel {
	switch l {
	case LevelOrganization:
		return LevelPortfolio
	case LevelPortfolio:
		return LevelProperty
	case LevelProperty:
		return LevelUnit
	}
	return ""
}

// Has reports whether the node exists.
func (h *Hierarchy) Has(level ScopeLevel, id string) bool {
	_, ok := h.parent[nodeKey{level, id}]
	return ok
}

// Nodes returns the nodes the snapshot was built from.
func (h *Hierarchy) Nodes() []Node {
	out := make([]Node, len(h.nodes))
	copy(out, h.nodes)
	return out
}

// Len returns the number of nodes.
func (h *Hierarchy) Len() int { return len(h.nodes) }

// Path returns the node and all of its ancestors as a TargetScope.
func (h *Hierarchy) Path(level ScopeLevel, id string) (TargetScope, error) {
	if !h.Has(level, id) {
		return TargetScope{}, fmt.Errorf("%w: %s %s", ErrNotFound, level, id)
	}
	var t TargetScope
	for level != "" {
		switch level {
		case LevelOrganization:
			t.OrganizationID = id
		case LevelPortfolio:
			t.PortfolioID = id
		case LevelProperty:
			t.PropertyID = id
		case LevelUnit:
			t.UnitID = id
		}
		id = h.parent[nodeKey{level, id}]
		level = parentLevel(level)
	}
	return t, nil
}

// Expand adds the anchor node and every node below it to into. This is the
// only place where scope containment is derived from the tree.
func (h *Hierarchy) Expand(anchor ScopeAnchor, into *ScopeSet) error {
	if !anchor.Level.Valid() || anchor.ID == "" {
		return fmt.Errorf("%w: invalid anchor %s", ErrCorruptScope, anchor)
	}
	if !h.Has(anchor.Level, anchor.ID) {
		return fmt.Errorf("%w: anchor %s not in hierarchy", ErrCorruptScope, anchor)
	}
	frontier := []string{anchor.ID}
	for level := anchor.Level; level != "" && len(frontier) > 0; level = childLevel(level) {
		var next []string
		for _, id := range frontier {
			into.add(level, id)
			next = append(next, h.children[nodeKey{level, id}]...)
		}
		frontier = next
	}
	return nil
}
