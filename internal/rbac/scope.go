package rbac

import (
	"encoding/json"
	"sort"
)

// ScopeSet is the transitively closed set of hierarchy nodes an actor may act
// within. Universal is set only for global platform roles.
type ScopeSet struct {
	Universal bool

	organizations map[string]struct{}
	portfolios    map[string]struct{}
	properties    map[string]struct{}
	units         map[string]struct{}
}

func (s *ScopeSet) set(level ScopeLevel) *map[string]struct{} {
	switch level {
	case LevelOrganization:
		return &s.organizations
	case LevelPortfolio:
		return &s.portfolios
	case LevelProperty:
		return &s.properties
	case LevelUnit:
		return &s.units
	}
	return nil
}

func (s *ScopeSet) add(level ScopeLevel, id string) {
	m := s.set(level)
	if m == nil {
		return
	}
	if *m == nil {
		*m = make(map[string]struct{})
	}
	(*m)[id] = struct{}{}
}

// Has reports whether the node is inside the set.
func (s ScopeSet) Has(level ScopeLevel, id string) bool {
	if s.Universal {
		return true
	}
	if id == "" {
		return false
	}
	m := s.set(level)
	if m == nil {
		return false
	}
	_, ok := (*m)[id]
	return ok
}

// Contains reports whether the node named by t lies inside the set. Only the
// most specific id is checked; the set is closed downward, so a unit is inside
// whenever any of its ancestors was granted. A target naming nothing is never
// contained.
func (s ScopeSet) Contains(t TargetScope) bool {
	level, id := t.MostSpecific()
	if id == "" {
		return false
	}
	return s.Has(level, id)
}

// IsEmpty reports whether the set grants nothing.
func (s ScopeSet) IsEmpty() bool {
	return !s.Universal && len(s.organizations) == 0 && len(s.portfolios) == 0 &&
		len(s.properties) == 0 && len(s.units) == 0
}

// IDs returns the sorted ids at level.
func (s ScopeSet) IDs(level ScopeLevel) []string {
	m := s.set(level)
	if m == nil || len(*m) == 0 {
		return nil
	}
	out := make([]string, 0, len(*m))
	for id := range *m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s ScopeSet) OrganizationIDs() []string { return s.IDs(LevelOrganization) }
func (s ScopeSet) PortfolioIDs() []string    { return s.IDs(LevelPortfolio) }
func (s ScopeSet) PropertyIDs() []string     { return s.IDs(LevelProperty) }
func (s ScopeSet) UnitIDs() []string         { return s.IDs(LevelUnit) }

// Union returns a new set holding both s and o.
func (s ScopeSet) Union(o ScopeSet) ScopeSet {
	out := ScopeSet{Universal: s.Universal || o.Universal}
	for _, src := range []ScopeSet{s, o} {
		for _, level := range []ScopeLevel{LevelOrganization, LevelPortfolio, LevelProperty, LevelUnit} {
			for id := range *src.set(level) {
				out.add(level, id)
			}
		}
	}
	return out
}

type scopeSetJSON struct {
	Universal       bool     `json:"universal"`
	OrganizationIDs []string `json:"organization_ids"`
	PortfolioIDs    []string `json:"portfolio_ids"`
	PropertyIDs     []string `json:"property_ids"`
	UnitIDs         []string `json:"unit_ids"`
}

func (s ScopeSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(scopeSetJSON{
		Universal:       s.Universal,
		OrganizationIDs: nonNil(s.OrganizationIDs()),
		PortfolioIDs:    nonNil(s.PortfolioIDs()),
		PropertyIDs:     nonNil(s.PropertyIDs()),
		UnitIDs:         nonNil(s.UnitIDs()),
	})
}

func (s *ScopeSet) UnmarshalJSON(data []byte) error {
	var raw scopeSetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ScopeSet{Universal: raw.Universal}
	for _, id := range raw.OrganizationIDs {
		s.add(LevelOrganization, id)
	}
	for _, id := range raw.PortfolioIDs {
		s.add(LevelPortfolio, id)
	}
	for _, id := range raw.PropertyIDs {
		s.add(LevelProperty, id)
	}
	for _, id := range raw.UnitIDs {
		s.add(LevelUnit, id)
	}
	return nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// ResolveScopes expands the actor's active role bindings into a ScopeSet.
// Bindings without an anchor scope the actor to its own organization, except
// for global roles which yield the universal scope. Expansions are unioned.
// An actor without active bindings gets an empty set.
func ResolveScopes(actor Actor, bindings []RoleBinding, h *Hierarchy, c *Catalog) (ScopeSet, error) {
	var out ScopeSet
	for _, b := range bindings {
		if !b.Active || b.ActorID != actor.ID {
			continue
		}
		if _, ok := c.Role(b.Role); !ok {
			continue
		}
		anchor := b.Anchor
		if anchor.IsZero() {
			if c.IsGlobal(b.Role) {
				out.Universal = true
				continue
			}
			if actor.OrganizationID == "" {
				continue
			}
			anchor = ScopeAnchor{Level: LevelOrganization, ID: actor.OrganizationID}
		}
		if err := h.Expand(anchor, &out); err != nil {
			return ScopeSet{}, err
		}
	}
	return out, nil
}
