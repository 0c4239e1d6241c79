package rbac

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Op is a predicate operator understood by Query.
type Op string

const (
	OpEq   Op = "eq"
	OpIn   Op = "in"
	OpNone Op = "none" // matches no row
)

// Condition is one conjunct of a Query.
type Condition struct {
	Column string   `json:"column,omitempty"`
	Op     Op       `json:"op"`
	Values []string `json:"values,omitempty"`
}

// Query is a conjunctive predicate over one resource table. Callers build it
// with their own conditions and pass it through FilterByScope before running it.
type Query struct {
	Resource   string      `json:"resource"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// NewQuery starts an unconstrained query over resource.
func NewQuery(resource string) Query { return Query{Resource: resource} }

// And returns a copy of q with c appended. q itself is not modified.
func (q Query) And(c Condition) Query {
	out := q.clone()
	out.Conditions = append(out.Conditions, c)
	return out
}

// Where adds column = value.
func (q Query) Where(column, value string) Query {
	return q.And(Condition{Column: column, Op: OpEq, Values: []string{value}})
}

// MatchesNothing reports whether any conjunct excludes every row.
func (q Query) MatchesNothing() bool {
	for _, c := range q.Conditions {
		if c.Op == OpNone || (c.Op == OpIn && len(c.Values) == 0) {
			return true
		}
	}
	return false
}

// SQL renders the conditions as a PostgreSQL WHERE body with placeholders
// numbered from startArg. An unconstrained query renders as "TRUE".
func (q Query) SQL(startArg int) (string, []any, error) {
	if startArg < 1 {
		startArg = 1
	}
	if len(q.Conditions) == 0 {
		return "TRUE", nil, nil
	}
	parts := make([]string, 0, len(q.Conditions))
	var args []any
	n := startArg
	for _, c := range q.Conditions {
		switch c.Op {
		case OpNone:
			parts = append(parts, "FALSE")
			continue
		case OpEq, OpIn:
		default:
			return "", nil, fmt.Errorf("%w: unsupported operator %q", ErrInvalidInput, c.Op)
		}
		if !validColumn(c.Column) {
			return "", nil, fmt.Errorf("%w: invalid column %q", ErrInvalidInput, c.Column)
		}
		if c.Op == OpEq {
			if len(c.Values) != 1 {
				return "", nil, fmt.Errorf("%w: %s = expects one value", ErrInvalidInput, c.Column)
			}
			parts = append(parts, c.Column+" = $"+strconv.Itoa(n))
			args = append(args, c.Values[0])
			n++
			continue
		}
		if len(c.Values) == 0 {
			parts = append(parts, "FALSE")
			continue
		}
		ph := make([]string, len(c.Values))
		for i, v := range c.Values {
			ph[i] = "$" + strconv.Itoa(n)
			args = append(args, v)
			n++
		}
		parts = append(parts, c.Column+" IN ("+strings.Join(ph, ", ")+")")
	}
	return strings.Join(parts, " AND "), args, nil
}

func validColumn(col string) bool {
	if col == "" {
		return false
	}
	for i, r := range col {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z'):
		case r >= '0' && r <= '9' && i > 0:
		case r == '.' && i > 0 && i < len(col)-1:
		default:
			return false
		}
	}
	return true
}

type scopeColumn struct {
	column string
	level  ScopeLevel
}

// resourceScopes is the exhaustive mapping of list-able resource types to the
// hierarchy column they are constrained on.
var resourceScopes = map[string]scopeColumn{
	"organization":        {"id", LevelOrganization},
	"portfolio":           {"id", LevelPortfolio},
	"property":            {"id", LevelProperty},
	"unit":                {"id", LevelUnit},
	"lease":               {"unit_id", LevelUnit},
	"application":         {"property_id", LevelProperty},
	"expense":             {"property_id", LevelProperty},
	"payment":             {"unit_id", LevelUnit},
	"invoice":             {"property_id", LevelProperty},
	"maintenance_request": {"unit_id", LevelUnit},
	"work_order":          {"property_id", LevelProperty},
	"tenant":              {"unit_id", LevelUnit},
	"vendor":              {"organization_id", LevelOrganization},
	"document":            {"property_id", LevelProperty},
	"user":                {"organization_id", LevelOrganization},
}

// ResourceTypes lists the resource types the scope filter knows, sorted.
func ResourceTypes() []string {
	out := make([]string, 0, len(resourceScopes))
	for k := range resourceScopes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ScopeColumnFor returns the column and level resourceType is constrained on.
func ScopeColumnFor(resourceType string) (string, ScopeLevel, bool) {
	sc, ok := resourceScopes[resourceType]
	return sc.column, sc.level, ok
}

// ApplyScope restricts q to rows inside scopes. Existing conditions are kept
// as they are. An unknown resourceType returns ErrUnknownResourceType together
// with a query that matches nothing.
func ApplyScope(q Query, scopes ScopeSet, resourceType string) (Query, error) {
	sc, ok := resourceScopes[resourceType]
	if !ok {
		return q.And(Condition{Op: OpNone}), fmt.Errorf("%w: %q", ErrUnknownResourceType, resourceType)
	}
	if scopes.Universal {
		return q.clone(), nil
	}
	ids := scopes.IDs(sc.level)
	if len(ids) == 0 {
		return q.And(Condition{Op: OpNone}), nil
	}
	return q.And(Condition{Column: sc.column, Op: OpIn, Values: ids}), nil
}

func (q Query) clone() Query {
	out := Query{Resource: q.Resource}
	if len(q.Conditions) > 0 {
		out.Conditions = append([]Condition(nil), q.Conditions...)
	}
	return out
}
