package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"leasehold.org/internal/rbac"
)

var (
	_ rbac.Directory  = (*Store)(nil)
	_ rbac.AdminStore = (*Store)(nil)
)

// ActorGrants loads active role bindings and unrevoked overrides in a single
// round trip.
func (s *Store) ActorGrants(ctx context.Context, actorID string) (rbac.ActorGrants, error) {
	if s.db == nil {
		return rbac.ActorGrants{}, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select 'role', id, role, coalesce(scope_level, ''), coalesce(scope_id, ''), '', '', assigned_at
		from user_roles
		where actor_id = $1 and active
		union all
		select 'override', id, permission, coalesce(scope_level, ''), coalesce(scope_id, ''), effect, coalesce(created_by, ''), created_at
		from user_permissions
		where actor_id = $1 and revoked_at is null
	`, actorID)
	if err != nil {
		return rbac.ActorGrants{}, err
	}
	defer rows.Close()

	out := rbac.ActorGrants{ActorID: actorID}
	for rows.Next() {
		var (
			kind, id, name, level, scopeID, effect, createdBy string
			at                                                time.Time
		)
		if err := rows.Scan(&kind, &id, &name, &level, &scopeID, &effect, &createdBy, &at); err != nil {
			return rbac.ActorGrants{}, err
		}
		anchor := rbac.ScopeAnchor{Level: rbac.ScopeLevel(level), ID: scopeID}
		switch kind {
		case "role":
			out.Bindings = append(out.Bindings, rbac.RoleBinding{
				ID: id, ActorID: actorID, Role: rbac.Role(name), Anchor: anchor, Active: true, AssignedAt: at,
			})
		case "override":
			perm, err := rbac.ParsePermission(name)
			if err != nil {
				return rbac.ActorGrants{}, fmt.Errorf("override %s: %w", id, err)
			}
			out.Overrides = append(out.Overrides, rbac.Override{
				ID: id, ActorID: actorID, Permission: perm, Effect: rbac.Effect(effect),
				Anchor: anchor, CreatedBy: createdBy, CreatedAt: at,
			})
		}
	}
	return out, rows.Err()
}

// HierarchyNodes loads the whole scope tree in one query.
func (s *Store) HierarchyNodes(ctx context.Context) ([]rbac.Node, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select 'organization', id, '' from organizations
		union all
		select 'portfolio', id, organization_id from portfolios
		union all
		select 'property', id, portfolio_id from properties
		union all
		select 'unit', id, property_id from units
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []rbac.Node
	for rows.Next() {
		var level, id, parent string
		if err := rows.Scan(&level, &id, &parent); err != nil {
			return nil, err
		}
		nodes = append(nodes, rbac.Node{Level: rbac.ScopeLevel(level), ID: id, ParentID: parent})
	}
	return nodes, rows.Err()
}

func (s *Store) CreateBinding(ctx context.Context, b rbac.RoleBinding) (rbac.RoleBinding, error) {
	if s.db == nil {
		return rbac.RoleBinding{}, errNoDB
	}
	err := s.db.QueryRowContext(ctx, `
		insert into user_roles (id, actor_id, role, scope_level, scope_id, active, assigned_at)
		values ($1, $2, $3, $4, $5, true, $6)
		returning assigned_at
	`, b.ID, b.ActorID, string(b.Role), nullIfEmpty(string(b.Anchor.Level)), nullIfEmpty(b.Anchor.ID), b.AssignedAt).Scan(&b.AssignedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.RoleBinding{}, fmt.Errorf("%w: %s already holds %s at %s", rbac.ErrConflict, b.ActorID, b.Role, b.Anchor)
		}
		return rbac.RoleBinding{}, err
	}
	b.Active = true
	return b, nil
}

func (s *Store) DeactivateBinding(ctx context.Context, actorID, bindingID string) (rbac.RoleBinding, error) {
	if s.db == nil {
		return rbac.RoleBinding{}, errNoDB
	}
	var (
		b            = rbac.RoleBinding{ID: bindingID, ActorID: actorID}
		role         string
		level, scope sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		update user_roles set active = false
		where id = $1 and actor_id = $2
		returning role, scope_level, scope_id, assigned_at
	`, bindingID, actorID).Scan(&role, &level, &scope, &b.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.RoleBinding{}, fmt.Errorf("%w: binding %s", rbac.ErrNotFound, bindingID)
	}
	if err != nil {
		return rbac.RoleBinding{}, err
	}
	b.Role = rbac.Role(role)
	b.Anchor = rbac.ScopeAnchor{Level: rbac.ScopeLevel(level.String), ID: scope.String}
	return b, nil
}

func (s *Store) ListBindings(ctx context.Context, actorID string) ([]rbac.RoleBinding, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, role, coalesce(scope_level, ''), coalesce(scope_id, ''), active, assigned_at
		from user_roles
		where actor_id = $1
		order by assigned_at, id
	`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rbac.RoleBinding
	for rows.Next() {
		b := rbac.RoleBinding{ActorID: actorID}
		var role, level, scope string
		if err := rows.Scan(&b.ID, &role, &level, &scope, &b.Active, &b.AssignedAt); err != nil {
			return nil, err
		}
		b.Role = rbac.Role(role)
		b.Anchor = rbac.ScopeAnchor{Level: rbac.ScopeLevel(level), ID: scope}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) CreateOverride(ctx context.Context, o rbac.Override) (rbac.Override, error) {
	if s.db == nil {
		return rbac.Override{}, errNoDB
	}
	err := s.db.QueryRowContext(ctx, `
		insert into user_permissions (id, actor_id, permission, effect, scope_level, scope_id, created_by, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning created_at
	`, o.ID, o.ActorID, o.Permission.Key(), string(o.Effect), nullIfEmpty(string(o.Anchor.Level)), nullIfEmpty(o.Anchor.ID),
		nullIfEmpty(o.CreatedBy), o.CreatedAt).Scan(&o.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.Override{}, fmt.Errorf("%w: override %s", rbac.ErrConflict, o.ID)
		}
		return rbac.Override{}, err
	}
	return o, nil
}

func (s *Store) RevokeOverride(ctx context.Context, actorID, overrideID string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update user_permissions set revoked_at = $3
		where id = $1 and actor_id = $2 and revoked_at is null
	`, overrideID, actorID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: override %s", rbac.ErrNotFound, overrideID)
	}
	return nil
}

func (s *Store) ListOverrides(ctx context.Context, actorID string) ([]rbac.Override, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, permission, effect, coalesce(scope_level, ''), coalesce(scope_id, ''), coalesce(created_by, ''), created_at
		from user_permissions
		where actor_id = $1 and revoked_at is null
		order by created_at, id
	`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rbac.Override
	for rows.Next() {
		o := rbac.Override{ActorID: actorID}
		var key, effect, level, scope string
		if err := rows.Scan(&o.ID, &key, &effect, &level, &scope, &o.CreatedBy, &o.CreatedAt); err != nil {
			return nil, err
		}
		perm, err := rbac.ParsePermission(key)
		if err != nil {
			return nil, fmt.Errorf("override %s: %w", o.ID, err)
		}
		o.Permission = perm
		o.Effect = rbac.Effect(effect)
		o.Anchor = rbac.ScopeAnchor{Level: rbac.ScopeLevel(level), ID: scope}
		out = append(out, o)
	}
	return out, rows.Err()
}
