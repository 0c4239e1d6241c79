package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"leasehold.org/internal/approval"
	"leasehold.org/internal/rbac"
)

var _ approval.Store = (*Store)(nil)

const approvalColumns = `id, workflow, entity_type, entity_id, scope, requested_by, required_approver,
	status, change, coalesce(decided_by, ''), decided_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (approval.Request, error) {
	var (
		r                         approval.Request
		workflow, approver, state string
		scope, change             []byte
		decidedAt                 sql.NullTime
	)
	if err := row.Scan(&r.ID, &workflow, &r.EntityType, &r.EntityID, &scope, &r.RequestedBy, &approver,
		&state, &change, &r.DecidedBy, &decidedAt, &r.CreatedAt); err != nil {
		return approval.Request{}, err
	}
	r.Workflow = approval.WorkflowType(workflow)
	r.RequiredApprover = rbac.Role(approver)
	r.Status = approval.Status(state)
	if len(scope) > 0 {
		if err := json.Unmarshal(scope, &r.Scope); err != nil {
			return approval.Request{}, fmt.Errorf("approval %s scope: %w", r.ID, err)
		}
	}
	if len(change) > 0 {
		if err := json.Unmarshal(change, &r.Change); err != nil {
			return approval.Request{}, fmt.Errorf("approval %s change: %w", r.ID, err)
		}
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		r.DecidedAt = &t
	}
	return r, nil
}

// CreatePending relies on the partial unique index over pending rows; the
// losing insert of a race gets 23505 and reports the winner.
func (s *Store) CreatePending(ctx context.Context, r approval.Request) (approval.Request, error) {
	if s.db == nil {
		return approval.Request{}, errNoDB
	}
	scope, err := json.Marshal(r.Scope)
	if err != nil {
		return approval.Request{}, err
	}
	change, err := json.Marshal(r.Change)
	if err != nil {
		return approval.Request{}, err
	}
	r.Status = approval.StatusPending
	err = s.db.QueryRowContext(ctx, `
		insert into approval_requests (id, workflow, entity_type, entity_id, scope, requested_by, required_approver, status, change, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		returning created_at
	`, r.ID, string(r.Workflow), r.EntityType, r.EntityID, scope, r.RequestedBy, string(r.RequiredApprover),
		string(r.Status), change, r.CreatedAt).Scan(&r.CreatedAt)
	if err == nil {
		return r, nil
	}
	pgErr, ok := maybePgError(err)
	if !ok || pgErr.Code != pgErrUniqueViolation {
		return approval.Request{}, err
	}
	conflict := &approval.ConflictError{EntityType: r.EntityType, EntityID: r.EntityID}
	lookupErr := s.db.QueryRowContext(ctx, `
		select id from approval_requests
		where entity_type = $1 and entity_id = $2 and status = 'pending'
	`, r.EntityType, r.EntityID).Scan(&conflict.ExistingID)
	if lookupErr != nil && !errors.Is(lookupErr, sql.ErrNoRows) {
		return approval.Request{}, lookupErr
	}
	return approval.Request{}, conflict
}

func (s *Store) Get(ctx context.Context, id string) (approval.Request, error) {
	if s.db == nil {
		return approval.Request{}, errNoDB
	}
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`select `+approvalColumns+` from approval_requests where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return approval.Request{}, fmt.Errorf("%w: %s", approval.ErrNotFound, id)
	}
	return r, err
}

// Transition is a conditional update on status = 'pending', so concurrent
// deciders cannot both win.
func (s *Store) Transition(ctx context.Context, id string, to approval.Status, decidedBy string, at time.Time) (approval.Request, error) {
	if s.db == nil {
		return approval.Request{}, errNoDB
	}
	if !to.Terminal() {
		return approval.Request{}, fmt.Errorf("%w: target status %q", approval.ErrInvalidTransition, to)
	}
	r, err := scanRequest(s.db.QueryRowContext(ctx, `
		update approval_requests
		set status = $2, decided_by = $3, decided_at = $4
		where id = $1 and status = 'pending'
		returning `+approvalColumns, id, string(to), decidedBy, at))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return approval.Request{}, err
	}
	var current string
	err = s.db.QueryRowContext(ctx, `select status from approval_requests where id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return approval.Request{}, fmt.Errorf("%w: %s", approval.ErrNotFound, id)
	}
	if err != nil {
		return approval.Request{}, err
	}
	return approval.Request{}, fmt.Errorf("%w: %s is %s", approval.ErrInvalidTransition, id, current)
}

func (s *Store) List(ctx context.Context, f approval.Filter) ([]approval.Request, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Workflow != "" {
		args = append(args, string(f.Workflow))
		where = append(where, fmt.Sprintf("workflow = $%d", len(args)))
	}
	query := `select ` + approvalColumns + ` from approval_requests`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += ` order by created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []approval.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
