package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"leasehold.org/internal/approval"
	"leasehold.org/internal/audit"
	"leasehold.org/internal/rbac"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

var ts = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestActorGrantsSingleQuery(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"kind", "id", "name", "level", "scope_id", "effect", "created_by", "at"}).
		AddRow("role", "rb_1", "property-manager", "property", "prop_elm", "", "", ts).
		AddRow("role", "rb_2", "platform-admin", "", "", "", "", ts).
		AddRow("override", "ovr_1", "financial.expense.approve", "unit", "unit_1", "deny", "admin_1", ts)
	mock.ExpectQuery("from user_roles").WithArgs("pm_1").WillReturnRows(rows)

	g, err := s.ActorGrants(context.Background(), "pm_1")
	if err != nil {
		t.Fatalf("ActorGrants: %v", err)
	}
	if len(g.Bindings) != 2 || len(g.Overrides) != 1 {
		t.Fatalf("unexpected grants: %+v", g)
	}
	if g.Bindings[0].Anchor != (rbac.ScopeAnchor{Level: rbac.LevelProperty, ID: "prop_elm"}) || !g.Bindings[0].Active {
		t.Fatalf("binding not mapped: %+v", g.Bindings[0])
	}
	if !g.Bindings[1].Anchor.IsZero() {
		t.Fatalf("unanchored binding got anchor %s", g.Bindings[1].Anchor)
	}
	o := g.Overrides[0]
	if o.Effect != rbac.EffectDeny || o.Permission.Key() != "financial.expense.approve" || o.CreatedBy != "admin_1" {
		t.Fatalf("override not mapped: %+v", o)
	}
}

func TestActorGrantsRejectsMalformedPermission(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"kind", "id", "name", "level", "scope_id", "effect", "created_by", "at"}).
		AddRow("override", "ovr_1", "not-a-key", "", "", "grant", "", ts)
	mock.ExpectQuery("from user_roles").WithArgs("a1").WillReturnRows(rows)

	if _, err := s.ActorGrants(context.Background(), "a1"); !errors.Is(err, rbac.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestHierarchyNodes(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"level", "id", "parent"}).
		AddRow("organization", "org_1", "").
		AddRow("portfolio", "pf_1", "org_1").
		AddRow("property", "prop_1", "pf_1").
		AddRow("unit", "unit_1", "prop_1")
	mock.ExpectQuery("from organizations").WillReturnRows(rows)

	nodes, err := s.HierarchyNodes(context.Background())
	if err != nil {
		t.Fatalf("HierarchyNodes: %v", err)
	}
	h, err := rbac.NewHierarchy(nodes)
	if err != nil {
		t.Fatalf("NewHierarchy: %v", err)
	}
	path, err := h.Path(rbac.LevelUnit, "unit_1")
	if err != nil || path.OrganizationID != "org_1" {
		t.Fatalf("path %+v err %v", path, err)
	}
}

func TestCreateBindingConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("insert into user_roles").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := s.CreateBinding(context.Background(), rbac.RoleBinding{
		ID: "rb_1", ActorID: "a1", Role: "tenant", Anchor: rbac.ScopeAnchor{Level: rbac.LevelUnit, ID: "u1"}, AssignedAt: ts,
	})
	if !errors.Is(err, rbac.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestDeactivateBindingNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("update user_roles set active = false").
		WithArgs("rb_x", "a1").
		WillReturnRows(sqlmock.NewRows([]string{"role", "scope_level", "scope_id", "assigned_at"}))

	if _, err := s.DeactivateBinding(context.Background(), "a1", "rb_x"); !errors.Is(err, rbac.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRevokeOverride(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("update user_permissions set revoked_at").
		WithArgs("ovr_1", "a1", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update user_permissions set revoked_at").
		WithArgs("ovr_1", "a1", ts).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.RevokeOverride(context.Background(), "a1", "ovr_1", ts); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := s.RevokeOverride(context.Background(), "a1", "ovr_1", ts); !errors.Is(err, rbac.ErrNotFound) {
		t.Fatalf("second revoke: expected ErrNotFound, got %v", err)
	}
}

func approvalRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "workflow", "entity_type", "entity_id", "scope", "requested_by",
		"required_approver", "status", "change", "decided_by", "decided_at", "created_at"})
}

func TestCreatePendingReportsExistingRequest(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("insert into approval_requests").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectQuery("select id from approval_requests").
		WithArgs("expense", "exp_1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("apr_first"))

	_, err := s.CreatePending(context.Background(), approval.Request{
		ID: "apr_second", Workflow: approval.WorkflowExpense, EntityType: "expense", EntityID: "exp_1",
		Scope: rbac.TargetScope{PropertyID: "prop_1"}, RequestedBy: "pm_1", RequiredApprover: "owner-landlord", CreatedAt: ts,
	})
	var conflict *approval.ConflictError
	if !errors.As(err, &conflict) || conflict.ExistingID != "apr_first" {
		t.Fatalf("expected conflict naming apr_first, got %v", err)
	}
	if !errors.Is(err, approval.ErrConflict) {
		t.Fatalf("conflict should match ErrConflict")
	}
}

func TestGetDecodesJSONColumns(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("from approval_requests where id").
		WithArgs("apr_1").
		WillReturnRows(approvalRow().AddRow("apr_1", "expense", "expense", "exp_1",
			[]byte(`{"property_id":"prop_1"}`), "pm_1", "owner-landlord", "approved",
			[]byte(`{"amount":75000}`), "owner_1", ts, ts))

	r, err := s.Get(context.Background(), "apr_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Scope.PropertyID != "prop_1" || r.Change.Amount == nil || *r.Change.Amount != 75000 {
		t.Fatalf("json columns not decoded: %+v", r)
	}
	if r.DecidedAt == nil || !r.DecidedAt.Equal(ts) || r.Status != approval.StatusApproved {
		t.Fatalf("decision not mapped: %+v", r)
	}
}

func TestTransitionAlreadyDecided(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("update approval_requests").
		WithArgs("apr_1", "approved", "owner_1", ts).
		WillReturnRows(approvalRow())
	mock.ExpectQuery("select status from approval_requests").
		WithArgs("apr_1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("rejected"))

	_, err := s.Transition(context.Background(), "apr_1", approval.StatusApproved, "owner_1", ts)
	if !errors.Is(err, approval.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransitionUnknownRequest(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("update approval_requests").WillReturnRows(approvalRow())
	mock.ExpectQuery("select status from approval_requests").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	_, err := s.Transition(context.Background(), "apr_x", approval.StatusRejected, "owner_1", ts)
	if !errors.Is(err, approval.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`where status = \$1 and workflow = \$2 order by created_at, id limit \$3`).
		WithArgs("pending", "lease", 10).
		WillReturnRows(approvalRow())

	out, err := s.List(context.Background(), approval.Filter{Status: approval.StatusPending, Workflow: approval.WorkflowLease, Limit: 10})
	if err != nil || len(out) != 0 {
		t.Fatalf("List: %v %v", out, err)
	}
}

func TestAuditSinkAppendOnly(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("insert into audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into audit_log").
		WillReturnError(&pgconn.PgError{Code: pgErrRaiseException, Message: "audit_log is append-only"})

	sink := s.AuditSink()
	e := audit.Entry{ID: "aud_1", OccurredAt: ts, ActorID: "a1", Action: "read", Resource: "financial.expense",
		Decision: "allow", Details: map[string]any{"permission": "financial.expense.read"}}
	if err := sink.Append(context.Background(), e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := sink.Append(context.Background(), e); !errors.Is(err, ErrAppendOnly) {
		t.Fatalf("expected ErrAppendOnly, got %v", err)
	}
}
