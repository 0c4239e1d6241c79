package pg

import (
	"context"
	"encoding/json"
	"errors"

	"leasehold.org/internal/audit"
)

// ErrAppendOnly is returned when the audit_log trigger rejects a write.
var ErrAppendOnly = errors.New("audit log is append-only")

// AuditSink appends audit entries to audit_log. The table carries a trigger
// rejecting updates and deletes.
type AuditSink struct {
	store *Store
}

var _ audit.Sink = (*AuditSink)(nil)

func (s *Store) AuditSink() *AuditSink { return &AuditSink{store: s} }

func (a *AuditSink) Append(ctx context.Context, e audit.Entry) error {
	if a.store == nil || a.store.db == nil {
		return errNoDB
	}
	details := []byte("{}")
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		details = raw
	}
	_, err := a.store.db.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, actor_id, actor_kind, organization_id, action, resource, resource_id,
			decision, reason, ip, user_agent, request_id, details)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, e.ID, e.OccurredAt, e.ActorID, nullIfEmpty(e.ActorKind), nullIfEmpty(e.OrganizationID), e.Action, e.Resource,
		nullIfEmpty(e.ResourceID), e.Decision, nullIfEmpty(e.Reason), nullIfEmpty(e.IP), nullIfEmpty(e.UserAgent),
		nullIfEmpty(e.RequestID), details)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrRaiseException {
		return errors.Join(ErrAppendOnly, err)
	}
	return err
}
