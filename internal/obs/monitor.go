package obs

import "context"

// AuditMonitor is notified when an audit entry cannot be persisted. It counts
// the failure and logs it at error level so alerting can pick it up.
type AuditMonitor struct{}

func (AuditMonitor) AuditSinkFailed(ctx context.Context, entryID string, err error) {
	auditSinkFailuresTotal.Inc()
	Ctx(ctx).Error().Err(err).Str("audit_id", entryID).Msg("audit sink write failed")
}
