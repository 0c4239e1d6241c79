// Package audit records one immutable entry per authorization decision and
// per approval transition.
package audit

import (
	"context"
	"strings"
	"time"

	"leasehold.org/internal/ids"
	"leasehold.org/internal/obs"
	"leasehold.org/internal/rbac"
)

// Entry is one append-only audit record.
type Entry struct {
	ID             string         `json:"id"`
	OccurredAt     time.Time      `json:"occurred_at"`
	ActorID        string         `json:"actor_id"`
	ActorKind      string         `json:"actor_kind,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Action         string         `json:"action"`
	Resource       string         `json:"resource"`
	ResourceID     string         `json:"resource_id,omitempty"`
	Decision       string         `json:"decision"`
	Reason         string         `json:"reason,omitempty"`
	IP             string         `json:"ip,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	RequestID      string         `json:"request_id,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// Sink persists entries. Implementations only ever append.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// Monitor is told about entries that could not be persisted.
type Monitor interface {
	AuditSinkFailed(ctx context.Context, entryID string, err error)
}

// Logger writes audit entries to a sink. Sink failures never reach the
// caller; they are reported to the monitor instead.
type Logger struct {
	sink    Sink
	monitor Monitor
	now     func() time.Time
}

var _ rbac.DecisionLogger = (*Logger)(nil)

// NewLogger builds a Logger. A nil monitor only logs failures.
func NewLogger(sink Sink, monitor Monitor) *Logger {
	return &Logger{sink: sink, monitor: monitor, now: time.Now}
}

// LogDecision appends the entry for one authorization decision.
func (l *Logger) LogDecision(ctx context.Context, actor rbac.Actor, action, resource, resourceID string, d rbac.Decision, info rbac.RequestInfo) {
	details := map[string]any{"permission": d.Permission.Key()}
	if d.FilterRequired {
		details["filter_required"] = true
	}
	l.Record(ctx, Entry{
		ActorID:        actor.ID,
		ActorKind:      string(actor.Kind),
		OrganizationID: actor.OrganizationID,
		Action:         action,
		Resource:       resource,
		ResourceID:     resourceID,
		Decision:       d.Outcome(),
		Reason:         string(d.Reason),
		IP:             info.IP,
		UserAgent:      info.UserAgent,
		RequestID:      info.RequestID,
		Details:        details,
	})
}

// Record appends e after filling its id, timestamp and request metadata and
// scrubbing secrets from its details.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if l == nil || l.sink == nil {
		return
	}
	if e.ID == "" {
		e.ID = ids.Prefixed("aud")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = l.now().UTC()
	}
	if e.RequestID == "" || e.IP == "" || e.UserAgent == "" {
		info := rbac.RequestInfoFromContext(ctx)
		if e.RequestID == "" {
			e.RequestID = info.RequestID
		}
		if e.IP == "" {
			e.IP = info.IP
		}
		if e.UserAgent == "" {
			e.UserAgent = info.UserAgent
		}
	}
	if e.RequestID == "" {
		e.RequestID = obs.RequestIDFromContext(ctx)
	}
	e.UserAgent = strings.TrimSpace(e.UserAgent)
	e.Details = Redact(e.Details)

	if err := l.sink.Append(ctx, e); err != nil {
		if l.monitor != nil {
			l.monitor.AuditSinkFailed(ctx, e.ID, err)
			return
		}
		obs.Ctx(ctx).Error().Err(err).Str("audit_id", e.ID).Msg("audit sink write failed")
	}
}
