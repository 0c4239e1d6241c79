package audit

import (
	"context"
	"sync"

	"leasehold.org/internal/obs"
)

// LogSink writes entries as structured log lines tagged type=audit.
type LogSink struct{}

func (LogSink) Append(ctx context.Context, e Entry) error {
	ev := obs.Logger().Log().
		Str("type", "audit").
		Str("audit_id", e.ID).
		Time("occurred_at", e.OccurredAt).
		Str("actor_id", e.ActorID).
		Str("action", e.Action).
		Str("resource", e.Resource).
		Str("decision", e.Decision)
	if e.ResourceID != "" {
		ev = ev.Str("resource_id", e.ResourceID)
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	if e.RequestID != "" {
		ev = ev.Str("request_id", e.RequestID)
	}
	if e.IP != "" {
		ev = ev.Str("ip", e.IP)
	}
	if len(e.Details) > 0 {
		ev = ev.Interface("details", e.Details)
	}
	ev.Send()
	return nil
}

// MultiSink appends to every sink and returns the first error.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, e Entry) error {
	var first error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MemorySink keeps entries in memory (tests, local runs).
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *MemorySink) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of everything appended so far.
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
