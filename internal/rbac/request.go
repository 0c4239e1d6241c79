package rbac

import (
	"context"
	"strings"
	"sync"
)

// RequestCache memoizes resolved grants for the lifetime of one inbound
// request. The caller creates it when the request starts and drops it when the
// request ends; it must never be shared across requests. A nil *RequestCache
// disables memoization.
type RequestCache struct {
	mu     sync.Mutex
	grants map[string]*Grants
}

// NewRequestCache returns an empty per-request cache.
func NewRequestCache() *RequestCache {
	return &RequestCache{grants: make(map[string]*Grants)}
}

func (rc *RequestCache) get(actorID string) (*Grants, bool) {
	if rc == nil {
		return nil, false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	g, ok := rc.grants[actorID]
	return g, ok
}

func (rc *RequestCache) put(actorID string, g *Grants) {
	if rc == nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.grants[actorID] = g
}

// Forget drops the memoized grants of an actor, e.g. after an admin change
// made within the same request.
func (rc *RequestCache) Forget(actorID string) {
	if rc == nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.grants, actorID)
}

// RequestInfo is the transport metadata recorded with audit entries.
type RequestInfo struct {
	RequestID string
	IP        string
	UserAgent string
}

type requestInfoKey struct{}

// ContextWithRequestInfo attaches transport metadata for audit logging.
func ContextWithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	info.RequestID = strings.TrimSpace(info.RequestID)
	info.IP = strings.TrimSpace(info.IP)
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFromContext returns the metadata attached by ContextWithRequestInfo.
func RequestInfoFromContext(ctx context.Context) RequestInfo {
	if ctx == nil {
		return RequestInfo{}
	}
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}
