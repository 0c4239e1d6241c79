package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"leasehold.org/internal/cache"
	"leasehold.org/internal/obs"
)

// Directory is the read side of the authorization store.
type Directory interface {
	// ActorGrants returns the actor's role bindings and overrides in one call.
	ActorGrants(ctx context.Context, actorID string) (ActorGrants, error)
	// HierarchyNodes returns every organization, portfolio, property and unit.
	HierarchyNodes(ctx context.Context) ([]Node, error)
}

// DefaultDirectoryTTL bounds how stale cached role and override data may get.
const DefaultDirectoryTTL = 5 * time.Second

// CachedDirectory fronts a Directory's grant lookups with a shared
// cache.Store. Entries expire after the TTL; admin writes invalidate the
// affected keys immediately. Cache failures fall through to the underlying
// directory. Hierarchy reads pass through: the Authorizer keeps the only
// hierarchy snapshot, bounded by its own TTL.
type CachedDirectory struct {
	next  Directory
	store cache.Store
	ttl   time.Duration
}

// NewCachedDirectory wraps next. A non-positive ttl uses DefaultDirectoryTTL.
func NewCachedDirectory(next Directory, store cache.Store, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = DefaultDirectoryTTL
	}
	return &CachedDirectory{next: next, store: store, ttl: ttl}
}

func grantsCacheKey(actorID string) string { return "grants:" + actorID }

func (d *CachedDirectory) ActorGrants(ctx context.Context, actorID string) (ActorGrants, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ActorGrants{}, fmt.Errorf("%w: actor id required", ErrInvalidInput)
	}
	var out ActorGrants
	if d.lookup(ctx, "grants", grantsCacheKey(actorID), &out) {
		return out, nil
	}
	out, err := d.next.ActorGrants(ctx, actorID)
	if err != nil {
		return ActorGrants{}, err
	}
	d.fill(ctx, grantsCacheKey(actorID), out)
	return out, nil
}

func (d *CachedDirectory) HierarchyNodes(ctx context.Context) ([]Node, error) {
	return d.next.HierarchyNodes(ctx)
}

// Invalidate drops cached grants for the given actors.
func (d *CachedDirectory) Invalidate(ctx context.Context, actorIDs ...string) error {
	if len(actorIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(actorIDs))
	for _, id := range actorIDs {
		keys = append(keys, grantsCacheKey(id))
	}
	return d.store.Delete(ctx, keys...)
}

func (d *CachedDirectory) lookup(ctx context.Context, name, key string, into any) bool {
	raw, ok, err := d.store.Get(ctx, key)
	if err != nil {
		obs.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("authz cache read failed")
		return false
	}
	if ok {
		if err := json.Unmarshal(raw, into); err == nil {
			obs.RecordCacheLookup(name, true)
			return true
		}
		obs.Ctx(ctx).Warn().Str("key", key).Msg("authz cache entry undecodable")
	}
	obs.RecordCacheLookup(name, false)
	return false
}

func (d *CachedDirectory) fill(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := d.store.Set(ctx, key, raw, d.ttl); err != nil && !errors.Is(err, context.Canceled) {
		obs.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("authz cache write failed")
	}
}
