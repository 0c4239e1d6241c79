// Package cache provides short-lived byte caches used to serve role, override
// and hierarchy data with a bounded staleness window.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps backend failures. Callers treat it as a miss.
var ErrUnavailable = errors.New("cache: backend unavailable")

// Store is a TTL key/value cache. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}
