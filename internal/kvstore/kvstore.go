// Package kvstore abstracts the shared counter/marker store that backs rate
// limiting and deduplication. Gateway processes stay stateless: every mutation
// goes through one atomic store operation, never read-then-write in the
// gateway.
package kvstore

import (
	"context"
	"time"
)

// Store is the narrow surface the limiter and deduplicator need.
type Store interface {
	// IncrWindow atomically increments the counter at key, starting the
	// expiry window when the key is created, and returns the post-increment
	// count plus the time remaining in the window.
	IncrWindow(ctx context.Context, key string, window time.Duration) (count int64, remaining time.Duration, err error)

	// SetIfAbsent stores value under key with the given TTL if the key does
	// not exist. It returns true when the value was stored; otherwise false
	// together with the previously stored value.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (stored bool, existing []byte, err error)

	Close() error
}
