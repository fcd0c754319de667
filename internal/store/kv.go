// kv.go -- Shared keyed store abstraction.
//
// A keyed store with per-key expiry shared by every instance of the service.
// Redis is the durable backend; MemoryKV is the process-local fallback.
// Every write that must be race-free is atomic at the backend.
package store

import (
	"context"
	"time"
)

// KV is the shared keyed store contract.
type KV interface {
	// Get returns the entry for key, or ErrKeyNotFound if absent or expired.
	Get(ctx context.Context, key string) (Entry, error)

	// Set writes value with the given TTL; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer at key and returns the new count
	// and the key's expiry. The first increment of a window sets the expiry to ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error)

	// SetIfAbsentOrEqual writes value with ttl only if key is absent, expired,
	// or already holds value. Reports whether the write happened.
	SetIfAbsentOrEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// DeleteIfEqual removes key only if it currently holds value.
	// Reports whether a delete happened.
	DeleteIfEqual(ctx context.Context, key, value string) (bool, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
}
