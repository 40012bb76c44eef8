// Package state holds the shared, versioned key/value store that backs the
// rule cache, plus the lock primitive built on top of it.
package state

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("key not found")

	// ErrStoreUnavailable wraps every backend failure. Callers treat it as a
	// cache miss or as a lock held elsewhere, never as success.
	ErrStoreUnavailable = errors.New("cache store unavailable")
)

// Store is a remote key/value store with TTLs, atomic counters and
// conditional writes. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value and (re)arms the TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys; missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Increment atomically adds one and returns the new value. Absent keys start at zero.
	Increment(ctx context.Context, key string) (int64, error)

	// SetIfAbsent reports true iff this call created the key.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
