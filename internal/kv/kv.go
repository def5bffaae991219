// Package kv defines the TTL key-value store consumed by the lease store
// and the idempotency cache, with Redis and in-memory implementations.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and GetDel for missing or expired keys.
// Callers cannot distinguish the two cases; expiry is enforced by the
// store itself.
var ErrNotFound = errors.New("kv: key not found")

// Store is a TTL key-value store with millisecond expiry.
type Store interface {
	// Set writes value under key, expiring after ttl. A ttl <= 0 is
	// rejected; every entry in this system is time-bounded.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound if absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetDel atomically reads and removes key. Exactly one of two racing
	// calls observes the value; the other gets ErrNotFound.
	GetDel(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Idempotent; deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
