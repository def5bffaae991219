// Package idempotency caches publish results keyed by caller, queue, and
// the caller-supplied idempotency key, deduplicating repeated publishes
// within a TTL window.
//
// The guarantee is best-effort: two perfectly concurrent publishes with
// the same key may both miss the cache and both publish. The contract is
// at-least-once, not exactly-once.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/javimosch/superqueues/internal/kv"
)

// Result is a cached publish outcome, returned verbatim on repeats.
type Result struct {
	MessageID  string `json:"messageId"`
	JobID      string `json:"jobId"`
	EnqueuedAt string `json:"enqueuedAt"`
}

// Cache stores publish results in the TTL key-value store.
type Cache struct {
	kv  kv.Store
	ttl time.Duration
}

// NewCache creates a cache with the configured result TTL.
func NewCache(store kv.Store, ttl time.Duration) *Cache {
	return &Cache{kv: store, ttl: ttl}
}

func cacheKey(callerKey, queue, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", callerKey, queue, idempotencyKey)
}

// Check returns the prior result for (callerKey, queue, idempotencyKey),
// or ok=false if none is cached.
func (c *Cache) Check(ctx context.Context, callerKey, queue, idempotencyKey string) (Result, bool, error) {
	data, err := c.kv.Get(ctx, cacheKey(callerKey, queue, idempotencyKey))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Result{}, false, nil
		}
		return Result{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, false, fmt.Errorf("unmarshal cached result: %w", err)
	}
	return r, true, nil
}

// Store records a publish result under the idempotency key.
func (c *Cache) Store(ctx context.Context, callerKey, queue, idempotencyKey string, r Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return c.kv.Set(ctx, cacheKey(callerKey, queue, idempotencyKey), data, c.ttl)
}
