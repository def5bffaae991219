package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/javimosch/superqueues/internal/kv"
)

func TestCheckMissThenHit(t *testing.T) {
	c := NewCache(kv.NewMemoryStore(), time.Hour)
	ctx := context.Background()

	if _, ok, err := c.Check(ctx, "key1", "orders", "abc"); err != nil || ok {
		t.Fatalf("want miss, got ok=%v err=%v", ok, err)
	}

	want := Result{MessageID: "m1", JobID: "j1", EnqueuedAt: "2026-01-01T00:00:00Z"}
	if err := c.Store(ctx, "key1", "orders", "abc", want); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, ok, err := c.Check(ctx, "key1", "orders", "abc")
	if err != nil || !ok {
		t.Fatalf("want hit, got ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestKeyScopedByCallerAndQueue(t *testing.T) {
	c := NewCache(kv.NewMemoryStore(), time.Hour)
	ctx := context.Background()

	if err := c.Store(ctx, "key1", "orders", "abc", Result{JobID: "j1"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, ok, _ := c.Check(ctx, "key2", "orders", "abc"); ok {
		t.Fatal("result leaked across callers")
	}
	if _, ok, _ := c.Check(ctx, "key1", "users", "abc"); ok {
		t.Fatal("result leaked across queues")
	}
}

func TestResultExpiresAfterTTL(t *testing.T) {
	mem := kv.NewMemoryStore()
	now := time.Unix(1000, 0)
	mem.SetClock(func() time.Time { return now })
	c := NewCache(mem, time.Minute)
	ctx := context.Background()

	if err := c.Store(ctx, "key1", "orders", "abc", Result{JobID: "j1"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	now = now.Add(61 * time.Second)
	if _, ok, _ := c.Check(ctx, "key1", "orders", "abc"); ok {
		t.Fatal("result survived past ttl")
	}
}
