package auth

import (
	"testing"
	"time"

	"github.com/javimosch/superqueues/internal/config"
	pebblestore "github.com/javimosch/superqueues/internal/storage/pebble"
	"github.com/javimosch/superqueues/pkg/log"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, log.NewTestLogger())
}

func TestStoreFindByHash(t *testing.T) {
	s := newTestStore(t)

	hash := HashKey("raw-key")
	cred := Credential{
		KeyHash:       hash,
		Name:          "producer",
		Scopes:        []Scope{ScopePublish},
		AllowedQueues: []string{"orders.*"},
		Enabled:       true,
		CreatedAtMs:   time.Now().UnixMilli(),
	}
	if err := s.Put(cred); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := s.FindByHash(hash)
	if err != nil || !ok {
		t.Fatalf("find: ok=%v err=%v", ok, err)
	}
	if got.Name != "producer" || !got.HasScope(ScopePublish) {
		t.Fatalf("unexpected credential: %+v", got)
	}

	if _, ok, err := s.FindByHash(HashKey("unknown")); err != nil || ok {
		t.Fatalf("unknown key: ok=%v err=%v", ok, err)
	}
}

func TestStoreDisabledKeyNotFound(t *testing.T) {
	s := newTestStore(t)

	hash := HashKey("revoked")
	if err := s.Put(Credential{KeyHash: hash, Name: "revoked", Enabled: false}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok, err := s.FindByHash(hash); err != nil || ok {
		t.Fatalf("disabled key resolved: ok=%v err=%v", ok, err)
	}
}

func TestStoreTouch(t *testing.T) {
	s := newTestStore(t)

	hash := HashKey("raw-key")
	if err := s.Put(Credential{KeyHash: hash, Name: "producer", Enabled: true}); err != nil {
		t.Fatalf("put: %v", err)
	}

	now := time.Now().UnixMilli()
	s.Touch(hash, now)

	got, ok, err := s.FindByHash(hash)
	if err != nil || !ok {
		t.Fatalf("find: ok=%v err=%v", ok, err)
	}
	if got.LastUsedAtMs != now {
		t.Fatalf("lastUsedAtMs = %d, want %d", got.LastUsedAtMs, now)
	}
}

func TestStoreBootstrap(t *testing.T) {
	s := newTestStore(t)

	keys := []config.BootstrapKey{
		{Key: "pub-key", Name: "producer", Scopes: []string{"publish"}, AllowedQueues: []string{"orders.*"}},
		{Key: "admin-key", Name: "ops", Scopes: []string{"admin", "consume"}},
	}
	if err := s.Bootstrap(keys); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	prod, ok, err := s.FindByHash(HashKey("pub-key"))
	if err != nil || !ok {
		t.Fatalf("producer missing: ok=%v err=%v", ok, err)
	}
	if !prod.CanAccessQueue("orders.created") || prod.CanAccessQueue("users.created") {
		t.Fatalf("producer queue patterns wrong: %+v", prod.AllowedQueues)
	}

	ops, ok, err := s.FindByHash(HashKey("admin-key"))
	if err != nil || !ok {
		t.Fatalf("ops missing: ok=%v err=%v", ok, err)
	}
	// Omitted allowedQueues defaults to the global wildcard.
	if !ops.CanAccessQueue("anything") {
		t.Fatalf("default allowedQueues not wildcard: %+v", ops.AllowedQueues)
	}
}

func TestStoreBootstrapRejectsUnknownScope(t *testing.T) {
	s := newTestStore(t)
	err := s.Bootstrap([]config.BootstrapKey{{Key: "k", Name: "n", Scopes: []string{"root"}}})
	if err == nil {
		t.Fatalf("expected error for unknown scope")
	}
}
