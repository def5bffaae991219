package settings

import (
	"testing"

	pebblestore "github.com/javimosch/superqueues/internal/storage/pebble"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)

	var mode string
	found, err := s.Get("audit_mode", &mode)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatalf("unwritten setting reported found")
	}

	if err := s.Set("audit_mode", "jobs_only"); err != nil {
		t.Fatalf("set: %v", err)
	}
	found, err = s.Get("audit_mode", &mode)
	if err != nil || !found {
		t.Fatalf("get after set: found=%v err=%v", found, err)
	}
	if mode != "jobs_only" {
		t.Fatalf("mode = %q", mode)
	}

	if err := s.Set("audit_mode", "off"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := s.Get("audit_mode", &mode); err != nil {
		t.Fatalf("get: %v", err)
	}
	if mode != "off" {
		t.Fatalf("overwrite lost: %q", mode)
	}
}

func TestStoreMissLeavesOutUntouched(t *testing.T) {
	s := newTestStore(t)

	mode := "full"
	found, err := s.Get("audit_mode", &mode)
	if err != nil || found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if mode != "full" {
		t.Fatalf("miss clobbered default: %q", mode)
	}
}
