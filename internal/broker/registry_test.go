package broker

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type nopResolver struct{}

func (nopResolver) ack() error              { return nil }
func (nopResolver) nack(requeue bool) error { return nil }

func addDeliveries(r *Registry, queue string, n int) []uint64 {
	tags := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		tags = append(tags, r.Add(Delivery{
			Queue:     queue,
			MessageID: fmt.Sprintf("m-%d", i+1),
			JobID:     fmt.Sprintf("j-%d", i+1),
		}, nopResolver{}))
	}
	return tags
}

func TestRegistryGetPendingMarksLeased(t *testing.T) {
	r := NewRegistry()
	addDeliveries(r, "orders", 3)

	got := r.GetPendingDeliveries("orders", 2, 30*time.Second)
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	for _, d := range got {
		if !d.Leased || d.LeaseExpiresAt == 0 {
			t.Fatalf("delivery %d not marked leased", d.Tag)
		}
	}
	if n := r.PendingCount("orders"); n != 1 {
		t.Fatalf("expected 1 pending after take, got %d", n)
	}
}

func TestRegistryConcurrentTakesAreExclusive(t *testing.T) {
	r := NewRegistry()
	addDeliveries(r, "orders", 100)

	var mu sync.Mutex
	seen := make(map[uint64]int)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, d := range r.GetPendingDeliveries("orders", 10, time.Minute) {
				mu.Lock()
				seen[d.Tag]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 100 {
		t.Fatalf("expected every delivery taken exactly once, got %d distinct", len(seen))
	}
	for tag, n := range seen {
		if n != 1 {
			t.Fatalf("delivery %d taken %d times", tag, n)
		}
	}
}

func TestRegistryReleaseReturnsToPending(t *testing.T) {
	r := NewRegistry()
	addDeliveries(r, "orders", 1)

	first := r.GetPendingDeliveries("orders", 1, time.Minute)
	if len(first) != 1 {
		t.Fatalf("expected take, got %d", len(first))
	}
	r.BindReceipt("orders", first[0].Tag, "rcpt-1")
	if got := r.GetPendingDeliveries("orders", 1, time.Minute); len(got) != 0 {
		t.Fatalf("leased delivery handed out twice")
	}

	if !r.ReleaseDelivery("orders", first[0].Tag) {
		t.Fatalf("release failed")
	}
	again := r.GetPendingDeliveries("orders", 1, time.Minute)
	if len(again) != 1 || again[0].Tag != first[0].Tag {
		t.Fatalf("released delivery not pending again: %+v", again)
	}
	if again[0].ReceiptID != "" {
		t.Fatalf("receipt survived release: %q", again[0].ReceiptID)
	}
}

func TestRegistryReleaseUnknownOrUnleased(t *testing.T) {
	r := NewRegistry()
	tags := addDeliveries(r, "orders", 1)

	if r.ReleaseDelivery("orders", 99) {
		t.Fatalf("released unknown delivery")
	}
	if r.ReleaseDelivery("orders", tags[0]) {
		t.Fatalf("released unleased delivery")
	}
	if r.ReleaseDelivery("nope", tags[0]) {
		t.Fatalf("released delivery of unknown queue")
	}
}

func TestRegistryBindReceipt(t *testing.T) {
	r := NewRegistry()
	addDeliveries(r, "orders", 1)

	got := r.GetPendingDeliveries("orders", 1, time.Minute)
	r.BindReceipt("orders", got[0].Tag, "rcpt-42")

	d, ok := r.GetDelivery("orders", got[0].Tag)
	if !ok {
		t.Fatalf("delivery missing")
	}
	if d.ReceiptID != "rcpt-42" {
		t.Fatalf("receipt not bound: %q", d.ReceiptID)
	}
}

func TestRegistryExpiredLeases(t *testing.T) {
	r := NewRegistry()
	addDeliveries(r, "orders", 2)
	addDeliveries(r, "users", 1)

	taken := r.GetPendingDeliveries("orders", 1, 10*time.Millisecond)
	r.BindReceipt("orders", taken[0].Tag, "rcpt-exp")

	future := time.Now().Add(time.Hour).UnixMilli()
	expired := r.ExpiredLeases(future)
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired lease, got %d", len(expired))
	}
	if expired[0].Tag != taken[0].Tag || expired[0].ReceiptID != "rcpt-exp" {
		t.Fatalf("unexpected expired delivery: %+v", expired[0])
	}

	past := time.Now().Add(-time.Hour).UnixMilli()
	if got := r.ExpiredLeases(past); len(got) != 0 {
		t.Fatalf("lease reported expired before its deadline")
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	tags := addDeliveries(r, "orders", 1)

	if _, ok := r.remove("orders", tags[0]); !ok {
		t.Fatalf("remove failed")
	}
	if _, ok := r.remove("orders", tags[0]); ok {
		t.Fatalf("removed twice")
	}
	if _, ok := r.GetDelivery("orders", tags[0]); ok {
		t.Fatalf("delivery still visible after remove")
	}
}

func TestRegistryAddAfterChannelRestartKeepsFreshDeliveries(t *testing.T) {
	r := NewRegistry()
	addDeliveries(r, "orders", 1)

	leased := r.GetPendingDeliveries("orders", 1, time.Minute)
	if len(leased) != 1 {
		t.Fatalf("expected take, got %d", len(leased))
	}
	// Consumer channel dies with the lease outstanding; a replacement
	// channel pushes a new message whose broker tag restarts at 1.
	r.dropQueue("orders", true)
	fresh := r.Add(Delivery{Queue: "orders", MessageID: "m-fresh"}, nopResolver{})

	if fresh == leased[0].Tag {
		t.Fatalf("fresh delivery reused handle %d of a kept lease", fresh)
	}
	if n := r.PendingCount("orders"); n != 1 {
		t.Fatalf("fresh delivery not pending: count=%d", n)
	}
	got := r.GetPendingDeliveries("orders", 10, time.Minute)
	if len(got) != 1 || got[0].MessageID != "m-fresh" {
		t.Fatalf("expected the fresh delivery, got %+v", got)
	}
}

func TestRegistryDeadLeaseNeverReturnsToPending(t *testing.T) {
	r := NewRegistry()
	tags := addDeliveries(r, "orders", 1)

	leased := r.GetPendingDeliveries("orders", 1, 10*time.Millisecond)
	r.BindReceipt("orders", leased[0].Tag, "rcpt-dead")
	r.dropQueue("orders", true)

	// Still resolvable while the receipt is outstanding.
	if _, ok := r.GetDelivery("orders", tags[0]); !ok {
		t.Fatalf("kept lease vanished before its receipt resolved")
	}
	future := time.Now().Add(time.Hour).UnixMilli()
	if got := r.ExpiredLeases(future); len(got) != 1 {
		t.Fatalf("expected the dead lease to expire, got %d", len(got))
	}

	// Release removes it instead of re-pending: the broker redelivers on
	// a fresh channel, so re-pending would hand out an unresolvable copy.
	if r.ReleaseDelivery("orders", tags[0]) {
		t.Fatalf("dead lease released back to pending")
	}
	if n := r.PendingCount("orders"); n != 0 {
		t.Fatalf("dead lease pending again: count=%d", n)
	}
	if _, ok := r.GetDelivery("orders", tags[0]); ok {
		t.Fatalf("dead lease still tracked after release")
	}
	if got := r.ExpiredLeases(future); len(got) != 0 {
		t.Fatalf("dead lease still expiring after release")
	}
}
