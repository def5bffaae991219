package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/javimosch/superqueues/pkg/log"
)

func newTestMemoryBroker(t *testing.T, delays ...time.Duration) *MemoryBroker {
	t.Helper()
	b := NewMemoryBroker(delays, log.NewTestLogger())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestMemoryBrokerBuffersUntilConsumer(t *testing.T) {
	b := newTestMemoryBroker(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Publish(ctx, "orders", Message{MessageID: "m", JobID: "j"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if got := b.GetPendingDeliveries("orders", 10, time.Minute); len(got) != 0 {
		t.Fatalf("deliveries visible before consumer started: %d", len(got))
	}

	if err := b.StartConsumer(ctx, "orders"); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	if got := b.GetPendingDeliveries("orders", 10, time.Minute); len(got) != 2 {
		t.Fatalf("expected 2 deliveries after consumer start, got %d", len(got))
	}
}

func TestMemoryBrokerPublishDefaults(t *testing.T) {
	b := newTestMemoryBroker(t)
	ctx := context.Background()

	if err := b.StartConsumer(ctx, "orders"); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	if err := b.Publish(ctx, "orders", Message{MessageID: "m-1", JobID: "j-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := b.GetPendingDeliveries("orders", 1, time.Minute)
	if len(got) != 1 {
		t.Fatalf("expected delivery, got %d", len(got))
	}
	if got[0].Attempt != 1 {
		t.Fatalf("fresh publish attempt = %d, want 1", got[0].Attempt)
	}
	if got[0].EnqueuedAt == "" {
		t.Fatalf("enqueuedAt not stamped")
	}
}

func TestMemoryBrokerAckRemoves(t *testing.T) {
	b := newTestMemoryBroker(t)
	ctx := context.Background()

	if err := b.StartConsumer(ctx, "orders"); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	if err := b.Publish(ctx, "orders", Message{MessageID: "m-1", JobID: "j-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := b.GetPendingDeliveries("orders", 1, time.Minute)
	if len(got) != 1 {
		t.Fatalf("expected delivery")
	}

	if err := b.Ack(ctx, "orders", got[0].Tag); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := b.Ack(ctx, "orders", got[0].Tag); !errors.Is(err, ErrDeliveryNotFound) {
		t.Fatalf("second ack err = %v, want ErrDeliveryNotFound", err)
	}
	if _, ok := b.GetDelivery("orders", got[0].Tag); ok {
		t.Fatalf("delivery still tracked after ack")
	}
}

func TestMemoryBrokerNackRequeue(t *testing.T) {
	b := newTestMemoryBroker(t)
	ctx := context.Background()

	if err := b.StartConsumer(ctx, "orders"); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	if err := b.Publish(ctx, "orders", Message{MessageID: "m-1", JobID: "j-1", Attempt: 3}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	first := b.GetPendingDeliveries("orders", 1, time.Minute)
	if len(first) != 1 {
		t.Fatalf("expected delivery")
	}

	if err := b.Nack(ctx, "orders", first[0].Tag, true); err != nil {
		t.Fatalf("nack: %v", err)
	}
	again := b.GetPendingDeliveries("orders", 1, time.Minute)
	if len(again) != 1 {
		t.Fatalf("requeued delivery not pending")
	}
	if again[0].MessageID != "m-1" || again[0].Attempt != 3 {
		t.Fatalf("requeue changed message: %+v", again[0])
	}
	if again[0].Tag == first[0].Tag {
		t.Fatalf("requeue reused delivery tag %d", first[0].Tag)
	}
}

func TestMemoryBrokerNackDropWithoutRequeue(t *testing.T) {
	b := newTestMemoryBroker(t)
	ctx := context.Background()

	if err := b.StartConsumer(ctx, "orders"); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	if err := b.Publish(ctx, "orders", Message{MessageID: "m-1", JobID: "j-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := b.GetPendingDeliveries("orders", 1, time.Minute)
	if err := b.Nack(ctx, "orders", got[0].Tag, false); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if n := b.PendingCount("orders"); n != 0 {
		t.Fatalf("dropped delivery still pending: %d", n)
	}
}

func TestMemoryBrokerRetryRedelivers(t *testing.T) {
	b := newTestMemoryBroker(t, 5*time.Millisecond)
	ctx := context.Background()

	if err := b.StartConsumer(ctx, "orders"); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	msg := Message{MessageID: "m-1", JobID: "j-1"}
	if err := b.PublishToRetryQueue(ctx, "orders", 2, msg); err != nil {
		t.Fatalf("publish to retry: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got := b.GetPendingDeliveries("orders", 1, time.Minute)
		if len(got) == 1 {
			if got[0].Attempt != 2 {
				t.Fatalf("redelivered attempt = %d, want 2", got[0].Attempt)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("retry never redelivered")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMemoryBrokerDLQ(t *testing.T) {
	b := newTestMemoryBroker(t)
	ctx := context.Background()

	msg := Message{MessageID: "m-1", JobID: "j-1", Attempt: 5}
	if err := b.PublishToDLQ(ctx, "orders", msg, "max retries exceeded"); err != nil {
		t.Fatalf("publish to dlq: %v", err)
	}

	dead := b.DLQMessages("orders")
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead message, got %d", len(dead))
	}
	if dead[0].Headers[headerDLQReason] != "max retries exceeded" {
		t.Fatalf("dlq reason header = %q", dead[0].Headers[headerDLQReason])
	}
	if dead[0].Attempt != 5 {
		t.Fatalf("dlq message attempt = %d, want 5", dead[0].Attempt)
	}
}

func TestMemoryBrokerClosedRejects(t *testing.T) {
	b := NewMemoryBroker(nil, log.NewTestLogger())
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ctx := context.Background()
	if err := b.Publish(ctx, "orders", Message{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("publish after close err = %v", err)
	}
	if err := b.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("ping after close err = %v", err)
	}
}
