package broker

import (
	"context"
	"errors"
	"time"
)

// Errors reported by broker implementations.
var (
	// ErrNoConsumer indicates an ack/nack against a queue with no active
	// consumer channel.
	ErrNoConsumer = errors.New("broker: no consumer for queue")
	// ErrDeliveryNotFound indicates the delivery is no longer in the live
	// registry (already resolved, or lost to a restart).
	ErrDeliveryNotFound = errors.New("broker: delivery not found")
	// ErrUnavailable indicates the broker connection is down.
	ErrUnavailable = errors.New("broker: unavailable")
)

// Message is a publishable queue message.
type Message struct {
	MessageID     string
	JobID         string
	CorrelationID string
	Payload       []byte
	Headers       map[string]string
	// Attempt is the 1-based delivery attempt this message carries. Fresh
	// publishes use 1; retry re-publications carry the next attempt.
	Attempt int
	// EnqueuedAt is an RFC3339 timestamp, set by the adapter when empty.
	EnqueuedAt string
}

// Delivery is the broker's record of a message handed to the adapter's
// internal consumer but not yet acknowledged.
type Delivery struct {
	Queue         string
	Tag           uint64 // registry-assigned handle, stable across channel restarts
	MessageID     string
	JobID         string
	CorrelationID string
	Payload       []byte
	Headers       map[string]string
	Attempt       int
	EnqueuedAt    string

	// Lease bookkeeping, managed by the registry.
	Leased         bool
	ReceiptID      string
	LeaseExpiresAt int64 // unix ms, zero when unleased
}

// Broker is the consumption contract the queue core depends on.
type Broker interface {
	// Publish sends a message to the named queue, declaring the queue
	// topology (main, retry tiers, DLQ) on first use.
	Publish(ctx context.Context, queue string, msg Message) error

	// StartConsumer ensures the adapter's internal consumer for the queue
	// is running. Idempotent per queue.
	StartConsumer(ctx context.Context, queue string) error

	// GetPendingDeliveries atomically picks up to max unleased deliveries
	// and marks them leased until now+leaseTTL. No two concurrent calls
	// can obtain the same delivery.
	GetPendingDeliveries(queue string, max int, leaseTTL time.Duration) []Delivery

	// BindReceipt records the receipt issued for a leased delivery.
	BindReceipt(queue string, tag uint64, receiptID string)

	// ReleaseDelivery returns a leased delivery to the pending state.
	// Reports whether the delivery was found leased.
	ReleaseDelivery(queue string, tag uint64) bool

	// GetDelivery looks up a live delivery by its handle.
	GetDelivery(queue string, tag uint64) (Delivery, bool)

	// ExpiredLeases returns leased deliveries whose lease deadline has
	// passed, across all queues.
	ExpiredLeases(nowMs int64) []Delivery

	// Ack acknowledges a delivery to the broker and removes it from the
	// registry.
	Ack(ctx context.Context, queue string, tag uint64) error

	// Nack negatively acknowledges a delivery. With requeue the broker
	// makes the message immediately available again.
	Nack(ctx context.Context, queue string, tag uint64, requeue bool) error

	// PublishToRetryQueue re-publishes a message into the queue's delayed
	// retry tier for the given attempt. The tier's delay comes from the
	// configured backoff schedule.
	PublishToRetryQueue(ctx context.Context, queue string, attempt int, msg Message) error

	// PublishToDLQ re-publishes a message into the queue's dead-letter
	// queue with a reason annotation.
	PublishToDLQ(ctx context.Context, queue string, msg Message, reason string) error

	// Ping verifies broker connectivity.
	Ping(ctx context.Context) error

	// Close stops consumers and releases connections.
	Close() error
}

// Header keys carried on broker messages, mirroring what the queue core
// needs to round-trip through the broker.
const (
	headerJobID      = "x-job-id"
	headerAttempt    = "x-attempt"
	headerEnqueuedAt = "x-enqueued-at"
	headerDLQReason  = "x-dlq-reason"
	headerDLQAt      = "x-dlq-at"
)
