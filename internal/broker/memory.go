package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/javimosch/superqueues/pkg/log"
)

// memQueue is one logical queue inside the memory broker.
type memQueue struct {
	started bool
	// buffer holds messages published before the consumer started.
	buffer []Message
}

// MemoryBroker is an in-process Broker used for the memory driver and for
// tests. Retry tiers are modeled with timers instead of per-tier TTL
// queues, and the DLQ is an inspectable slice per queue.
type MemoryBroker struct {
	*Registry

	logger log.Logger
	delays []time.Duration

	mu     sync.Mutex
	queues map[string]*memQueue
	dlq    map[string][]Message
	timers map[*time.Timer]struct{}

	closed atomic.Bool
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates a memory broker using the given retry backoff
// schedule.
func NewMemoryBroker(delays []time.Duration, logger log.Logger) *MemoryBroker {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &MemoryBroker{
		Registry: NewRegistry(),
		logger:   logger.With(log.Component("broker.memory")),
		delays:   delays,
		queues:   make(map[string]*memQueue),
		dlq:      make(map[string][]Message),
		timers:   make(map[*time.Timer]struct{}),
	}
}

func (b *MemoryBroker) queueState(name string) *memQueue {
	q := b.queues[name]
	if q == nil {
		q = &memQueue{}
		b.queues[name] = q
	}
	return q
}

// Publish enqueues a message. If the queue's consumer is running the
// message becomes a pending delivery immediately, otherwise it is
// buffered until StartConsumer.
func (b *MemoryBroker) Publish(ctx context.Context, queue string, msg Message) error {
	if b.closed.Load() {
		return ErrUnavailable
	}
	if msg.Attempt <= 0 {
		msg.Attempt = 1
	}
	if msg.EnqueuedAt == "" {
		msg.EnqueuedAt = time.Now().UTC().Format(time.RFC3339)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueState(queue)
	if !q.started {
		q.buffer = append(q.buffer, msg)
		return nil
	}
	b.track(queue, msg)
	return nil
}

// track turns a message into a pending delivery. Caller holds b.mu.
func (b *MemoryBroker) track(queue string, msg Message) {
	d := Delivery{
		Queue:         queue,
		MessageID:     msg.MessageID,
		JobID:         msg.JobID,
		CorrelationID: msg.CorrelationID,
		Payload:       msg.Payload,
		Headers:       msg.Headers,
		Attempt:       msg.Attempt,
		EnqueuedAt:    msg.EnqueuedAt,
	}
	b.Add(d, &memResolver{b: b, queue: queue, msg: msg})
}

// StartConsumer activates the queue's consumer, draining any buffered
// messages into the pending set.
func (b *MemoryBroker) StartConsumer(ctx context.Context, queue string) error {
	if b.closed.Load() {
		return ErrUnavailable
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueState(queue)
	if q.started {
		return nil
	}
	q.started = true
	for _, msg := range q.buffer {
		b.track(queue, msg)
	}
	q.buffer = nil
	return nil
}

// Ack resolves a delivery and removes it from the registry.
func (b *MemoryBroker) Ack(ctx context.Context, queue string, tag uint64) error {
	r, ok := b.remove(queue, tag)
	if !ok {
		return ErrDeliveryNotFound
	}
	return r.ack()
}

// Nack resolves a delivery negatively. With requeue the message becomes
// pending again at the same attempt; without, it is dropped.
func (b *MemoryBroker) Nack(ctx context.Context, queue string, tag uint64, requeue bool) error {
	r, ok := b.remove(queue, tag)
	if !ok {
		return ErrDeliveryNotFound
	}
	return r.nack(requeue)
}

// delayFor maps a retry attempt to its backoff delay, holding the last
// tier for attempts past the schedule.
func (b *MemoryBroker) delayFor(attempt int) time.Duration {
	if len(b.delays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(b.delays) {
		idx = len(b.delays) - 1
	}
	return b.delays[idx]
}

// PublishToRetryQueue schedules a delayed re-publication into the main
// queue after the attempt's backoff delay.
func (b *MemoryBroker) PublishToRetryQueue(ctx context.Context, queue string, attempt int, msg Message) error {
	if b.closed.Load() {
		return ErrUnavailable
	}
	msg.Attempt = attempt
	var timer *time.Timer
	timer = time.AfterFunc(b.delayFor(attempt), func() {
		b.mu.Lock()
		delete(b.timers, timer)
		b.mu.Unlock()
		if b.closed.Load() {
			return
		}
		if err := b.Publish(context.Background(), queue, msg); err != nil {
			b.logger.Warn("retry re-publication dropped",
				log.Str("queue", queue), log.Int("attempt", attempt), log.Err(err))
		}
	})
	b.mu.Lock()
	if !b.closed.Load() {
		b.timers[timer] = struct{}{}
	}
	b.mu.Unlock()
	return nil
}

// PublishToDLQ appends the message to the queue's dead-letter slice.
func (b *MemoryBroker) PublishToDLQ(ctx context.Context, queue string, msg Message, reason string) error {
	if b.closed.Load() {
		return ErrUnavailable
	}
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	msg.Headers[headerDLQReason] = reason
	msg.Headers[headerDLQAt] = time.Now().UTC().Format(time.RFC3339)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dlq[queue] = append(b.dlq[queue], msg)
	return nil
}

// DLQMessages returns a copy of the queue's dead-letter contents.
func (b *MemoryBroker) DLQMessages(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.dlq[queue]))
	copy(out, b.dlq[queue])
	return out
}

// Ping reports whether the broker is open.
func (b *MemoryBroker) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return ErrUnavailable
	}
	return nil
}

// Close stops the broker and cancels outstanding retry timers.
func (b *MemoryBroker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for t := range b.timers {
		t.Stop()
	}
	b.timers = make(map[*time.Timer]struct{})
	return nil
}

// memResolver re-enqueues on requeue-nack and otherwise discards.
type memResolver struct {
	b     *MemoryBroker
	queue string
	msg   Message
}

func (r *memResolver) ack() error { return nil }

func (r *memResolver) nack(requeue bool) error {
	if !requeue {
		return nil
	}
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	q := r.b.queueState(r.queue)
	if !q.started {
		q.buffer = append(q.buffer, r.msg)
		return nil
	}
	r.b.track(r.queue, r.msg)
	return nil
}
