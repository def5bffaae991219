package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/javimosch/superqueues/pkg/log"
)

// amqpConsumer is one queue's consumer channel. Acks and nacks for the
// queue's deliveries go through this channel under its mutex.
type amqpConsumer struct {
	mu sync.Mutex
	ch *amqp091.Channel
}

func (c *amqpConsumer) ack(tag uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.Ack(tag, false)
}

func (c *amqpConsumer) nack(tag uint64, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.Nack(tag, false, requeue)
}

// AMQPBroker implements Broker over AMQP 0.9.1. Each logical queue maps
// to a durable main queue plus one TTL'd retry queue per backoff tier
// and a dead-letter queue, all named through the Namer.
type AMQPBroker struct {
	*Registry

	logger   log.Logger
	namer    Namer
	delays   []time.Duration
	prefetch int
	url      string
	dial     func(url string) (*amqp091.Connection, error)

	connMu sync.Mutex
	conn   *amqp091.Connection

	// pubCh is the confirm-mode publish channel, also used for topology
	// declarations.
	pubMu sync.Mutex
	pubCh *amqp091.Channel

	mu        sync.Mutex
	consumers map[string]*amqpConsumer
	declared  map[string]bool

	closed atomic.Bool
}

var _ Broker = (*AMQPBroker)(nil)

// NewAMQPBroker dials the broker and opens a confirm-mode publish
// channel.
func NewAMQPBroker(url string, namer Namer, delays []time.Duration, prefetch int, logger log.Logger) (*AMQPBroker, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &AMQPBroker{
		Registry:  NewRegistry(),
		logger:    logger.With(log.Component("broker.amqp")),
		namer:     namer,
		delays:    delays,
		prefetch:  prefetch,
		url:       url,
		dial:      amqp091.Dial,
		conn:      conn,
		pubCh:     ch,
		consumers: make(map[string]*amqpConsumer),
		declared:  make(map[string]bool),
	}, nil
}

// ensureConn redials the broker when the connection has dropped and
// swaps in a fresh confirm-mode publish channel. Topology is re-declared
// lazily on the next use of each queue.
func (b *AMQPBroker) ensureConn() error {
	if b.closed.Load() {
		return ErrUnavailable
	}
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil && !b.conn.IsClosed() {
		return nil
	}
	conn, err := b.dial(b.url)
	if err != nil {
		return fmt.Errorf("redial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	b.pubMu.Lock()
	old := b.pubCh
	b.pubCh = ch
	b.pubMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	b.conn = conn
	b.mu.Lock()
	b.declared = make(map[string]bool)
	b.mu.Unlock()
	b.logger.Info("reconnected to broker")
	return nil
}

func (b *AMQPBroker) connection() *amqp091.Connection {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return b.conn
}

// ensureTopology declares the queue's main, retry and dead-letter queues
// once per logical queue.
func (b *AMQPBroker) ensureTopology(queue string) error {
	if err := b.ensureConn(); err != nil {
		return err
	}
	b.mu.Lock()
	done := b.declared[queue]
	b.mu.Unlock()
	if done {
		return nil
	}

	main := b.namer.QueueName(queue)
	dlq := b.namer.DLQName(queue)

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if _, err := b.pubCh.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", dlq, err)
	}
	mainArgs := amqp091.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := b.pubCh.QueueDeclare(main, true, false, false, false, mainArgs); err != nil {
		return fmt.Errorf("declare %s: %w", main, err)
	}
	// Retry tiers dead-letter back into the main queue once their TTL
	// elapses, which is what implements the backoff delay.
	for i, delay := range b.delays {
		name := b.namer.RetryQueueName(queue, i+1)
		args := amqp091.Table{
			"x-message-ttl":             delay.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": main,
		}
		if _, err := b.pubCh.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
	}

	b.mu.Lock()
	b.declared[queue] = true
	b.mu.Unlock()
	return nil
}

func (b *AMQPBroker) publishing(msg Message) amqp091.Publishing {
	headers := amqp091.Table{
		headerJobID:      msg.JobID,
		headerAttempt:    int64(msg.Attempt),
		headerEnqueuedAt: msg.EnqueuedAt,
	}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return amqp091.Publishing{
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		Headers:       headers,
		Body:          msg.Payload,
		DeliveryMode:  amqp091.Persistent,
		Timestamp:     time.Now(),
	}
}

// publishConfirmed publishes to the default exchange and waits for the
// broker's confirm.
func (b *AMQPBroker) publishConfirmed(ctx context.Context, routingKey string, pub amqp091.Publishing) error {
	if err := b.ensureConn(); err != nil {
		return err
	}
	b.pubMu.Lock()
	dc, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, "", routingKey, false, false, pub)
	b.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", routingKey, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm for %s: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("publish to %s: %w", routingKey, ErrUnavailable)
	}
	return nil
}

// Publish sends a message to the queue's main queue.
func (b *AMQPBroker) Publish(ctx context.Context, queue string, msg Message) error {
	if err := b.ensureTopology(queue); err != nil {
		return err
	}
	if msg.Attempt <= 0 {
		msg.Attempt = 1
	}
	if msg.EnqueuedAt == "" {
		msg.EnqueuedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return b.publishConfirmed(ctx, b.namer.QueueName(queue), b.publishing(msg))
}

// PublishToRetryQueue sends a message into the retry tier for the given
// attempt. Attempts past the schedule reuse the last tier.
func (b *AMQPBroker) PublishToRetryQueue(ctx context.Context, queue string, attempt int, msg Message) error {
	if err := b.ensureTopology(queue); err != nil {
		return err
	}
	tier := attempt
	if tier < 1 {
		tier = 1
	}
	if tier > len(b.delays) {
		tier = len(b.delays)
	}
	msg.Attempt = attempt
	return b.publishConfirmed(ctx, b.namer.RetryQueueName(queue, tier), b.publishing(msg))
}

// PublishToDLQ sends a message to the queue's dead-letter queue with the
// reason recorded in headers.
func (b *AMQPBroker) PublishToDLQ(ctx context.Context, queue string, msg Message, reason string) error {
	if err := b.ensureTopology(queue); err != nil {
		return err
	}
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	msg.Headers[headerDLQReason] = reason
	msg.Headers[headerDLQAt] = time.Now().UTC().Format(time.RFC3339)
	return b.publishConfirmed(ctx, b.namer.DLQName(queue), b.publishing(msg))
}

// StartConsumer opens a dedicated channel for the queue and begins
// feeding its deliveries into the registry. Idempotent per queue.
func (b *AMQPBroker) StartConsumer(ctx context.Context, queue string) error {
	if b.closed.Load() {
		return ErrUnavailable
	}
	b.mu.Lock()
	if _, ok := b.consumers[queue]; ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.ensureTopology(queue); err != nil {
		return err
	}

	ch, err := b.connection().Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}

	physical := b.namer.QueueName(queue)
	tag := "superqueues-" + queue + "-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	deliveries, err := ch.Consume(physical, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s: %w", physical, err)
	}

	consumer := &amqpConsumer{ch: ch}

	b.mu.Lock()
	if _, ok := b.consumers[queue]; ok {
		b.mu.Unlock()
		_ = ch.Close()
		return nil
	}
	b.consumers[queue] = consumer
	b.mu.Unlock()

	go b.consumeLoop(queue, consumer, deliveries)
	return nil
}

func (b *AMQPBroker) consumeLoop(queue string, consumer *amqpConsumer, deliveries <-chan amqp091.Delivery) {
	for d := range deliveries {
		b.Add(b.toDelivery(queue, d), &amqpResolver{c: consumer, tag: d.DeliveryTag})
	}
	// Channel closed. Unleased deliveries are gone with it; leased ones
	// stay as dead entries so outstanding receipts resolve with a clear
	// error, and the broker redelivers them on the next channel.
	b.mu.Lock()
	if b.consumers[queue] == consumer {
		delete(b.consumers, queue)
	}
	b.mu.Unlock()
	b.dropQueue(queue, true)
	if !b.closed.Load() {
		b.logger.Warn("consumer channel closed", log.Str("queue", queue))
	}
}

func (b *AMQPBroker) toDelivery(queue string, d amqp091.Delivery) Delivery {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	enqueuedAt := headers[headerEnqueuedAt]
	if enqueuedAt == "" && !d.Timestamp.IsZero() {
		enqueuedAt = d.Timestamp.UTC().Format(time.RFC3339)
	}
	return Delivery{
		Queue:         queue,
		MessageID:     d.MessageId,
		JobID:         headers[headerJobID],
		CorrelationID: d.CorrelationId,
		Payload:       d.Body,
		Headers:       headers,
		Attempt:       headerAttemptValue(d.Headers),
		EnqueuedAt:    enqueuedAt,
	}
}

// headerAttemptValue reads the attempt header, tolerating the integer
// widths AMQP clients encode.
func headerAttemptValue(headers amqp091.Table) int {
	switch v := headers[headerAttempt].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 1
}

// Ack acknowledges a delivery on its consumer channel.
func (b *AMQPBroker) Ack(ctx context.Context, queue string, tag uint64) error {
	r, ok := b.remove(queue, tag)
	if !ok {
		return ErrDeliveryNotFound
	}
	return r.ack()
}

// Nack rejects a delivery on its consumer channel.
func (b *AMQPBroker) Nack(ctx context.Context, queue string, tag uint64, requeue bool) error {
	r, ok := b.remove(queue, tag)
	if !ok {
		return ErrDeliveryNotFound
	}
	return r.nack(requeue)
}

// Ping reports connection liveness, redialing a dropped connection.
func (b *AMQPBroker) Ping(ctx context.Context) error {
	return b.ensureConn()
}

// Close stops all consumers and closes the connection.
func (b *AMQPBroker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	consumers := b.consumers
	b.consumers = make(map[string]*amqpConsumer)
	b.mu.Unlock()
	for _, c := range consumers {
		c.mu.Lock()
		_ = c.ch.Close()
		c.mu.Unlock()
	}
	b.pubMu.Lock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	b.pubMu.Unlock()
	if conn := b.connection(); conn != nil {
		return conn.Close()
	}
	return nil
}

// amqpResolver resolves one delivery through its consumer channel.
type amqpResolver struct {
	c   *amqpConsumer
	tag uint64
}

func (r *amqpResolver) ack() error              { return r.c.ack(r.tag) }
func (r *amqpResolver) nack(requeue bool) error { return r.c.nack(r.tag, requeue) }
