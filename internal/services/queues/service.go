// Package queues implements the queue lifecycle: publish with
// idempotency, pull with receipt-scoped visibility timeouts, and the
// ack/nack state machine with bounded retry and dead-letter routing.
package queues

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/javimosch/superqueues/internal/apierr"
	"github.com/javimosch/superqueues/internal/audit"
	"github.com/javimosch/superqueues/internal/broker"
	"github.com/javimosch/superqueues/internal/config"
	"github.com/javimosch/superqueues/internal/idempotency"
	"github.com/javimosch/superqueues/internal/lease"
	"github.com/javimosch/superqueues/pkg/log"
)

// NackAction selects what a negative acknowledgment does with the
// delivery.
type NackAction string

const (
	ActionRequeue NackAction = "requeue"
	ActionRetry   NackAction = "retry"
	ActionDLQ     NackAction = "dlq"
)

const dlqReasonMaxRetries = "max retries exceeded"

// Service coordinates the broker adapter, lease store, idempotency cache
// and audit trail behind the queue API.
type Service struct {
	broker backend
	leases *lease.Store
	idem   *idempotency.Cache
	audit  *audit.Service
	cfg    config.QueueConfig
	logger log.Logger

	nowMs func() int64

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// backend is the slice of broker.Broker the service drives.
type backend interface {
	Publish(ctx context.Context, queue string, msg broker.Message) error
	StartConsumer(ctx context.Context, queue string) error
	GetPendingDeliveries(queue string, max int, leaseTTL time.Duration) []broker.Delivery
	BindReceipt(queue string, tag uint64, receiptID string)
	ReleaseDelivery(queue string, tag uint64) bool
	GetDelivery(queue string, tag uint64) (broker.Delivery, bool)
	ExpiredLeases(nowMs int64) []broker.Delivery
	Ack(ctx context.Context, queue string, tag uint64) error
	Nack(ctx context.Context, queue string, tag uint64, requeue bool) error
	PublishToRetryQueue(ctx context.Context, queue string, attempt int, msg broker.Message) error
	PublishToDLQ(ctx context.Context, queue string, msg broker.Message, reason string) error
}

// NewService wires the queue service.
func NewService(b backend, leases *lease.Store, idem *idempotency.Cache, auditSvc *audit.Service, cfg config.QueueConfig, logger log.Logger) *Service {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Service{
		broker: b,
		leases: leases,
		idem:   idem,
		audit:  auditSvc,
		cfg:    cfg,
		logger: logger.With(log.Component("queues")),
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

// PublishRequest is one message to publish.
type PublishRequest struct {
	Payload        []byte
	Headers        map[string]string
	CorrelationID  string
	IdempotencyKey string
}

// PublishResult identifies the enqueued message.
type PublishResult struct {
	MessageID  string `json:"messageId"`
	JobID      string `json:"jobId"`
	EnqueuedAt string `json:"enqueuedAt"`
}

// Publish enqueues a message. With an idempotency key, a repeat publish
// from the same caller within the cache TTL returns the original result
// without touching the broker.
func (s *Service) Publish(ctx context.Context, queue, callerKey string, req PublishRequest) (PublishResult, error) {
	if len(req.Payload) == 0 {
		return PublishResult{}, apierr.New(apierr.CodeValidation, "payload is required")
	}

	if req.IdempotencyKey != "" {
		cached, found, err := s.idem.Check(ctx, callerKey, queue, req.IdempotencyKey)
		if err != nil {
			return PublishResult{}, apierr.Wrap(apierr.CodeInternal, "idempotency lookup failed", err)
		}
		if found {
			return PublishResult(cached), nil
		}
	}

	messageID := uuid.NewString()
	jobID := uuid.NewString()
	enqueuedAt := time.Now().UTC().Format(time.RFC3339)

	if err := s.audit.CreateJob(audit.CreateJobParams{
		JobID:         jobID,
		MessageID:     messageID,
		Queue:         queue,
		CorrelationID: req.CorrelationID,
		Payload:       req.Payload,
		Headers:       req.Headers,
	}); err != nil {
		return PublishResult{}, apierr.Wrap(apierr.CodeInternal, "record job failed", err)
	}

	msg := broker.Message{
		MessageID:     messageID,
		JobID:         jobID,
		CorrelationID: req.CorrelationID,
		Payload:       req.Payload,
		Headers:       req.Headers,
		Attempt:       1,
		EnqueuedAt:    enqueuedAt,
	}
	if err := s.broker.Publish(ctx, queue, msg); err != nil {
		return PublishResult{}, brokerError("publish failed", err)
	}

	result := PublishResult{MessageID: messageID, JobID: jobID, EnqueuedAt: enqueuedAt}
	if req.IdempotencyKey != "" {
		if err := s.idem.Store(ctx, callerKey, queue, req.IdempotencyKey, idempotency.Result(result)); err != nil {
			// The message is already on the broker; a dedup-cache write
			// failure only weakens dedup, it cannot fail the publish.
			s.logger.Warn("idempotency store failed", log.Str("queue", queue), log.Err(err))
		}
	}
	return result, nil
}

// PullRequest bounds one pull.
type PullRequest struct {
	MaxMessages         int
	VisibilityTimeoutMs int64
}

// PulledMessage is one leased delivery handed to a caller.
type PulledMessage struct {
	ReceiptID  string            `json:"receiptId"`
	MessageID  string            `json:"messageId"`
	JobID      string            `json:"jobId"`
	Payload    []byte            `json:"payload"`
	Headers    map[string]string `json:"headers,omitempty"`
	Attempt    int               `json:"attempt"`
	EnqueuedAt string            `json:"enqueuedAt,omitempty"`
}

// Pull leases up to MaxMessages pending deliveries, issuing one receipt
// per delivery. An empty queue returns an empty slice.
func (s *Service) Pull(ctx context.Context, queue string, req PullRequest) ([]PulledMessage, error) {
	max := req.MaxMessages
	if max <= 0 || max > s.cfg.PullMaxDefault {
		max = s.cfg.PullMaxDefault
	}
	visibility := req.VisibilityTimeoutMs
	if visibility <= 0 {
		visibility = s.cfg.VisibilityTimeoutDefaultMs
	}
	if visibility > s.cfg.ReceiptTTLMaxMs {
		visibility = s.cfg.ReceiptTTLMaxMs
	}
	ttl := time.Duration(visibility) * time.Millisecond

	if err := s.broker.StartConsumer(ctx, queue); err != nil {
		return nil, brokerError("start consumer failed", err)
	}

	deliveries := s.broker.GetPendingDeliveries(queue, max, ttl)
	messages := make([]PulledMessage, 0, len(deliveries))
	for _, d := range deliveries {
		receiptID, err := s.leases.Create(ctx, lease.Receipt{
			Queue:       queue,
			DeliveryTag: d.Tag,
			JobID:       d.JobID,
			MessageID:   d.MessageID,
		}, ttl)
		if err != nil {
			// Without a receipt the caller can never resolve this
			// delivery; put it back.
			s.broker.ReleaseDelivery(queue, d.Tag)
			if len(messages) > 0 {
				break
			}
			return nil, apierr.Wrap(apierr.CodeInternal, "issue receipt failed", err)
		}
		s.broker.BindReceipt(queue, d.Tag, receiptID)

		s.auditBestEffort("delivered", s.audit.UpdateJobStatus(d.JobID, audit.StatusDelivered, audit.StatusMeta{Attempt: d.Attempt}))

		messages = append(messages, PulledMessage{
			ReceiptID:  receiptID,
			MessageID:  d.MessageID,
			JobID:      d.JobID,
			Payload:    d.Payload,
			Headers:    d.Headers,
			Attempt:    d.Attempt,
			EnqueuedAt: d.EnqueuedAt,
		})
	}
	return messages, nil
}

// Ack acknowledges the delivery behind a receipt.
func (s *Service) Ack(ctx context.Context, queue, receiptID string) error {
	claimed, err := s.claimReceipt(ctx, queue, receiptID)
	if err != nil {
		return err
	}
	defer s.deleteReceipt(ctx, claimed.ReceiptID)

	if _, ok := s.broker.GetDelivery(queue, claimed.DeliveryTag); !ok {
		return apierr.New(apierr.CodeReceiptExpired, "delivery no longer tracked")
	}
	if err := s.broker.Ack(ctx, queue, claimed.DeliveryTag); err != nil {
		if errors.Is(err, broker.ErrDeliveryNotFound) {
			return apierr.New(apierr.CodeReceiptExpired, "delivery no longer tracked")
		}
		return brokerError("ack failed", err)
	}

	s.auditBestEffort("acked", s.audit.UpdateJobStatus(claimed.JobID, audit.StatusAcked, audit.StatusMeta{}))
	return nil
}

// Nack negatively acknowledges the delivery behind a receipt, either
// requeueing it immediately, scheduling a delayed retry, or routing it to
// the dead-letter queue.
func (s *Service) Nack(ctx context.Context, queue, receiptID string, action NackAction, reason string) error {
	switch action {
	case ActionRequeue, ActionRetry, ActionDLQ:
	case "":
		action = ActionRequeue
	default:
		return apierr.Newf(apierr.CodeValidation, "invalid action %q", action)
	}

	claimed, err := s.claimReceipt(ctx, queue, receiptID)
	if err != nil {
		return err
	}
	defer s.deleteReceipt(ctx, claimed.ReceiptID)

	d, ok := s.broker.GetDelivery(queue, claimed.DeliveryTag)
	if !ok {
		return apierr.New(apierr.CodeReceiptExpired, "delivery no longer tracked")
	}

	switch action {
	case ActionRequeue:
		if err := s.broker.Nack(ctx, queue, d.Tag, true); err != nil {
			if errors.Is(err, broker.ErrDeliveryNotFound) {
				return apierr.New(apierr.CodeReceiptExpired, "delivery no longer tracked")
			}
			return brokerError("requeue failed", err)
		}
		s.auditBestEffort("requeued", s.audit.UpdateJobStatus(d.JobID, audit.StatusQueued, audit.StatusMeta{LastError: reason}))
		return nil

	case ActionRetry:
		attempt := d.Attempt
		if attempt < 1 {
			attempt = 1
		}
		next := attempt + 1
		if next > s.cfg.MaxRetryAttempts {
			if reason == "" {
				reason = dlqReasonMaxRetries
			}
			return s.deadLetter(ctx, queue, d, reason)
		}
		if err := s.broker.PublishToRetryQueue(ctx, queue, next, s.republication(d, next)); err != nil {
			return brokerError("schedule retry failed", err)
		}
		if err := s.broker.Ack(ctx, queue, d.Tag); err != nil && !errors.Is(err, broker.ErrDeliveryNotFound) {
			return brokerError("ack after retry failed", err)
		}
		s.auditBestEffort("retried", s.audit.RecordRetry(d.JobID, next, reason))
		return nil

	default: // ActionDLQ
		if reason == "" {
			reason = "manual"
		}
		return s.deadLetter(ctx, queue, d, reason)
	}
}

// deadLetter re-publishes the delivery to the DLQ, acknowledges the
// original and records the terminal status.
func (s *Service) deadLetter(ctx context.Context, queue string, d broker.Delivery, reason string) error {
	if err := s.broker.PublishToDLQ(ctx, queue, s.republication(d, d.Attempt), reason); err != nil {
		return brokerError("dead-letter failed", err)
	}
	if err := s.broker.Ack(ctx, queue, d.Tag); err != nil && !errors.Is(err, broker.ErrDeliveryNotFound) {
		return brokerError("ack after dead-letter failed", err)
	}
	s.auditBestEffort("dlq", s.audit.UpdateJobStatus(d.JobID, audit.StatusDLQ, audit.StatusMeta{LastError: reason}))
	return nil
}

// republication builds the message re-published on retry or dead-letter.
// The jobId survives; the broker-level messageId is fresh for each
// publication.
func (s *Service) republication(d broker.Delivery, attempt int) broker.Message {
	return broker.Message{
		MessageID:     uuid.NewString(),
		JobID:         d.JobID,
		CorrelationID: d.CorrelationID,
		Payload:       d.Payload,
		Headers:       d.Headers,
		Attempt:       attempt,
		EnqueuedAt:    d.EnqueuedAt,
	}
}

// claimReceipt validates the receipt against the queue and atomically
// claims it. The queue check happens before the claim so a mismatched
// request does not consume the receipt.
func (s *Service) claimReceipt(ctx context.Context, queue, receiptID string) (lease.Receipt, error) {
	if receiptID == "" {
		return lease.Receipt{}, apierr.New(apierr.CodeValidation, "receiptId is required")
	}
	r, err := s.leases.Get(ctx, receiptID)
	if errors.Is(err, lease.ErrNotFound) {
		return lease.Receipt{}, apierr.New(apierr.CodeReceiptExpired, "receipt not found or expired")
	}
	if err != nil {
		return lease.Receipt{}, apierr.Wrap(apierr.CodeInternal, "receipt lookup failed", err)
	}
	if r.Queue != queue {
		return lease.Receipt{}, apierr.New(apierr.CodeReceiptMismatch, "receipt does not match queue")
	}

	claimed, err := s.leases.Claim(ctx, receiptID)
	if errors.Is(err, lease.ErrNotFound) {
		// Lost the race against a concurrent ack/nack.
		return lease.Receipt{}, apierr.New(apierr.CodeReceiptExpired, "receipt not found or expired")
	}
	if err != nil {
		return lease.Receipt{}, apierr.Wrap(apierr.CodeInternal, "receipt claim failed", err)
	}
	return claimed, nil
}

// deleteReceipt is the backstop cleanup; Claim already removed the key.
func (s *Service) deleteReceipt(ctx context.Context, receiptID string) {
	if err := s.leases.Delete(ctx, receiptID); err != nil {
		s.logger.Warn("delete receipt", log.Str("receiptId", receiptID), log.Err(err))
	}
}

// auditBestEffort logs audit failures on paths where the broker-side
// transition already happened.
func (s *Service) auditBestEffort(what string, err error) {
	if err != nil {
		s.logger.Warn("audit record failed", log.Str("transition", what), log.Err(err))
	}
}

// brokerError classifies a broker failure.
func brokerError(msg string, err error) error {
	if errors.Is(err, broker.ErrUnavailable) {
		return apierr.Wrap(apierr.CodeBrokerUnavailable, msg, err)
	}
	return apierr.Wrap(apierr.CodeInternal, msg, err)
}

// ReclaimExpired releases leased deliveries whose receipt has expired
// back to pending, making them immediately re-pullable. Returns the
// number released.
func (s *Service) ReclaimExpired(ctx context.Context, nowMs int64) int {
	released := 0
	for _, d := range s.broker.ExpiredLeases(nowMs) {
		if d.ReceiptID != "" {
			if _, err := s.leases.Get(ctx, d.ReceiptID); err == nil {
				// Receipt still alive; the store's TTL is authoritative.
				continue
			} else if !errors.Is(err, lease.ErrNotFound) {
				s.logger.Warn("reclaim receipt lookup", log.Str("queue", d.Queue), log.Err(err))
				continue
			}
		}
		if s.broker.ReleaseDelivery(d.Queue, d.Tag) {
			released++
			s.auditBestEffort("lease expired", s.audit.UpdateJobStatus(d.JobID, audit.StatusQueued, audit.StatusMeta{LastError: "visibility timeout expired"}))
		}
	}
	if released > 0 {
		s.logger.Debug("reclaimed expired leases", log.Int("count", released))
	}
	return released
}

// StartReclaimer runs the background reclaim loop.
func (s *Service) StartReclaimer() {
	if s.sweepStop != nil {
		return
	}
	interval := time.Duration(s.cfg.ReclaimIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	s.sweepStop = make(chan struct{})
	s.sweepDone = make(chan struct{})
	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.sweepStop:
				return
			case <-ticker.C:
				s.ReclaimExpired(context.Background(), s.nowMs())
			}
		}
	}()
}

// StopReclaimer stops the background reclaim loop.
func (s *Service) StopReclaimer() {
	if s.sweepStop == nil {
		return
	}
	close(s.sweepStop)
	<-s.sweepDone
	s.sweepStop = nil
}

// StartConsumer pre-warms the broker consumer for a queue.
func (s *Service) StartConsumer(ctx context.Context, queue string) error {
	if err := s.broker.StartConsumer(ctx, queue); err != nil {
		return brokerError("start consumer failed", err)
	}
	return nil
}
