// Package lease implements the receipt store backing visibility timeouts.
//
// A receipt is a caller-facing token granting the right to ack or nack one
// specific delivery within a bounded window. Receipts live in the TTL
// key-value store; their expiry is the sole mechanism by which an
// unacknowledged delivery becomes eligible again.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/javimosch/superqueues/internal/kv"
)

// ErrNotFound is returned for unknown and expired receipts alike; the
// store does not distinguish the two.
var ErrNotFound = errors.New("lease: receipt not found or expired")

// Receipt maps a caller-facing token to a broker delivery.
type Receipt struct {
	ReceiptID   string `json:"receiptId"`
	Queue       string `json:"queue"`
	DeliveryTag uint64 `json:"deliveryTag"`
	JobID       string `json:"jobId"`
	MessageID   string `json:"messageId"`
}

// Store issues and resolves receipts.
type Store struct {
	kv     kv.Store
	maxTTL time.Duration
}

// NewStore creates a receipt store. TTLs passed to Create are clamped to
// maxTTL.
func NewStore(store kv.Store, maxTTL time.Duration) *Store {
	return &Store{kv: store, maxTTL: maxTTL}
}

func receiptKey(id string) string { return "receipt:" + id }

// Create generates a fresh receipt token for the given delivery reference
// and stores it with the visibility timeout ttl.
func (s *Store) Create(ctx context.Context, r Receipt, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > s.maxTTL {
		ttl = s.maxTTL
	}
	r.ReceiptID = uuid.NewString()
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal receipt: %w", err)
	}
	if err := s.kv.Set(ctx, receiptKey(r.ReceiptID), data, ttl); err != nil {
		return "", fmt.Errorf("store receipt: %w", err)
	}
	return r.ReceiptID, nil
}

// Get resolves a receipt without consuming it. Returns ErrNotFound for
// unknown or expired tokens.
func (s *Store) Get(ctx context.Context, receiptID string) (Receipt, error) {
	data, err := s.kv.Get(ctx, receiptKey(receiptID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Receipt{}, ErrNotFound
		}
		return Receipt{}, fmt.Errorf("load receipt: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return Receipt{}, fmt.Errorf("unmarshal receipt: %w", err)
	}
	return r, nil
}

// Claim atomically resolves and removes a receipt. Two racing claims on
// the same token linearize: exactly one succeeds, the other observes
// ErrNotFound.
func (s *Store) Claim(ctx context.Context, receiptID string) (Receipt, error) {
	data, err := s.kv.GetDel(ctx, receiptKey(receiptID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Receipt{}, ErrNotFound
		}
		return Receipt{}, fmt.Errorf("claim receipt: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return Receipt{}, fmt.Errorf("unmarshal receipt: %w", err)
	}
	return r, nil
}

// Delete removes a receipt. Idempotent; a no-op if absent.
func (s *Store) Delete(ctx context.Context, receiptID string) error {
	return s.kv.Delete(ctx, receiptKey(receiptID))
}
