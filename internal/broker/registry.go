package broker

import (
	"sync"
	"sync/atomic"
	"time"
)

// resolver is the broker-side handle bound to one tracked delivery. It is
// how the registry acknowledges a delivery through whichever channel the
// broker pushed it on.
type resolver interface {
	ack() error
	nack(requeue bool) error
}

type tracked struct {
	d Delivery
	r resolver
	// dead marks a leased delivery whose consumer channel closed. The
	// broker will redeliver the message on a fresh channel, so a dead
	// entry must never return to pending; it only lingers so the
	// outstanding receipt resolves with an error instead of vanishing.
	dead bool
}

// queueRegistry holds one queue's in-flight deliveries. All lease state
// transitions for the queue happen under its mutex, which is what makes
// GetPendingDeliveries' scan-and-mark atomic with respect to concurrent
// pulls.
type queueRegistry struct {
	mu    sync.Mutex
	byTag map[uint64]*tracked
	// order preserves broker push order for pending scans.
	order []uint64
}

// Registry tracks consumed-but-unacknowledged deliveries per queue.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]*queueRegistry

	// nextTag issues registry-unique delivery handles. Broker-side tags
	// (AMQP delivery tags restart at 1 per channel) live in the resolver
	// and never key the registry.
	nextTag atomic.Uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{queues: make(map[string]*queueRegistry)}
}

func (r *Registry) queue(name string, create bool) *queueRegistry {
	r.mu.RLock()
	q := r.queues[name]
	r.mu.RUnlock()
	if q != nil || !create {
		return q
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if q = r.queues[name]; q == nil {
		q = &queueRegistry{byTag: make(map[uint64]*tracked)}
		r.queues[name] = q
	}
	return q
}

// Add registers a freshly pushed delivery as pending, assigning it a
// registry-unique handle. Returns the assigned tag.
func (r *Registry) Add(d Delivery, res resolver) uint64 {
	d.Tag = r.nextTag.Add(1)
	q := r.queue(d.Queue, true)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byTag[d.Tag] = &tracked{d: d, r: res}
	q.order = append(q.order, d.Tag)
	return d.Tag
}

// GetPendingDeliveries picks up to max unleased deliveries, marking each
// leased until now+leaseTTL, all under the queue lock.
func (r *Registry) GetPendingDeliveries(queue string, max int, leaseTTL time.Duration) []Delivery {
	q := r.queue(queue, false)
	if q == nil || max <= 0 {
		return nil
	}
	deadline := time.Now().Add(leaseTTL).UnixMilli()
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Delivery, 0, max)
	for _, tag := range q.order {
		t, ok := q.byTag[tag]
		if !ok || t.d.Leased {
			continue
		}
		t.d.Leased = true
		t.d.LeaseExpiresAt = deadline
		out = append(out, t.d)
		if len(out) >= max {
			break
		}
	}
	return out
}

// BindReceipt records the receipt issued for a leased delivery.
func (r *Registry) BindReceipt(queue string, tag uint64, receiptID string) {
	q := r.queue(queue, false)
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.byTag[tag]; ok && t.d.Leased {
		t.d.ReceiptID = receiptID
	}
}

// ReleaseDelivery returns a leased delivery to pending. Reports whether
// the delivery existed, was leased, and is re-pullable. A delivery whose
// consumer channel died is removed instead: its resolver can no longer
// reach the broker, and the broker redelivers the message itself.
func (r *Registry) ReleaseDelivery(queue string, tag uint64) bool {
	q := r.queue(queue, false)
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byTag[tag]
	if !ok || !t.d.Leased {
		return false
	}
	if t.dead {
		delete(q.byTag, tag)
		q.compactLocked()
		return false
	}
	t.d.Leased = false
	t.d.ReceiptID = ""
	t.d.LeaseExpiresAt = 0
	return true
}

// GetDelivery looks up a live delivery by handle.
func (r *Registry) GetDelivery(queue string, tag uint64) (Delivery, bool) {
	q := r.queue(queue, false)
	if q == nil {
		return Delivery{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byTag[tag]
	if !ok {
		return Delivery{}, false
	}
	return t.d, true
}

// ExpiredLeases returns copies of leased deliveries whose lease deadline
// passed before nowMs.
func (r *Registry) ExpiredLeases(nowMs int64) []Delivery {
	r.mu.RLock()
	queues := make([]*queueRegistry, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.RUnlock()

	var out []Delivery
	for _, q := range queues {
		q.mu.Lock()
		for _, t := range q.byTag {
			if t.d.Leased && t.d.LeaseExpiresAt > 0 && t.d.LeaseExpiresAt <= nowMs {
				out = append(out, t.d)
			}
		}
		q.mu.Unlock()
	}
	return out
}

// remove deletes a delivery and returns its resolver for the final broker
// ack/nack call.
func (r *Registry) remove(queue string, tag uint64) (resolver, bool) {
	q := r.queue(queue, false)
	if q == nil {
		return nil, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byTag[tag]
	if !ok {
		return nil, false
	}
	delete(q.byTag, tag)
	q.compactLocked()
	return t.r, true
}

// dropQueue discards deliveries for a queue whose consumer channel died.
// With keepLeased, leased deliveries stay as dead entries so outstanding
// receipts fail cleanly on resolution instead of silently vanishing, but
// they can never be handed out again.
func (r *Registry) dropQueue(queue string, keepLeased bool) {
	q := r.queue(queue, false)
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for tag, t := range q.byTag {
		if keepLeased && t.d.Leased {
			t.dead = true
			continue
		}
		delete(q.byTag, tag)
	}
	q.compactLocked()
}

// PendingCount returns the number of unleased deliveries for a queue.
func (r *Registry) PendingCount(queue string) int {
	q := r.queue(queue, false)
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.byTag {
		if !t.d.Leased {
			n++
		}
	}
	return n
}

// compactLocked rebuilds the scan order after deletions once it has
// accumulated enough stale slots to matter.
func (q *queueRegistry) compactLocked() {
	if len(q.order) < 2*len(q.byTag)+16 {
		return
	}
	live := q.order[:0]
	for _, tag := range q.order {
		if _, ok := q.byTag[tag]; ok {
			live = append(live, tag)
		}
	}
	q.order = live
}
