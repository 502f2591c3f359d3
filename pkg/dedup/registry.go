// Package dedup tracks message fingerprints across the three stages of their
// lifecycle (received, processing, processed) so that redelivered packets are
// suppressed and the live-delivery and backlog-replay paths never work on the
// same fingerprint at once.
package dedup

import (
	"sync"
)

// DefaultProcessedCapacity bounds the history of completed fingerprints. The
// processed tier is approximate by design: once a fingerprint is evicted, very
// old redeliveries fall through to the durable store check.
const DefaultProcessedCapacity = 500

// Registry is a three-tier, in-memory fingerprint tracker. It performs no I/O;
// all operations are O(1) and safe for concurrent use.
//
// Tier membership is monotone for any fingerprint: received -> processing ->
// processed. The processing tier is the only mutual-exclusion mechanism
// between the live-delivery path and the replay path.
type Registry struct {
	mu         sync.Mutex
	received   map[string]struct{}
	processing map[string]struct{}
	processed  *fingerprintRing
}

// NewRegistry creates a Registry whose processed tier holds at most
// processedCapacity entries. A capacity <= 0 selects DefaultProcessedCapacity.
func NewRegistry(processedCapacity int) *Registry {
	if processedCapacity <= 0 {
		processedCapacity = DefaultProcessedCapacity
	}
	return &Registry{
		received:   make(map[string]struct{}),
		processing: make(map[string]struct{}),
		processed:  newFingerprintRing(processedCapacity),
	}
}

// Seed loads fingerprints of durable records that survived a restart into the
// received tier. Call before the broker connection starts delivering packets.
func (r *Registry) Seed(fingerprints []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fp := range fingerprints {
		if fp != "" {
			r.received[fp] = struct{}{}
		}
	}
}

// Has reports whether the fingerprint is known to any tier.
func (r *Registry) Has(fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.received[fingerprint]; ok {
		return true
	}
	if _, ok := r.processing[fingerprint]; ok {
		return true
	}
	return r.processed.contains(fingerprint)
}

// MarkReceived records a fingerprint accepted from the broker.
func (r *Registry) MarkReceived(fingerprint string) {
	if fingerprint == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received[fingerprint] = struct{}{}
}

// DropReceived removes a fingerprint from the received tier, once processing
// has concluded one way or the other.
func (r *Registry) DropReceived(fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.received, fingerprint)
}

// TryMarkProcessing atomically claims a fingerprint for processing. It returns
// false if another path already holds the claim, in which case the caller must
// not touch the record.
func (r *Registry) TryMarkProcessing(fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processing[fingerprint]; ok {
		return false
	}
	r.processing[fingerprint] = struct{}{}
	return true
}

// DropProcessing releases a processing claim. Pairs with TryMarkProcessing on
// every exit path, successful or not.
func (r *Registry) DropProcessing(fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processing, fingerprint)
}

// WasProcessed reports whether the fingerprint completed processing recently
// enough to still be in the bounded history.
func (r *Registry) WasProcessed(fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed.contains(fingerprint)
}

// MarkProcessed records a successfully completed fingerprint, evicting the
// oldest history entry once the tier is at capacity.
func (r *Registry) MarkProcessed(fingerprint string) {
	if fingerprint == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed.push(fingerprint)
}

// fingerprintRing is a fixed-capacity FIFO of fingerprints with O(1) lookup.
// Not safe for concurrent use; the Registry serializes access.
type fingerprintRing struct {
	entries []string
	index   map[string]int
	head    int
	size    int
}

func newFingerprintRing(capacity int) *fingerprintRing {
	return &fingerprintRing{
		entries: make([]string, capacity),
		index:   make(map[string]int, capacity),
	}
}

func (q *fingerprintRing) contains(fingerprint string) bool {
	n, ok := q.index[fingerprint]
	return ok && n > 0
}

func (q *fingerprintRing) push(fingerprint string) {
	if q.size == len(q.entries) {
		oldest := q.entries[q.head]
		if n := q.index[oldest]; n <= 1 {
			delete(q.index, oldest)
		} else {
			q.index[oldest] = n - 1
		}
		q.head = (q.head + 1) % len(q.entries)
		q.size--
	}
	tail := (q.head + q.size) % len(q.entries)
	q.entries[tail] = fingerprint
	q.index[fingerprint]++
	q.size++
}
