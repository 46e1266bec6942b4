// Package diag collects bounded, append-only diagnostic histories.
// Histories feed backoff tuning and tests; correctness never depends on them.
package diag

import (
	"sync"
	"time"
)

// History is a fixed-capacity ring of diagnostic records.
type History[T any] struct {
	mu       sync.Mutex
	capacity int
	entries  []T
	next     int
	total    uint64
}

// NewHistory creates a ring holding at most capacity records.
func NewHistory[T any](capacity int) *History[T] {
	if capacity <= 0 {
		capacity = 64
	}
	h := new(History[T])
	h.capacity = capacity
	h.entries = make([]T, 0, capacity)
	return h
}

// Append records one entry, evicting the oldest when full.
func (h *History[T]) Append(entry T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	if len(h.entries) < h.capacity {
		h.entries = append(h.entries, entry)
		return
	}
	h.entries[h.next] = entry
	h.next = (h.next + 1) % h.capacity
}

// Snapshot copies the retained entries, oldest first.
func (h *History[T]) Snapshot() []T {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]T, 0, len(h.entries))
	if len(h.entries) < h.capacity {
		out = append(out, h.entries...)
		return out
	}
	out = append(out, h.entries[h.next:]...)
	out = append(out, h.entries[:h.next]...)
	return out
}

// Total reports how many entries were ever appended.
func (h *History[T]) Total() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// RateLimitInfo records one rate-limit response.
type RateLimitInfo struct {
	At         time.Time
	Operation  string
	Status     int
	RetryAfter time.Duration
}

// HTTPErrorEvent records one failed REST exchange.
type HTTPErrorEvent struct {
	At        time.Time
	Operation string
	Status    int
	Kind      string
	Message   string
}

// TimestampDriftInfo records one server-time sample.
type TimestampDriftInfo struct {
	At             time.Time
	RawOffset      time.Duration
	SmoothedOffset time.Duration
	RoundTrip      time.Duration
}

// RenewalRecord records one listen-key renewal attempt.
type RenewalRecord struct {
	ID      string
	At      time.Time
	OldKey  string
	NewKey  string
	Reason  string
	Success bool
}
