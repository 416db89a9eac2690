package engine

import (
	"sync"
	"time"
)

// RingBuffer is a fixed-size circular buffer of job outcomes.
type RingBuffer struct {
	mu      sync.Mutex
	entries []OutcomeMessage
	head    int
	count   int
	size    int
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 256
	}
	return &RingBuffer{
		entries: make([]OutcomeMessage, size),
		size:    size,
	}
}

// Add appends an outcome, overwriting the oldest if full.
func (r *RingBuffer) Add(m OutcomeMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.head + r.count) % r.size
	if r.count == r.size {
		idx = r.head
		r.head = (r.head + 1) % r.size
	} else {
		r.count++
	}
	r.entries[idx] = m
}

// Len returns the number of buffered outcomes.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Since returns all outcomes with timestamps strictly after ts, oldest first.
func (r *RingBuffer) Since(ts time.Time) []OutcomeMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []OutcomeMessage
	for i := 0; i < r.count; i++ {
		e := r.entries[(r.head+i)%r.size]
		if e.Timestamp.After(ts) {
			result = append(result, e)
		}
	}
	return result
}

// Recent returns up to n of the newest outcomes, newest first. n <= 0
// returns everything.
func (r *RingBuffer) Recent(n int) []OutcomeMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	result := make([]OutcomeMessage, 0, n)
	for i := 0; i < n; i++ {
		result = append(result, r.entries[(r.head+r.count-1-i)%r.size])
	}
	return result
}
