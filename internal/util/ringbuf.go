package util

import "sync"

// RingBuffer keeps the last N values pushed into it; once capacity is
// reached every Push evicts the oldest value. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push stores v, evicting the oldest value when full.
func (r *RingBuffer[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[(r.head+r.count)%len(r.buf)] = v
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.count++
}

// Snapshot copies out the stored values, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, r.count)
	for i := range out {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Len reports how many values are stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
