// Package lock holds the small mutex-guarded primitives shared between the
// control loop and the workers: the running-worker counter, the destination
// sequence and the diagnostic worker registry.
package lock

import (
	"sort"
	"sync"
)

/* =======================
   Counter
   ======================= */

// Counter is an integer that is only ever changed under its mutex.
type Counter struct {
	mu sync.Mutex
	n  int
}

// Inc adds one and returns the new value.
func (c *Counter) Inc() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.n++

	return c.n
}

// Dec subtracts one and returns the new value.
func (c *Counter) Dec() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.n--

	return c.n
}

func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.n
}

/* =======================
   Sequence
   ======================= */

// Sequence hands out integers starting at start. A bounded sequence cycles
// through [base, max] inclusive; an unbounded one keeps growing.
type Sequence struct {
	mu      sync.Mutex
	base    int64
	max     int64
	next    int64
	bounded bool
}

// NewSequence returns a sequence positioned at start. For bounded sequences
// start must lie in [base, max].
func NewSequence(base, max, start int64, bounded bool) *Sequence {
	return &Sequence{base: base, max: max, next: start, bounded: bounded}
}

// Next returns the current value and advances the sequence.
func (s *Sequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.next

	if s.bounded && s.next >= s.max {
		s.next = s.base
	} else {
		s.next++
	}

	return v
}

/* =======================
   Registry
   ======================= */

// Registry is a name-keyed set used for diagnostics only.
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[string]T
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]T)}
}

func (r *Registry[T]) Register(name string, v T) {
	r.mu.Lock()
	r.entries[name] = v
	r.mu.Unlock()
}

func (r *Registry[T]) Remove(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// Each calls fn for every entry in name order. fn runs without the lock held.
func (r *Registry[T]) Each(fn func(name string, v T)) {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	snapshot := make(map[string]T, len(r.entries))
	for k, v := range r.entries {
		snapshot[k] = v
	}
	r.mu.Unlock()

	sort.Strings(names)

	for _, name := range names {
		fn(name, snapshot[name])
	}
}
