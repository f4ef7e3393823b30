package rcu

import (
	"sync/atomic"
)

// Snapshot holds a read-mostly value behind a single atomic pointer.
// Readers load, writers publish a fresh copy. The pointee is immutable
// once published.
type Snapshot[T any] struct {
	ptr atomic.Pointer[T]
}

func NewSnapshot[T any](init *T) *Snapshot[T] {
	s := &Snapshot[T]{}
	s.ptr.Store(init)
	return s
}

func (s *Snapshot[T]) Load() *T {
	return s.ptr.Load()
}

// Replace swaps in next; the caller must not modify it afterwards.
func (s *Snapshot[T]) Replace(next *T) {
	s.ptr.Store(next)
}
