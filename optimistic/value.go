package optimistic

import "sync"

// Value is a concurrency-safe Store with change subscribers.
type Value[T any] struct {
	mu     sync.RWMutex
	v      T
	nextID uint64
	subs   map[uint64]func(T)
}

// NewValue returns a Value holding v.
func NewValue[T any](v T) *Value[T] {
	return &Value[T]{v: v, subs: make(map[uint64]func(T))}
}

// Get returns the current value.
func (s *Value[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v
}

// Set replaces the value and notifies subscribers on the caller's goroutine.
func (s *Value[T]) Set(v T) {
	s.mu.Lock()
	s.v = v
	subs := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

// Subscribe registers fn for changes and returns a disposer.
func (s *Value[T]) Subscribe(fn func(T)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
