// Package quantum holds the device's single tunable integer.
package quantum

import (
	"sync"

	"github.com/msageha/scull/internal/model"
)

// Store is a mutex-guarded integer. Every method is one critical section,
// so each call takes effect atomically between its invocation and return.
type Store struct {
	mu    sync.Mutex
	value int
}

func NewStore(initial int) *Store {
	return &Store{value: initial}
}

// Reset restores model.DefaultQuantum and returns the previous value.
func (s *Store) Reset() int {
	return s.Exchange(model.DefaultQuantum)
}

// Set stores v and returns the previous value.
func (s *Store) Set(v int) int {
	return s.Exchange(v)
}

// Tell has the same effect as Set.
func (s *Store) Tell(v int) int {
	return s.Exchange(v)
}

func (s *Store) Get() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Query returns the current value; ok is false when it is negative and so
// cannot be carried on a non-negative result channel.
func (s *Store) Query() (v int, ok bool) {
	v = s.Get()
	return v, v >= 0
}

// Exchange stores v and returns the previous value.
func (s *Store) Exchange(v int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.value
	s.value = v
	return old
}

// Shift is Exchange with the argument and result passed by value.
func (s *Store) Shift(v int) int {
	return s.Exchange(v)
}
