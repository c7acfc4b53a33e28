// Package registry records each distinct caller identity that observed the
// device, once, in first-seen order.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRegistryFull is returned by Record when the configured capacity is
// exhausted. Callers treat it like an allocation failure: log and go on.
var ErrRegistryFull = errors.New("task registry full")

// ErrClosed is returned by Record once the registry has been drained.
var ErrClosed = errors.New("task registry drained")

// Identity is the registry key: thread id and thread group id.
type Identity struct {
	PID  int `json:"pid" yaml:"pid"`
	TGID int `json:"tgid" yaml:"tgid"`
}

func (id Identity) String() string {
	return fmt.Sprintf("PID %d, TGID %d", id.PID, id.TGID)
}

// Entry is one registered identity. Entries are never mutated after insert.
type Entry struct {
	Identity
	Seq       int       `json:"seq" yaml:"seq"`
	FirstSeen time.Time `json:"first_seen" yaml:"first_seen"`
}

type Registry struct {
	mu      sync.Mutex
	entries []Entry
	index   map[Identity]struct{}
	max     int
	seq     int
	closed  bool
	now     func() time.Time
}

// New creates a registry holding at most maxEntries identities (0 = no limit).
func New(maxEntries int) *Registry {
	return &Registry{
		index: make(map[Identity]struct{}),
		max:   maxEntries,
		now:   time.Now,
	}
}

// Record inserts id if it is not yet present. The membership check and the
// insert happen under one lock.
func (r *Registry) Record(id Identity) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, fmt.Errorf("record %s: %w", id, ErrClosed)
	}
	if _, ok := r.index[id]; ok {
		return false, nil
	}
	if r.max > 0 && len(r.entries) >= r.max {
		return false, fmt.Errorf("record %s: %w", id, ErrRegistryFull)
	}

	r.seq++
	r.entries = append(r.entries, Entry{
		Identity:  id,
		Seq:       r.seq,
		FirstSeen: r.now().UTC(),
	})
	r.index[id] = struct{}{}
	return true, nil
}

func (r *Registry) contains(id Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entries returns a copy of the registry in insertion order.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Drain empties and closes the registry, then calls report for every entry
// in insertion order. report runs after the lock is released. It returns the
// number of drained entries. A Record racing with Drain either lands before
// it and is reported, or fails with ErrClosed.
func (r *Registry) Drain(report func(Entry)) int {
	r.mu.Lock()
	drained := r.entries
	r.entries = nil
	r.index = make(map[Identity]struct{})
	r.closed = true
	r.mu.Unlock()

	if report != nil {
		for _, e := range drained {
			report(e)
		}
	}
	return len(drained)
}
