// Package clock provides an atomic monotonic counter, adapted from the
// teacher's pkg/clock, used wherever the Forest needs a process-local
// sequence source: write sequence numbers for WAL entries and table
// sequence numbers for generated SSTable paths (SPEC_FULL.md §2).
package clock

import "sync/atomic"

// Sequence is an atomic uint64 counter safe for concurrent use.
type Sequence struct {
	v atomic.Uint64
}

// NewSequence returns a Sequence initialized to init.
func NewSequence(init uint64) *Sequence {
	s := &Sequence{}
	s.Set(init)
	return s
}

// Val returns the current value without advancing it.
func (s *Sequence) Val() uint64 { return s.v.Load() }

// Next atomically increments the sequence and returns the new value.
func (s *Sequence) Next() uint64 { return s.v.Add(1) }

// Set overwrites the current value.
func (s *Sequence) Set(t uint64) { s.v.Store(t) }
