package sfc

import "sync/atomic"

// Receptivity is the externally-set boolean gate on a Transition. Setting
// and reading it is lock-free; the engine polls it from worker goroutines
// while the caller's own code (outside this package) flips it in response
// to whatever real-world condition the transition represents.
//
// The zero value is a valid Receptivity, initially false.
type Receptivity struct {
	state atomic.Bool
}

// NewReceptivity returns a Receptivity initialized to the given state.
func NewReceptivity(initial bool) *Receptivity {
	r := &Receptivity{}
	r.state.Store(initial)
	return r
}

// State reports the current value.
func (r *Receptivity) State() bool { return r.state.Load() }

// SetState sets the current value.
func (r *Receptivity) SetState(v bool) { r.state.Store(v) }
