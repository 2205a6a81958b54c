package sfc

import "sync/atomic"

// StepState is the lifecycle of a single Step's activation flag. A Step
// has no async drain phase of its own — the owning Sequence's running flag
// already serializes shutdown — so only two real states are needed, plus
// two reserved values to keep the enum's width consistent with FastState's
// CAS discipline.
type StepState uint64

const (
	// StateInactive is the initial and post-deactivation state.
	StateInactive StepState = iota
	// StateActive means the step's actions have fired and it is waiting
	// on its outgoing transitions.
	StateActive
	_reservedStepState2
	_reservedStepState3
)

func (s StepState) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// FastState is a cache-line padded, CAS-based atomic state cell: padding
// on both sides of the atomic word keeps densely-packed instances (the
// per-step activation flags) from false-sharing cache lines under
// concurrent access from pool workers.
type FastState struct {
	_ [64]byte
	v atomic.Uint64
	_ [56]byte
}

// NewFastState returns a FastState initialized to the given value.
func NewFastState(initial StepState) *FastState {
	f := &FastState{}
	f.v.Store(uint64(initial))
	return f
}

// Load reads the current state.
func (f *FastState) Load() StepState { return StepState(f.v.Load()) }

// Store unconditionally sets the state.
func (f *FastState) Store(s StepState) { f.v.Store(uint64(s)) }

// TryTransition performs a CAS from `from` to `to`, reporting success.
func (f *FastState) TryTransition(from, to StepState) bool {
	return f.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsActive reports whether the state is currently StateActive.
func (f *FastState) IsActive() bool { return f.Load() == StateActive }
