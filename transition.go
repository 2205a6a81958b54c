package sfc

import (
	"sync"
	"weak"
)

// ValidationMode controls how a Transition's validation set is
// interpreted when the engine computes the join quorum for the
// transition's successors. Firing itself is always gated on Receptivity
// alone — a transition is polled only while one of its upstream steps is
// active, so the validation set's job is to say how many of those
// upstream arrivals a successor must accumulate before it is scheduled.
type ValidationMode int

const (
	// ValidationNone is the default: the quorum is the size of the
	// validation set, same as ValidationAll.
	ValidationNone ValidationMode = iota
	// ValidationAll makes the transition a join: every validation step
	// must arrive (fire this transition) before a successor runs.
	ValidationAll
	// ValidationAny makes the transition a merge: a single arrival from
	// any validation step schedules the successor.
	ValidationAny
)

// Transition connects one or more predecessor steps to one or more
// successor steps, gated by a Receptivity. Its step references are held
// weakly (weak.Pointer[Step]) since a Sequence's Step map is the sole
// owner; a Transition never keeps a Step alive on its own.
type Transition struct {
	id StepId // transitions don't strictly need an id, but one simplifies logging/debugging

	receptivity *Receptivity

	mu             sync.RWMutex
	mode           ValidationMode
	nexts          []weak.Pointer[Step]
	validations    []weak.Pointer[Step]
}

// NewTransition constructs a Transition gated by the given Receptivity. If
// r is nil, a fresh Receptivity initialized to false is used.
func NewTransition(id StepId, r *Receptivity) *Transition {
	if r == nil {
		r = NewReceptivity(false)
	}
	return &Transition{id: id, receptivity: r}
}

// Id returns the transition's identifier.
func (t *Transition) Id() StepId { return t.id }

// Receptivity returns the gating Receptivity.
func (t *Transition) Receptivity() *Receptivity { return t.receptivity }

// SetValidationMode sets how the validation set becomes the successors'
// join quorum (see requiredArrivals); it does not affect firing.
func (t *Transition) SetValidationMode(m ValidationMode) {
	t.mu.Lock()
	t.mode = m
	t.mu.Unlock()
}

// ValidationMode returns the current validation mode.
func (t *Transition) ValidationMode() ValidationMode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode
}

// AddNext appends a successor step reached when this transition fires.
func (t *Transition) AddNext(s *Step) {
	if s == nil {
		return
	}
	t.mu.Lock()
	t.nexts = append(t.nexts, weak.Make(s))
	t.mu.Unlock()
}

// AddValidation appends an upstream step counted toward the transition's
// join quorum, per ValidationMode.
func (t *Transition) AddValidation(s *Step) {
	if s == nil {
		return
	}
	t.mu.Lock()
	t.validations = append(t.validations, weak.Make(s))
	t.mu.Unlock()
}

// Nexts resolves and returns the transition's live successor steps. A weak
// reference whose Step has been collected (should not normally happen
// while the owning Sequence is alive) is silently dropped.
func (t *Transition) Nexts() []*Step {
	t.mu.RLock()
	refs := t.nexts
	t.mu.RUnlock()
	return resolveWeak(refs)
}

// Validations resolves and returns the transition's live validation steps.
func (t *Transition) Validations() []*Step {
	t.mu.RLock()
	refs := t.validations
	t.mu.RUnlock()
	return resolveWeak(refs)
}

func resolveWeak(refs []weak.Pointer[Step]) []*Step {
	out := make([]*Step, 0, len(refs))
	for _, r := range refs {
		if s := r.Value(); s != nil {
			out = append(out, s)
		}
	}
	return out
}

// isSatisfied reports whether the transition may fire right now. Only the
// Receptivity gates firing: validation steps don't hold the transition
// shut — an upstream step polls this transition only while it is itself
// active, and the join quorum (requiredArrivals) is what keeps a
// successor from running before enough branches have arrived. Gating here
// on validation-step activation would deadlock a join, since the first
// branch to fire deactivates itself before the second branch's poll.
func (t *Transition) isSatisfied() bool {
	return t.receptivity.State()
}

// requiredArrivals returns the join quorum this transition imposes on its
// successors: how many upstream firings a successor must accumulate
// before the engine schedules it. ValidationAny merges (one arrival is
// enough); the other modes join on the full validation set.
func (t *Transition) requiredArrivals() int {
	if t.ValidationMode() == ValidationAny {
		return 1
	}
	if n := len(t.Validations()); n > 0 {
		return n
	}
	return 1
}
