package sfc

import "sync"

// Macro is a Step whose body is itself a small chart of inner steps. Its
// own activation flag is derived, not stored: a Macro is activated exactly
// when one or more of its inner steps is activated (OR-over-inner).
// Entering a Macro from the outside
// activates its `first` inner step; a transition attached via AddTransition
// is wired from the Macro's `last` inner step, so the outer chart only
// observes the Macro complete once its inner chart has run to its tail.
type Macro struct {
	*Step

	mu    sync.RWMutex
	steps map[StepId]*Step
	first *Step
	last  *Step
}

// NewMacro constructs an empty Macro with the given id.
func NewMacro(id StepId) *Macro {
	return &Macro{
		Step:  NewStep(id, KindMacro),
		steps: make(map[StepId]*Step),
	}
}

// AddStep adds an inner step to the macro. The first call establishes
// `first`; every call updates `last` to the most recently added step.
func (m *Macro) AddStep(s *Step) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[s.Id()] = s
	if m.first == nil {
		m.first = s
	}
	m.last = s
}

// ContainsStep reports whether id belongs to the macro's inner step set.
func (m *Macro) ContainsStep(id StepId) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.steps[id]
	return ok
}

// Steps returns a snapshot of the macro's inner steps.
func (m *Macro) Steps() []*Step {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Step, 0, len(m.steps))
	for _, s := range m.steps {
		out = append(out, s)
	}
	return out
}

// First returns the first inner step added, or nil if the macro is empty.
func (m *Macro) First() *Step {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.first
}

// Last returns the most recently added inner step, or nil if empty.
func (m *Macro) Last() *Step {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// IsActivated overrides Step.IsActivated: a Macro is activated whenever any
// of its inner steps is activated, not via its own (unused) state cell.
func (m *Macro) IsActivated() bool {
	m.mu.RLock()
	steps := make([]*Step, 0, len(m.steps))
	for _, s := range m.steps {
		steps = append(steps, s)
	}
	m.mu.RUnlock()
	for _, s := range steps {
		if s.IsActivated() {
			return true
		}
	}
	return false
}

// AddTransition overrides Step.AddTransition: an outgoing transition
// added to a Macro is attached both to the Macro's own Step (so
// the structural validator sees the Macro itself as carrying ≥1 outgoing
// transition) and to its inner `last` step (so the engine actually fires
// it only once the inner chart has reached its tail — the Macro's own
// copy is never polled at runtime, since the engine never schedules a
// Macro's own Step directly).
func (m *Macro) AddTransition(t *Transition) {
	m.Step.AddTransition(t)
	m.mu.RLock()
	last := m.last
	m.mu.RUnlock()
	if last != nil && last != m.Step {
		last.AddTransition(t)
	}
}
