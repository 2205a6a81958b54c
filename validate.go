package sfc

// IsValid reports whether the chart registered so far is structurally
// runnable, checking in order:
//
//  1. At least one initial step and at least one other step exist.
//  2. Every step (initial, default/end, and every Macro's own entry) has
//     at least one outgoing transition.
//  3. Every transition has at least one successor and at least one
//     validation step.
//  4. Every Macro has at least two inner steps, a defined First, and
//     every inner step has at least one outgoing transition.
//  5. Each initial step's forward reachability closes — see reachable.
func (seq *Sequence) IsValid() bool {
	seq.stepsMu.RLock()
	defer seq.stepsMu.RUnlock()

	if len(seq.initialSteps) == 0 || len(seq.allSteps) == 0 {
		return false
	}

	for _, s := range seq.initialSteps {
		if len(s.OutTransitions()) == 0 {
			return false
		}
	}
	for _, s := range seq.allSteps {
		if len(s.OutTransitions()) == 0 {
			return false
		}
	}

	for _, t := range seq.collectTransitionsLocked() {
		if len(t.Nexts()) == 0 || len(t.Validations()) == 0 {
			return false
		}
	}

	for _, m := range seq.macros {
		steps := m.Steps()
		if len(steps) < 2 || m.First() == nil {
			return false
		}
		for _, inner := range steps {
			if len(inner.OutTransitions()) == 0 {
				return false
			}
		}
	}

	return seq.reachableLocked()
}

// collectTransitionsLocked returns every distinct Transition reachable
// from any tracked node's outgoing list. Callers must hold stepsMu.
func (seq *Sequence) collectTransitionsLocked() []*Transition {
	seen := make(map[*Transition]bool)
	var out []*Transition
	add := func(s StepNode) {
		for _, t := range s.OutTransitions() {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	for _, s := range seq.initialSteps {
		add(s)
	}
	for _, s := range seq.allSteps {
		add(s)
	}
	return out
}

func (seq *Sequence) resolveNodeLocked(id StepId) StepNode {
	if s, ok := seq.initialSteps[id]; ok {
		return s
	}
	if s, ok := seq.allSteps[id]; ok {
		return s
	}
	return nil
}

// reachableLocked checks that each initial step's forward reachability
// closes: a depth-first traversal, following every transition's Nexts,
// must either reach a *different* initial step (treated as a successful
// leaf — traversal stops there) or cycle back to a step already visited
// within the *same* traversal. Deliberately loose: for the second and
// subsequent initial steps, revisiting any step already seen by an
// earlier traversal also counts as success, so later traversals may
// piggyback on earlier ones rather than re-proving reachability from
// scratch. A dead end (a node with no outgoing transitions reached mid
// traversal) fails the whole check — rule 2 in IsValid already requires
// every node to have ≥1 outgoing transition, so this only bites when that
// rule already failed, kept here as a terminal case.
func (seq *Sequence) reachableLocked() bool {
	globalSeen := make(map[StepId]bool)
	first := true
	for id := range seq.initialSteps {
		if !seq.reachFromLocked(id, globalSeen, first) {
			return false
		}
		first = false
	}
	return true
}

func (seq *Sequence) reachFromLocked(startID StepId, globalSeen map[StepId]bool, isFirstTraversal bool) bool {
	visiting := make(map[StepId]bool)
	var dfs func(id StepId) bool
	dfs = func(id StepId) bool {
		if _, isInitial := seq.initialSteps[id]; isInitial && id != startID {
			return true
		}
		if visiting[id] {
			return true
		}
		if !isFirstTraversal && globalSeen[id] {
			return true
		}
		visiting[id] = true
		globalSeen[id] = true

		nd := seq.resolveNodeLocked(id)
		if nd == nil {
			return false
		}
		outs := nd.OutTransitions()
		if len(outs) == 0 {
			return false
		}
		for _, t := range outs {
			for _, nx := range t.Nexts() {
				if !dfs(nx.Id()) {
					return false
				}
			}
		}
		return true
	}
	return dfs(startID)
}

// allReceptivitiesTrueLocked reports whether every transition in the
// graph is already receptive — the condition Start refuses, since such a
// chart would fire everything the instant it ran. An empty graph has no
// transitions to check; treated as false here (not "vacuously all true")
// so Start on an empty, already-invalid Sequence fails with the
// IllegalStateError from the IsValid check that follows, rather than a
// misleading all-receptivities complaint.
func (seq *Sequence) allReceptivitiesTrueLocked() bool {
	transitions := seq.collectTransitionsLocked()
	if len(transitions) == 0 {
		return false
	}
	for _, t := range transitions {
		if !t.Receptivity().State() {
			return false
		}
	}
	return true
}
