package sfc

import "time"

// MetricsSink receives counters for the engine's internal events: a
// transition firing, a join quorum completing, and a latched anomaly. A
// Sequence with no WithMetrics option installed uses noopMetrics.
type MetricsSink interface {
	// TransitionFired is called once per transition that crosses, naming
	// the transition and the number of successors it lists (whether or not
	// each one's join quorum is reached by this firing).
	TransitionFired(transitionID StepId, successors int)
	// JoinReached is called when a transition's validation quorum
	// completes for a given successor step.
	JoinReached(stepID StepId, required int)
	// Anomaly is called once, immediately before the engine raises the
	// corresponding AnomalyError and stops.
	Anomaly(kind AnomalyKind, stepID StepId)
}

type noopMetrics struct{}

func (noopMetrics) TransitionFired(StepId, int) {}
func (noopMetrics) JoinReached(StepId, int)     {}
func (noopMetrics) Anomaly(AnomalyKind, StepId) {}

// diagnosticRates rate-limits the engine's repeated log lines (a
// transition firing, a join quorum reached with no idle worker) using
// catrate's sliding-window limiter, categorized per id, so a
// frequently-refiring transition cannot flood the logger. This governs log
// volume only; it never gates control flow or MetricsSink delivery.
type diagnosticRates struct {
	limiter catrateLimiter
}

// catrateLimiter is the subset of *catrate.Limiter this package depends on,
// kept as an interface so tests can substitute a deterministic fake without
// importing the real sliding-window implementation.
type catrateLimiter interface {
	Allow(category any) (time.Time, bool)
}
