package sfc

import (
	"io"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// newDefaultLogger builds the zero-configuration logger used when a
// Sequence is constructed without WithLogiface: a stumpy-backed logger
// writing to io.Discard. Diagnostics exist, but cost nothing unless a
// caller opts in by passing WithLogiface with a real writer.
func newDefaultLogger() *logiface.Logger[*stumpy.Event] {
	return logiface.New[*stumpy.Event](
		stumpy.WithStumpy(
			stumpy.WithWriter(io.Discard),
		),
	)
}

// logAnomaly emits a single structured warning line describing a latched
// anomaly, naming the step that triggered detection and the current
// worker-pool occupancy.
func logAnomaly(l *logiface.Logger[*stumpy.Event], kind AnomalyKind, stepID StepId, active, poolSize int) {
	l.Warning().
		Str("anomaly", kind.String()).
		Int("step_id", int(stepID)).
		Int("active_workers", active).
		Int("pool_size", poolSize).
		Log("sequence stopped: runaway topology detected")
}

// logTransitionFired emits a debug line each time a transition's
// receptivity gate opens and it fires, rate-limited via the engine's
// catrate limiter (see ratelimit.go) so a tight poll loop over a
// frequently-refiring transition cannot flood the sink.
func logTransitionFired(l *logiface.Logger[*stumpy.Event], rates *diagnosticRates, transitionID StepId, successors int) {
	if !rates.allow(transitionID) {
		return
	}
	l.Debug().
		Int("transition_id", int(transitionID)).
		Int("successors", successors).
		Log("transition fired")
}

// logJoinStalled emits a warning the first time, per stepID within the
// rate window, that a join quorum completes but the pool has no idle
// worker — the condition on which the engine immediately latches
// AnomalyCrazyLooping. Rate-limited through the same limiter as
// logTransitionFired.
func logJoinStalled(l *logiface.Logger[*stumpy.Event], rates *diagnosticRates, stepID StepId, active, poolSize int) {
	if !rates.allow(stepID) {
		return
	}
	l.Warning().
		Int("step_id", int(stepID)).
		Int("active_workers", active).
		Int("pool_size", poolSize).
		Log("join quorum reached, no idle worker")
}
