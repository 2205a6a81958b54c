package sfc

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// newDiagnosticRates builds the default rate limiter guarding the engine's
// repeated-condition log lines: at most 1 line per step-id category per
// 200ms, and at most 20 per 10s, mirroring catrate's own doc example of
// layering a short burst window over a longer sustained-rate window.
func newDiagnosticRates() *diagnosticRates {
	return &diagnosticRates{
		limiter: catrate.NewLimiter(map[time.Duration]int{
			200 * time.Millisecond: 1,
			10 * time.Second:       20,
		}),
	}
}

// allow reports whether a log line for category (typically a StepId) may be
// emitted right now, consuming one slot in the sliding window if so.
func (d *diagnosticRates) allow(category any) bool {
	if d == nil || d.limiter == nil {
		return true
	}
	_, ok := d.limiter.Allow(category)
	return ok
}
