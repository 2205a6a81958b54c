package sfc

import (
	"errors"
	"fmt"
)

// InvalidArgumentError signals a malformed call: a nil step or macro, a
// duplicate step id, a Macro passed to AddStep, an unknown entry id passed
// to Start, or an invalid option value.
type InvalidArgumentError struct {
	Message string
	Cause   error
}

func (e *InvalidArgumentError) Error() string {
	if e.Message == "" {
		return "sfc: invalid argument"
	}
	return e.Message
}

// Unwrap supports errors.Is/errors.As against the wrapped cause, if any.
func (e *InvalidArgumentError) Unwrap() error { return e.Cause }

// IllegalStateError signals an operation attempted in a state that forbids
// it: mutating a running Sequence, starting an invalid chart, or starting a
// chart whose every transition is already receptive.
type IllegalStateError struct {
	Message string
	Cause   error
}

func (e *IllegalStateError) Error() string {
	if e.Message == "" {
		return "sfc: illegal state"
	}
	return e.Message
}

func (e *IllegalStateError) Unwrap() error { return e.Cause }

// AnomalyKind distinguishes the two runaway-topology detections the engine
// performs while running.
type AnomalyKind int

const (
	// AnomalyCrazyLooping is latched when a join quorum completes but the
	// worker pool has no idle capacity to run the successor.
	AnomalyCrazyLooping AnomalyKind = iota
	// AnomalyCrazyParallelism is latched when a single fork demands more
	// successors than the pool can ever run concurrently.
	AnomalyCrazyParallelism
)

// stopCode returns the StopCode the engine latches when it detects this
// anomaly kind.
func (k AnomalyKind) stopCode() StopCode {
	if k == AnomalyCrazyParallelism {
		return StopCrazyParallelism
	}
	return StopCrazyLooping
}

func (k AnomalyKind) String() string {
	switch k {
	case AnomalyCrazyLooping:
		return "crazy-looping"
	case AnomalyCrazyParallelism:
		return "crazy-parallelism"
	default:
		return "unknown"
	}
}

// AnomalyError is raised on the worker that detected a runaway topology.
// The Sequence has already latched running=false and the matching StopCode
// by the time this error surfaces; StopCode() remains queryable afterward.
type AnomalyError struct {
	Kind    AnomalyKind
	Message string
}

func (e *AnomalyError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("sfc: %s detected, sequence stopped", e.Kind)
}

// StopCode classifies why a Sequence most recently stopped running.
type StopCode int

const (
	// StopNormal is the code after a clean Stop, or before a Sequence has
	// ever run.
	StopNormal StopCode = 0
	// StopCrazyLooping mirrors AnomalyCrazyLooping.
	StopCrazyLooping StopCode = 666
	// StopCrazyParallelism mirrors AnomalyCrazyParallelism.
	StopCrazyParallelism StopCode = 667
)

func (c StopCode) String() string {
	switch c {
	case StopNormal:
		return "normal"
	case StopCrazyLooping:
		return "crazy-looping"
	case StopCrazyParallelism:
		return "crazy-parallelism"
	default:
		return "unknown"
	}
}

// WrapError wraps an error with a message, preserving it as the Unwrap
// cause for errors.Is/errors.As matching.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}

// Is* helpers for the common cases callers want to branch on.

// IsCrazyLooping reports whether err is (or wraps) an AnomalyError of kind
// AnomalyCrazyLooping.
func IsCrazyLooping(err error) bool {
	var ae *AnomalyError
	return errors.As(err, &ae) && ae.Kind == AnomalyCrazyLooping
}

// IsCrazyParallelism reports whether err is (or wraps) an AnomalyError of
// kind AnomalyCrazyParallelism.
func IsCrazyParallelism(err error) bool {
	var ae *AnomalyError
	return errors.As(err, &ae) && ae.Kind == AnomalyCrazyParallelism
}
