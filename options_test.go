package sfc

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOptions_Defaults(t *testing.T) {
	o, err := resolveOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultPollingDelay, o.pollingDelay)
	assert.Equal(t, runtime.NumCPU(), o.poolSize)
	require.NotNil(t, o.logger)
	require.NotNil(t, o.metrics)
	require.NotNil(t, o.rates)
}

func TestResolveOptions_SkipsNil(t *testing.T) {
	o, err := resolveOptions([]Option{nil, WithPoolSize(3)})
	require.NoError(t, err)
	assert.Equal(t, 3, o.poolSize)
}

func TestWithPollingDelay_Invalid(t *testing.T) {
	_, err := NewSequence(WithPollingDelay(0))
	require.Error(t, err)
	var iae *InvalidArgumentError
	require.ErrorAs(t, err, &iae)

	_, err = NewSequence(WithPollingDelay(-time.Second))
	require.Error(t, err)
}

func TestWithPoolSize_Invalid(t *testing.T) {
	_, err := NewSequence(WithPoolSize(0))
	require.Error(t, err)
	_, err = NewSequence(WithPoolSize(-1))
	require.Error(t, err)
}

func TestWithMetrics_NilRejected(t *testing.T) {
	_, err := NewSequence(WithMetrics(nil))
	require.Error(t, err)
}

func TestWithLogiface_NilRejected(t *testing.T) {
	_, err := NewSequence(WithLogiface(nil))
	require.Error(t, err)
}

func TestSequence_SetPollingDelay(t *testing.T) {
	seq := newTestSequence(t)
	assert.Equal(t, time.Microsecond, seq.PollingDelay())

	require.NoError(t, seq.SetPollingDelay(5*time.Millisecond))
	assert.Equal(t, 5*time.Millisecond, seq.PollingDelay())

	require.Error(t, seq.SetPollingDelay(0))
	assert.Equal(t, 5*time.Millisecond, seq.PollingDelay())
}

func TestDiagnosticRates_BurstWindow(t *testing.T) {
	rates := newDiagnosticRates()
	assert.True(t, rates.allow(StepId(1)), "first line in the window passes")
	assert.False(t, rates.allow(StepId(1)), "immediate repeat is suppressed")
	assert.True(t, rates.allow(StepId(2)), "separate category has its own window")

	var nilRates *diagnosticRates
	assert.True(t, nilRates.allow(StepId(1)), "nil limiter never suppresses")
}

type recordingMetrics struct {
	fired     []StepId
	joins     []StepId
	anomalies []AnomalyKind
}

func (m *recordingMetrics) TransitionFired(id StepId, _ int) { m.fired = append(m.fired, id) }
func (m *recordingMetrics) JoinReached(id StepId, _ int)     { m.joins = append(m.joins, id) }
func (m *recordingMetrics) Anomaly(k AnomalyKind, _ StepId)  { m.anomalies = append(m.anomalies, k) }

func TestWithMetrics_AnomalyReported(t *testing.T) {
	sink := &recordingMetrics{}
	seq := newTestSequence(t, WithPoolSize(2), WithMetrics(sink))

	s0 := NewStep(0, KindInitial)
	fork := NewTransition(1, NewReceptivity(true))
	fork.AddValidation(s0)
	for i := 1; i <= 3; i++ {
		s := NewStep(StepId(i), KindDefault)
		fork.AddNext(s)
		back := NewTransition(StepId(100+i), NewReceptivity(false))
		back.AddNext(s0)
		back.AddValidation(s)
		s.AddTransition(back)
		mustAddStep(t, seq, s)
	}
	s0.AddTransition(fork)
	mustAddStep(t, seq, s0)

	err := seq.Start(t.Context(), 0)
	require.Error(t, err)
	require.Len(t, sink.anomalies, 1)
	assert.Equal(t, AnomalyCrazyParallelism, sink.anomalies[0])
	assert.Contains(t, sink.fired, StepId(1))
}
