package sfc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestSequence applies a fast poll and a fixed pool of 4 (hardware
// concurrency on a small CI machine can be too low for a handoff chain);
// explicit opts are applied after and override both.
func newTestSequence(t *testing.T, opts ...Option) *Sequence {
	t.Helper()
	all := append([]Option{WithPollingDelay(time.Microsecond), WithPoolSize(4)}, opts...)
	seq, err := NewSequence(all...)
	require.NoError(t, err)
	return seq
}

func mustAddStep(t *testing.T, seq *Sequence, s *Step) {
	t.Helper()
	require.NoError(t, seq.AddStep(s))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition not satisfied before deadline")
}

// Three-step loop: steps 0/Initial,1,2; transitions 0->1, 1->2, 2->0;
// one action on step 0. Toggling each transition's receptivity in turn
// should walk activation once around the loop and back to step 0, firing
// step 0's action at least twice, and Stop should leave the stop code at
// StopNormal.
func TestSequence_ThreeStepLoop(t *testing.T) {
	seq := newTestSequence(t)

	var actionCalls atomic.Int64
	s0 := NewStep(0, KindInitial)
	s0.AddAction(func(*Step) { actionCalls.Add(1) })
	s1 := NewStep(1, KindDefault)
	s2 := NewStep(2, KindDefault)

	t01 := NewTransition(1, NewReceptivity(false))
	t01.AddNext(s1)
	t01.AddValidation(s0)
	s0.AddTransition(t01)

	t12 := NewTransition(2, NewReceptivity(false))
	t12.AddNext(s2)
	t12.AddValidation(s1)
	s1.AddTransition(t12)

	t20 := NewTransition(3, NewReceptivity(false))
	t20.AddNext(s0)
	t20.AddValidation(s2)
	s2.AddTransition(t20)

	mustAddStep(t, seq, s0)
	mustAddStep(t, seq, s1)
	mustAddStep(t, seq, s2)

	require.True(t, seq.IsValid())

	done := make(chan error, 1)
	go func() { done <- seq.Start(context.Background(), 0) }()
	waitFor(t, time.Second, seq.IsRunning)

	waitFor(t, time.Second, s0.IsActivated)
	t01.Receptivity().SetState(true)
	waitFor(t, time.Second, s1.IsActivated)
	t01.Receptivity().SetState(false)

	t12.Receptivity().SetState(true)
	waitFor(t, time.Second, s2.IsActivated)
	t12.Receptivity().SetState(false)

	t20.Receptivity().SetState(true)
	waitFor(t, time.Second, func() bool { return actionCalls.Load() >= 2 })
	t20.Receptivity().SetState(false)

	require.NoError(t, seq.Stop())
	require.NoError(t, <-done)
	require.Equal(t, StopNormal, seq.StopCode())
	require.GreaterOrEqual(t, actionCalls.Load(), int64(2))
}

// Two-branch parallel fan-out: a fork 0->{1,2} and a join {1,2}->0 must
// co-activate both branches before the join fires; after two full rounds
// step 0 has activated three times and each branch twice.
func TestSequence_TwoBranchParallelFanOut(t *testing.T) {
	seq := newTestSequence(t, WithPoolSize(4))

	s0 := NewStep(0, KindInitial)
	s1 := NewStep(1, KindDefault)
	s2 := NewStep(2, KindDefault)

	fork := NewTransition(1, NewReceptivity(false))
	fork.AddNext(s1)
	fork.AddNext(s2)
	fork.AddValidation(s0)
	s0.AddTransition(fork)

	join := NewTransition(2, NewReceptivity(false))
	join.SetValidationMode(ValidationAll)
	join.AddNext(s0)
	join.AddValidation(s1)
	join.AddValidation(s2)
	s1.AddTransition(join)
	s2.AddTransition(join)

	mustAddStep(t, seq, s0)
	mustAddStep(t, seq, s1)
	mustAddStep(t, seq, s2)

	// count activations only; deactivation events are ignored.
	var mu sync.Mutex
	counts := map[StepId]int{}
	seq.AddStepChangedCallback(func(id StepId, active bool) {
		if !active {
			return
		}
		mu.Lock()
		counts[id]++
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() { done <- seq.Start(context.Background(), 0) }()
	waitFor(t, time.Second, seq.IsRunning)
	waitFor(t, time.Second, s0.IsActivated)

	for round := 0; round < 2; round++ {
		fork.Receptivity().SetState(true)
		waitFor(t, time.Second, func() bool { return s1.IsActivated() && s2.IsActivated() })
		fork.Receptivity().SetState(false)

		join.Receptivity().SetState(true)
		waitFor(t, time.Second, s0.IsActivated)
		join.Receptivity().SetState(false)
	}

	require.NoError(t, seq.Stop())
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, counts[0])
	require.Equal(t, 2, counts[1])
	require.Equal(t, 2, counts[2])
}

// Three-branch exclusive: only the transition whose receptivity is set
// should fire, and only its target should activate.
func TestSequence_ThreeBranchExclusive(t *testing.T) {
	seq := newTestSequence(t)

	s0 := NewStep(0, KindInitial)
	s1 := NewStep(1, KindDefault)
	s2 := NewStep(2, KindDefault)
	s3 := NewStep(3, KindDefault)

	t01 := NewTransition(1, NewReceptivity(false))
	t01.AddNext(s1)
	t01.AddValidation(s0)
	t02 := NewTransition(2, NewReceptivity(false))
	t02.AddNext(s2)
	t02.AddValidation(s0)
	t03 := NewTransition(3, NewReceptivity(false))
	t03.AddNext(s3)
	t03.AddValidation(s0)
	s0.AddTransition(t01)
	s0.AddTransition(t02)
	s0.AddTransition(t03)

	// return transitions stay false so step 2, once chosen, remains
	// observably activated rather than bouncing straight back to step 0.
	back1 := NewTransition(4, NewReceptivity(false))
	back1.AddNext(s0)
	back1.AddValidation(s1)
	s1.AddTransition(back1)
	back2 := NewTransition(5, NewReceptivity(false))
	back2.AddNext(s0)
	back2.AddValidation(s2)
	s2.AddTransition(back2)
	back3 := NewTransition(6, NewReceptivity(false))
	back3.AddNext(s0)
	back3.AddValidation(s3)
	s3.AddTransition(back3)

	mustAddStep(t, seq, s0)
	mustAddStep(t, seq, s1)
	mustAddStep(t, seq, s2)
	mustAddStep(t, seq, s3)

	done := make(chan error, 1)
	go func() { done <- seq.Start(context.Background(), 0) }()
	waitFor(t, time.Second, seq.IsRunning)
	waitFor(t, time.Second, s0.IsActivated)

	t02.Receptivity().SetState(true)
	waitFor(t, time.Second, s2.IsActivated)
	time.Sleep(20 * time.Millisecond)
	require.False(t, s1.IsActivated())
	require.False(t, s3.IsActivated())

	require.NoError(t, seq.Stop())
	require.NoError(t, <-done)
	require.Equal(t, StopNormal, seq.StopCode())
}

// A fork wider than the pool must latch StopCrazyParallelism and surface
// an AnomalyError on the worker that fired it.
func TestSequence_CrazyParallelism(t *testing.T) {
	seq := newTestSequence(t, WithPoolSize(2))

	s0 := NewStep(0, KindInitial)
	// fork is the only always-true transition: every back-transition stays
	// permanently false so the graph never trips the "every transition
	// already receptive" startup precondition, while fork itself fires the
	// instant the entry step polls it.
	fork := NewTransition(1, NewReceptivity(true))
	fork.AddValidation(s0)
	successors := make([]*Step, 34)
	for i := range successors {
		successors[i] = NewStep(StepId(i+1), KindDefault)
		fork.AddNext(successors[i])
		back := NewTransition(StepId(100+i), NewReceptivity(false))
		back.AddValidation(successors[i])
		back.AddNext(s0)
		successors[i].AddTransition(back)
	}
	s0.AddTransition(fork)
	mustAddStep(t, seq, s0)
	for _, s := range successors {
		mustAddStep(t, seq, s)
	}

	err := seq.Start(context.Background(), 0)
	require.Error(t, err)
	require.True(t, IsCrazyParallelism(err))
	require.Equal(t, StopCrazyParallelism, seq.StopCode())
}

// A trivial three-step loop with every receptivity permanently true must
// saturate a two-slot pool and latch StopCrazyLooping. The transitions
// start false (so the "every transition already receptive" startup
// precondition never trips) and are flipped true once the sequence is
// confirmed running.
func TestSequence_CrazyLooping(t *testing.T) {
	seq := newTestSequence(t, WithPoolSize(2))

	s0 := NewStep(0, KindInitial)
	s1 := NewStep(1, KindDefault)
	s2 := NewStep(2, KindDefault)

	t01 := NewTransition(1, NewReceptivity(false))
	t01.AddNext(s1)
	t01.AddValidation(s0)
	s0.AddTransition(t01)

	t12 := NewTransition(2, NewReceptivity(false))
	t12.AddNext(s2)
	t12.AddValidation(s1)
	s1.AddTransition(t12)

	t20 := NewTransition(3, NewReceptivity(false))
	t20.AddNext(s0)
	t20.AddValidation(s2)
	s2.AddTransition(t20)

	mustAddStep(t, seq, s0)
	mustAddStep(t, seq, s1)
	mustAddStep(t, seq, s2)

	done := make(chan error, 1)
	go func() { done <- seq.Start(context.Background(), 0) }()
	waitFor(t, time.Second, seq.IsRunning)

	t01.Receptivity().SetState(true)
	t12.Receptivity().SetState(true)
	t20.Receptivity().SetState(true)

	waitFor(t, 2*time.Second, func() bool { return !seq.IsRunning() })
	err := <-done
	require.Error(t, err)
	require.True(t, IsCrazyLooping(err))
	require.Equal(t, StopCrazyLooping, seq.StopCode())
}

// Entering a macro activates it (OR-over-inner) and its first inner
// step; the macro deactivates once its exit transition fires.
func TestSequence_Macro(t *testing.T) {
	seq := newTestSequence(t)

	s0 := NewStep(0, KindInitial)
	m := NewMacro(10)
	mi1 := NewStep(11, KindDefault)
	mi2 := NewStep(12, KindDefault)
	m.AddStep(mi1)
	m.AddStep(mi2)

	// the entry transition targets the macro itself; the engine redirects
	// to its first inner step and records the exit bookkeeping.
	entry := NewTransition(1, NewReceptivity(false))
	entry.AddNext(m.Step)
	entry.AddValidation(s0)
	s0.AddTransition(entry)

	inner := NewTransition(2, NewReceptivity(false))
	inner.AddNext(mi2)
	inner.AddValidation(mi1)
	mi1.AddTransition(inner)

	exit := NewTransition(3, NewReceptivity(false))
	exit.AddNext(s0)
	exit.AddValidation(mi2)
	m.AddTransition(exit)

	mustAddStep(t, seq, s0)
	require.NoError(t, seq.AddMacro(m))

	require.True(t, seq.IsValid())

	var macroDeactivated atomic.Bool
	seq.AddStepChangedCallback(func(id StepId, active bool) {
		if id == m.Id() && !active {
			macroDeactivated.Store(true)
		}
	})

	done := make(chan error, 1)
	go func() { done <- seq.Start(context.Background(), 0) }()
	waitFor(t, time.Second, seq.IsRunning)
	waitFor(t, time.Second, s0.IsActivated)

	entry.Receptivity().SetState(true)
	waitFor(t, time.Second, func() bool { return m.IsActivated() && mi1.IsActivated() })
	entry.Receptivity().SetState(false)

	inner.Receptivity().SetState(true)
	waitFor(t, time.Second, mi2.IsActivated)
	inner.Receptivity().SetState(false)

	exit.Receptivity().SetState(true)
	waitFor(t, time.Second, func() bool { return !m.IsActivated() })
	waitFor(t, time.Second, macroDeactivated.Load)
	exit.Receptivity().SetState(false)

	require.NoError(t, seq.Stop())
	require.NoError(t, <-done)
}

// twoStepGraph registers a minimal valid chart on seq: initial step 0 and
// default step 1 in a loop, both transitions initially false.
func twoStepGraph(t *testing.T, seq *Sequence) (s0, s1 *Step, t01, t10 *Transition) {
	t.Helper()
	s0 = NewStep(0, KindInitial)
	s1 = NewStep(1, KindDefault)
	t01 = NewTransition(1, NewReceptivity(false))
	t01.AddNext(s1)
	t01.AddValidation(s0)
	s0.AddTransition(t01)
	t10 = NewTransition(2, NewReceptivity(false))
	t10.AddNext(s0)
	t10.AddValidation(s1)
	s1.AddTransition(t10)
	mustAddStep(t, seq, s0)
	mustAddStep(t, seq, s1)
	return s0, s1, t01, t10
}

func TestSequence_AddStepWhileRunning(t *testing.T) {
	seq := newTestSequence(t)
	twoStepGraph(t, seq)

	done := make(chan error, 1)
	go func() { done <- seq.Start(context.Background(), 0) }()
	waitFor(t, time.Second, seq.IsRunning)

	err := seq.AddStep(NewStep(2, KindDefault))
	require.Error(t, err)
	var ise *IllegalStateError
	require.ErrorAs(t, err, &ise)

	require.NoError(t, seq.Stop())
	<-done
}

func TestSequence_StopIdempotentPreservesAnomalyCode(t *testing.T) {
	seq := newTestSequence(t, WithPoolSize(1))
	s0 := NewStep(0, KindInitial)
	fork := NewTransition(1, NewReceptivity(true))
	fork.AddValidation(s0)
	for i := 1; i <= 5; i++ {
		s := NewStep(StepId(i), KindDefault)
		fork.AddNext(s)
		// every successor needs an outgoing transition of its own to
		// satisfy IsValid; kept permanently false so it never actually
		// fires and never trips the "already receptive" precondition
		// (fork, the only permanently-true transition, still does).
		back := NewTransition(StepId(200+i), NewReceptivity(false))
		back.AddNext(s0)
		back.AddValidation(s)
		s.AddTransition(back)
		mustAddStep(t, seq, s)
	}
	s0.AddTransition(fork)
	mustAddStep(t, seq, s0)

	err := seq.Start(context.Background(), 0)
	require.Error(t, err)
	require.Equal(t, StopCrazyParallelism, seq.StopCode())

	require.NoError(t, seq.Stop())
	require.Equal(t, StopCrazyParallelism, seq.StopCode())
}

func TestSequence_DuplicateStepIdRejected(t *testing.T) {
	seq := newTestSequence(t)
	s0 := NewStep(0, KindDefault)
	s0.AddTransition(NewTransition(1, NewReceptivity(true)))
	mustAddStep(t, seq, s0)

	err := seq.AddStep(NewStep(0, KindDefault))
	require.Error(t, err)
	var iae *InvalidArgumentError
	require.ErrorAs(t, err, &iae)
}

func TestSequence_ActiveSteps(t *testing.T) {
	seq := newTestSequence(t)
	s0, _, _, _ := twoStepGraph(t, seq)

	require.Empty(t, seq.ActiveSteps())

	done := make(chan error, 1)
	go func() { done <- seq.Start(context.Background(), 0) }()
	waitFor(t, time.Second, seq.IsRunning)
	waitFor(t, time.Second, func() bool { return len(seq.ActiveSteps()) > 0 })
	require.Contains(t, seq.ActiveSteps(), s0.Id())

	require.NoError(t, seq.Stop())
	<-done
}

func TestSequence_CloneGraphInto(t *testing.T) {
	src := newTestSequence(t)
	s0, s1, t01, _ := twoStepGraph(t, src)

	dst := newTestSequence(t)
	require.NoError(t, src.CloneGraphInto(dst))
	require.True(t, dst.IsValid())
	require.True(t, dst.ContainsStep(s0.Id()))
	require.True(t, dst.ContainsStep(s1.Id()))
	require.True(t, dst.ContainsTransition(t01))

	// a populated destination is refused
	err := src.CloneGraphInto(dst)
	require.Error(t, err)
	var iae *InvalidArgumentError
	require.ErrorAs(t, err, &iae)

	// self-clone is refused
	require.Error(t, src.CloneGraphInto(src))

	// a running source is refused
	done := make(chan error, 1)
	go func() { done <- src.Start(context.Background(), 0) }()
	waitFor(t, time.Second, src.IsRunning)
	err = src.CloneGraphInto(newTestSequence(t))
	require.Error(t, err)
	var ise *IllegalStateError
	require.ErrorAs(t, err, &ise)
	require.NoError(t, src.Stop())
	<-done
}

func TestSequence_StartUnknownEntry(t *testing.T) {
	seq := newTestSequence(t)
	twoStepGraph(t, seq)

	err := seq.Start(context.Background(), 99)
	require.Error(t, err)
	var iae *InvalidArgumentError
	require.ErrorAs(t, err, &iae)
}
