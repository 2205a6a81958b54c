package sfc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Sequence is the aggregate root of one chart: it owns every Step and
// Macro registered to it, validates the graph's structure, and — once
// Start is called — drives a fixed-size worker pool that activates steps,
// fires transitions, and enforces the fork/join and runaway-topology
// rules.
//
// A Sequence must not be copied after use; construct one with NewSequence.
type Sequence struct {
	opts *options

	stepsMu      sync.RWMutex
	initialSteps map[StepId]StepNode
	allSteps     map[StepId]StepNode
	macros       map[StepId]*Macro

	countsMu      sync.Mutex
	requiredCalls map[StepId]int
	currentCalls  map[StepId]int
	macroExits    map[StepId]StepId // exit-step-id -> enclosing macro id

	pollingDelay atomic.Int64 // time.Duration, nanoseconds
	running      atomic.Bool
	stopCode     atomic.Int64

	runMu  sync.Mutex // serializes Start calls against each other; Stop does not take it
	stopCh chan struct{}

	poolMu   sync.Mutex
	pool     *workerPool
	draining *drainState

	seqObservers  sequenceObservers
	stepObservers stepObservers
	events        *eventPipeline
}

// NewSequence constructs an empty Sequence, configured by opts.
func NewSequence(opts ...Option) (*Sequence, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	seq := &Sequence{
		opts:          o,
		initialSteps:  make(map[StepId]StepNode),
		allSteps:      make(map[StepId]StepNode),
		macros:        make(map[StepId]*Macro),
		requiredCalls: make(map[StepId]int),
		currentCalls:  make(map[StepId]int),
		macroExits:    make(map[StepId]StepId),
		events:        newEventPipeline(),
	}
	seq.pollingDelay.Store(int64(o.pollingDelay))
	return seq, nil
}

// PollingDelay returns how often a running step's poll loop re-checks its
// outgoing transitions' receptivities.
func (seq *Sequence) PollingDelay() time.Duration {
	return time.Duration(seq.pollingDelay.Load())
}

// SetPollingDelay overrides the poll interval; must be positive. Safe to
// call while running — it takes effect on the next poll iteration of
// every active step.
func (seq *Sequence) SetPollingDelay(d time.Duration) error {
	if d <= 0 {
		return &InvalidArgumentError{Message: fmt.Sprintf("sfc: polling delay must be positive, got %s", d)}
	}
	seq.pollingDelay.Store(int64(d))
	return nil
}

// isRunning is the unexported fast-path read used throughout the engine.
func (seq *Sequence) isRunning() bool { return seq.running.Load() }

// IsRunning reports whether the Sequence is currently executing.
func (seq *Sequence) IsRunning() bool { return seq.isRunning() }

// StopCode reports the code latched by the most recent stop: StopNormal
// unless a runaway-topology anomaly latched a different one. Preserved
// across a subsequent no-op Stop() call.
func (seq *Sequence) StopCode() StopCode { return StopCode(seq.stopCode.Load()) }

// AddSequenceChangedCallback registers fn to be invoked (in registration
// order, after the handler list is snapshotted — see events.go) every time
// the Sequence starts or stops.
func (seq *Sequence) AddSequenceChangedCallback(fn SequenceChangedFunc) { seq.seqObservers.add(fn) }

// ClearSequenceChangedCallbacks removes every registered
// SequenceChangedFunc.
func (seq *Sequence) ClearSequenceChangedCallbacks() { seq.seqObservers.clear() }

// AddStepChangedCallback registers fn to be invoked every time any Step's
// activation flag flips, and when a Macro is exited. Entering a Macro emits
// no event for the Macro itself; its first inner step emits its own.
func (seq *Sequence) AddStepChangedCallback(fn StepChangedFunc) { seq.stepObservers.add(fn) }

// ClearStepChangedCallbacks removes every registered StepChangedFunc.
func (seq *Sequence) ClearStepChangedCallbacks() { seq.stepObservers.clear() }

// StepEvents returns the channel of batched step-activation events; see
// events.go's eventPipeline and DrainStepEvents. The channel is closed
// when the Sequence first drains after stopping; a restarted Sequence
// delivers events to callbacks only.
func (seq *Sequence) StepEvents() <-chan []StepEvent { return seq.events.channel() }

// AddStep registers a non-Macro Step. Fails with InvalidArgumentError if
// step is nil or its id is already registered, or IllegalStateError if the
// Sequence is running.
func (seq *Sequence) AddStep(step *Step) error {
	if step == nil {
		return &InvalidArgumentError{Message: "sfc: nil step"}
	}
	if step.Kind() == KindMacro {
		return &InvalidArgumentError{Message: "sfc: use AddMacro to register a Macro step"}
	}
	return seq.register(step.Id(), step.Kind(), step, nil)
}

// AddMacro registers a Macro and every one of its inner steps in one
// call. Macro is a distinct wrapping type rather than a StepKind tag on
// Step, so registration is split between AddStep and AddMacro.
func (seq *Sequence) AddMacro(m *Macro) error {
	if m == nil {
		return &InvalidArgumentError{Message: "sfc: nil macro"}
	}
	return seq.register(m.Id(), KindMacro, m, m)
}

func (seq *Sequence) register(id StepId, kind StepKind, node StepNode, macro *Macro) error {
	if seq.isRunning() {
		return &IllegalStateError{Message: "sfc: cannot add a step while the sequence is running"}
	}

	seq.stepsMu.Lock()
	defer seq.stepsMu.Unlock()

	candidates := []StepId{id}
	if macro != nil {
		for _, inner := range macro.Steps() {
			candidates = append(candidates, inner.Id())
		}
	}
	for _, cid := range candidates {
		if _, exists := seq.initialSteps[cid]; exists {
			return &InvalidArgumentError{Message: fmt.Sprintf("sfc: duplicate step id %d", cid)}
		}
		if _, exists := seq.allSteps[cid]; exists {
			return &InvalidArgumentError{Message: fmt.Sprintf("sfc: duplicate step id %d", cid)}
		}
	}

	switch kind {
	case KindInitial:
		seq.initialSteps[id] = node
	case KindMacro:
		seq.allSteps[id] = node
		seq.macros[id] = macro
		for _, inner := range macro.Steps() {
			seq.allSteps[inner.Id()] = inner
		}
	default:
		seq.allSteps[id] = node
	}
	return nil
}

// ContainsStep reports whether id is registered, as an initial step, a
// default/end step, a Macro, or one of a Macro's inner steps.
func (seq *Sequence) ContainsStep(id StepId) bool {
	seq.stepsMu.RLock()
	defer seq.stepsMu.RUnlock()
	if _, ok := seq.initialSteps[id]; ok {
		return true
	}
	_, ok := seq.allSteps[id]
	return ok
}

// GetStep returns the registered node for id, if any.
func (seq *Sequence) GetStep(id StepId) (StepNode, bool) {
	seq.stepsMu.RLock()
	defer seq.stepsMu.RUnlock()
	if s, ok := seq.initialSteps[id]; ok {
		return s, true
	}
	s, ok := seq.allSteps[id]
	return s, ok
}

// ContainsTransition reports whether t appears in some registered node's
// outgoing list.
func (seq *Sequence) ContainsTransition(t *Transition) bool {
	if t == nil {
		return false
	}
	seq.stepsMu.RLock()
	defer seq.stepsMu.RUnlock()
	for _, tr := range seq.collectTransitionsLocked() {
		if tr == t {
			return true
		}
	}
	return false
}

// ActiveSteps returns a snapshot of every currently-activated StepId,
// Macros included.
func (seq *Sequence) ActiveSteps() []StepId {
	seq.stepsMu.RLock()
	defer seq.stepsMu.RUnlock()
	var out []StepId
	for id, s := range seq.initialSteps {
		if s.IsActivated() {
			out = append(out, id)
		}
	}
	for id, s := range seq.allSteps {
		if s.IsActivated() {
			out = append(out, id)
		}
	}
	return out
}

// CloneGraphInto copies this Sequence's graph — its step, macro, and
// transition wiring — into dst, which must be empty. The clone is of the
// graph only: callbacks, join counters, and the worker pool are not
// carried over, and the two Sequences share the underlying Step objects.
// Fails if either Sequence is running or dst already has steps.
func (seq *Sequence) CloneGraphInto(dst *Sequence) error {
	if dst == nil || dst == seq {
		return &InvalidArgumentError{Message: "sfc: clone destination must be a distinct, non-nil sequence"}
	}
	if seq.isRunning() || dst.isRunning() {
		return &IllegalStateError{Message: "sfc: cannot clone a graph while either sequence is running"}
	}

	dst.stepsMu.Lock()
	defer dst.stepsMu.Unlock()
	if len(dst.initialSteps) != 0 || len(dst.allSteps) != 0 {
		return &InvalidArgumentError{Message: "sfc: clone destination is not empty"}
	}

	seq.stepsMu.RLock()
	defer seq.stepsMu.RUnlock()
	for id, s := range seq.initialSteps {
		dst.initialSteps[id] = s
	}
	for id, s := range seq.allSteps {
		dst.allSteps[id] = s
	}
	for id, m := range seq.macros {
		dst.macros[id] = m
	}
	return nil
}

// macroFor reports the Macro fronted by s, if s is the Step embedded in a
// registered Macro.
func (seq *Sequence) macroFor(s *Step) *Macro {
	if s == nil {
		return nil
	}
	seq.stepsMu.RLock()
	defer seq.stepsMu.RUnlock()
	return seq.macros[s.Id()]
}

// Start begins executing the chart from entryID, which must name a
// registered initial step. It blocks until the Sequence stops — by an
// explicit Stop call, ctx cancellation, or a latched anomaly. Typical
// callers run Start on its own goroutine.
func (seq *Sequence) Start(ctx context.Context, entryID StepId) error {
	if ctx == nil {
		ctx = context.Background()
	}

	seq.runMu.Lock()
	defer seq.runMu.Unlock()

	seq.stepsMu.RLock()
	allTrue := seq.allReceptivitiesTrueLocked()
	entry, entryOK := seq.initialSteps[entryID]
	seq.stepsMu.RUnlock()

	if allTrue {
		return &IllegalStateError{Message: "sfc: cannot start: every transition is already receptive"}
	}
	if !seq.IsValid() {
		return &IllegalStateError{Message: "sfc: cannot start: chart is not structurally valid"}
	}
	if !entryOK {
		return &InvalidArgumentError{Message: fmt.Sprintf("sfc: unknown entry step id %d", entryID)}
	}
	entryStep, ok := entry.(*Step)
	if !ok {
		return &InvalidArgumentError{Message: fmt.Sprintf("sfc: entry step id %d is not runnable directly", entryID)}
	}

	// Everything a concurrently-arriving Stop might touch (stopCh, the
	// drain bookkeeping, the counters left over from a previous run) is
	// reinitialized before running flips true: the CAS is the release
	// point after which other goroutines may observe the new cycle.
	seq.stopCh = make(chan struct{})
	seq.stopCode.Store(int64(StopNormal))

	seq.countsMu.Lock()
	clear(seq.requiredCalls)
	clear(seq.currentCalls)
	clear(seq.macroExits)
	seq.countsMu.Unlock()

	if !seq.running.CompareAndSwap(false, true) {
		return &IllegalStateError{Message: "sfc: sequence already running"}
	}

	seq.seqObservers.fire(true)

	pool := newWorkerPool(seq.opts.poolSize)
	seq.poolMu.Lock()
	seq.pool = pool
	seq.draining = new(drainState)
	seq.poolMu.Unlock()

	var entryErr error
	if !pool.TryAcquire() {
		entryErr = &IllegalStateError{Message: "sfc: worker pool has zero capacity"}
		seq.haltWithCode(StopNormal)
	} else {
		func() {
			defer pool.release()
			entryErr = seq.runStep(ctx, entryStep, nil)
		}()
	}

	stopCh := seq.stopCh
	select {
	case <-stopCh:
	case <-ctx.Done():
		seq.haltWithCode(StopNormal)
	}

	drainErr := seq.drain()
	if entryErr != nil {
		return entryErr
	}
	return drainErr
}

// Stop halts a running Sequence: idempotent, and never downgrades a
// latched anomaly code back to StopNormal. Safe to call concurrently with
// Start's own blocking wait.
func (seq *Sequence) Stop() error {
	seq.haltWithCode(StopNormal)
	return seq.drain()
}

// haltWithCode is the single gate through which running flips true->false
// exactly once. Using running's own CompareAndSwap as the gate means a
// later Stop() call, observing running already false, never executes the
// body that would overwrite stopCode — the anomaly code sticks.
func (seq *Sequence) haltWithCode(code StopCode) {
	if seq.running.CompareAndSwap(true, false) {
		seq.stopCode.Store(int64(code))
		if seq.stopCh != nil {
			close(seq.stopCh)
		}
		seq.seqObservers.fire(false)
	}
}

// drainState is one Start/Stop cycle's drain bookkeeping. It is created
// fresh per cycle so a straggling Stop from a previous cycle only ever
// touches its own cycle's state, never the next run's.
type drainState struct {
	once sync.Once
	err  error
}

// drain waits for every outstanding worker-pool task to finish and closes
// the diagnostic event pipeline, exactly once per Start/Stop cycle
// regardless of how many goroutines call it concurrently.
func (seq *Sequence) drain() error {
	seq.poolMu.Lock()
	pool := seq.pool
	ds := seq.draining
	seq.poolMu.Unlock()

	if pool == nil || ds == nil {
		return nil
	}

	ds.once.Do(func() {
		ds.err = pool.Wait()
		seq.events.close()
	})
	return ds.err
}

// activationGuard pairs a Step's activation with its symmetric release:
// Sequence.activate sets the activation flag and emits the step-changed
// event, and the guard's release performs the symmetric deactivation plus
// the Macro-exit bookkeeping. Release is idempotent so an early-exit path
// (anomaly) can release eagerly, ahead of the sequence-changed emit,
// while the owning runStep's deferred release stays a no-op.
type activationGuard struct {
	seq      *Sequence
	step     *Step
	released bool
}

func (seq *Sequence) activate(ctx context.Context, step *Step) *activationGuard {
	step.setActivated(true)
	seq.stepObservers.fire(step.Id(), true)
	seq.events.publish(ctx, StepEvent{ID: step.Id(), Active: true, At: time.Now()})
	return &activationGuard{seq: seq, step: step}
}

func (g *activationGuard) release(ctx context.Context) {
	if g.released {
		return
	}
	g.released = true
	g.step.setActivated(false)
	g.seq.stepObservers.fire(g.step.Id(), false)
	g.seq.events.publish(ctx, StepEvent{ID: g.step.Id(), Active: false, At: time.Now()})
	g.seq.releaseMacroExit(ctx, g.step.Id())
}

// releaseMacroExit deactivates the Macro enclosing exitID, if exitID was
// recorded as a Macro's exit point when its entry transition fired.
func (seq *Sequence) releaseMacroExit(ctx context.Context, exitID StepId) {
	seq.countsMu.Lock()
	macroID, ok := seq.macroExits[exitID]
	if ok {
		delete(seq.macroExits, exitID)
	}
	seq.countsMu.Unlock()
	if !ok {
		return
	}

	seq.stepsMu.RLock()
	m := seq.macros[macroID]
	seq.stepsMu.RUnlock()
	if m == nil {
		return
	}
	m.setActivated(false)
	seq.stepObservers.fire(macroID, false)
	seq.events.publish(ctx, StepEvent{ID: macroID, Active: false, At: time.Now()})
}

// runStep drives one Step's full activation lifecycle, from firing its
// actions through to scheduling its successors. It always
// runs with a worker-pool slot already reserved on its behalf (by the
// caller's prior successful workerPool.TryAcquire) and releases that slot
// on every return path via workerPool.Go's wrapper (for pool-scheduled
// successors) or the caller's own deferred release (for the synchronous
// entry-step invocation from Start).
func (seq *Sequence) runStep(ctx context.Context, step *Step, previous *Step) error {
	if step.Kind() != KindMacro {
		step.runActions()
	}

	if previous != nil {
		previous.awaitInactive(seq.stopCh)
	}
	if !seq.isRunning() {
		return nil
	}

	// pending accumulates the successors of whichever transition fires.
	// The deferred release deactivates this step first — so a successor's
	// predecessor handshake can complete — and then holds this worker
	// until every pending successor is observed activated. Holding the
	// slot through that notification is what lets the join-quorum check
	// actually observe a saturated pool.
	guard := seq.activate(ctx, step)
	var pending []pendingSuccessor
	defer func() {
		guard.release(ctx)
		seq.awaitSuccessors(pending)
	}()

	for seq.isRunning() {
		fired, ok := seq.pollOnce(step)
		if !ok {
			select {
			case <-time.After(seq.PollingDelay()):
			case <-seq.stopCh:
			}
			continue
		}

		successors := fired.Nexts()
		seq.opts.metrics.TransitionFired(fired.Id(), len(successors))
		logTransitionFired(seq.opts.logger, seq.opts.rates, fired.Id(), len(successors))

		if len(successors) > seq.poolSize() {
			seq.opts.metrics.Anomaly(AnomalyCrazyParallelism, step.Id())
			logAnomaly(seq.opts.logger, AnomalyCrazyParallelism, step.Id(), int(seq.poolActive()), seq.poolSize())
			guard.release(ctx)
			seq.haltWithCode(StopCrazyParallelism)
			return &AnomalyError{
				Kind:    AnomalyCrazyParallelism,
				Message: "sfc: not enough threads available to run sequence: fork exceeds worker pool capacity",
			}
		}

		required := fired.requiredArrivals()
		for _, next := range successors {
			p, err := seq.scheduleSuccessor(ctx, step, next, required)
			if p != nil {
				pending = append(pending, *p)
			}
			if err != nil {
				guard.release(ctx)
				var ae *AnomalyError
				if errors.As(err, &ae) {
					seq.haltWithCode(ae.Kind.stopCode())
				} else {
					seq.haltWithCode(StopNormal)
				}
				return err
			}
		}
		return nil
	}
	return nil
}

// pendingSuccessor is one successor the firing step must observe
// activated before its worker is released. The epoch snapshot, taken
// before the successor could possibly be scheduled by this arrival,
// closes the race where a fast successor activates and deactivates
// entirely between two of the waiter's polls.
type pendingSuccessor struct {
	step  *Step
	epoch uint64
}

// awaitSuccessors blocks until each pending successor has been observed
// activated (directly, or via its activation epoch having advanced) or
// the sequence stops. The firing step's worker performs this wait after
// deactivating, so a successor is never left blocked on the predecessor
// handshake without a waker.
func (seq *Sequence) awaitSuccessors(pending []pendingSuccessor) {
	for _, p := range pending {
		for seq.isRunning() && !p.step.IsActivated() && p.step.activationEpoch() == p.epoch {
			time.Sleep(seq.PollingDelay())
		}
	}
}

// pollOnce checks step's outgoing transitions, in declaration order,
// returning the first one whose receptivity is currently true — the
// first-wins rule that makes exclusive branches exclusive.
func (seq *Sequence) pollOnce(step *Step) (*Transition, bool) {
	for _, t := range step.OutTransitions() {
		if !seq.isRunning() {
			return nil, false
		}
		if t.isSatisfied() {
			return t, true
		}
	}
	return nil, false
}

// scheduleSuccessor resolves one fired transition's successor (redirecting
// through a Macro's First, if next fronts a Macro), applies the join-count
// bookkeeping, and — once the join quorum for that successor completes —
// reserves a worker-pool slot and submits its run. It returns the
// successor the caller must wait on before releasing its worker, and a
// non-halted AnomalyError when the quorum completed with no idle worker;
// the caller owns the activation guard and therefore the halt.
func (seq *Sequence) scheduleSuccessor(ctx context.Context, from *Step, next *Step, required int) (*pendingSuccessor, error) {
	target := next
	if m := seq.macroFor(next); m != nil {
		// The Macro's own flag records entry; its observable activation
		// (IsActivated, OR-over-inner) and the step-changed event follow
		// from the first inner step running. The step-changed event for
		// the Macro itself is emitted on exit only (releaseMacroExit).
		m.setActivated(true)
		last := m.Last()
		first := m.First()
		if last != nil {
			seq.countsMu.Lock()
			seq.macroExits[last.Id()] = m.Id()
			seq.countsMu.Unlock()
		}
		target = first
	}
	if target == nil {
		return nil, nil
	}
	pending := &pendingSuccessor{step: target, epoch: target.activationEpoch()}
	if target.IsActivated() {
		return pending, nil
	}

	reached, quorum := seq.joinArrive(target.Id(), required)
	if !reached {
		return pending, nil
	}
	seq.opts.metrics.JoinReached(target.Id(), quorum)

	if !seq.poolTryAcquire() {
		logJoinStalled(seq.opts.logger, seq.opts.rates, target.Id(), int(seq.poolActive()), seq.poolSize())
		seq.opts.metrics.Anomaly(AnomalyCrazyLooping, target.Id())
		logAnomaly(seq.opts.logger, AnomalyCrazyLooping, target.Id(), int(seq.poolActive()), seq.poolSize())
		return pending, &AnomalyError{
			Kind:    AnomalyCrazyLooping,
			Message: "sfc: no more thread available to run sequence: join quorum reached with no idle worker",
		}
	}

	succ, pred := target, from
	seq.poolGo(func() error {
		return seq.runStep(ctx, succ, pred)
	})
	return pending, nil
}

// joinArrive increments the join counter for stepID (initializing it to
// required on first sight) and reports whether this call completed the
// quorum, resetting the counter to 0 if so.
func (seq *Sequence) joinArrive(stepID StepId, required int) (reached bool, quorum int) {
	seq.countsMu.Lock()
	defer seq.countsMu.Unlock()

	if _, ok := seq.requiredCalls[stepID]; !ok {
		seq.requiredCalls[stepID] = required
		seq.currentCalls[stepID] = 0
	}
	seq.currentCalls[stepID]++
	quorum = seq.requiredCalls[stepID]
	reached = quorum > 0 && seq.currentCalls[stepID] >= quorum
	if reached {
		seq.currentCalls[stepID] = 0
	}
	return reached, quorum
}

func (seq *Sequence) poolSize() int {
	seq.poolMu.Lock()
	defer seq.poolMu.Unlock()
	if seq.pool == nil {
		return seq.opts.poolSize
	}
	return seq.pool.Size()
}

func (seq *Sequence) poolActive() int64 {
	seq.poolMu.Lock()
	defer seq.poolMu.Unlock()
	if seq.pool == nil {
		return 0
	}
	return seq.pool.Active()
}

func (seq *Sequence) poolTryAcquire() bool {
	seq.poolMu.Lock()
	pool := seq.pool
	seq.poolMu.Unlock()
	if pool == nil {
		return false
	}
	return pool.TryAcquire()
}

func (seq *Sequence) poolGo(fn func() error) {
	seq.poolMu.Lock()
	pool := seq.pool
	seq.poolMu.Unlock()
	if pool == nil {
		return
	}
	pool.Go(fn)
}
