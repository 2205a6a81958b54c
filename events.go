package sfc

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-longpoll"
	"github.com/joeycumines/go-microbatch"
)

// SequenceChangedFunc is invoked whenever a Sequence transitions between
// running and stopped.
type SequenceChangedFunc func(running bool)

// StepChangedFunc is invoked whenever a single Step's activation flag
// flips, naming the step and its new state.
type StepChangedFunc func(id StepId, active bool)

// StepEvent is the value form of a StepChangedFunc invocation, used by the
// batched/channel-based event stream (see eventPipeline) for subscribers
// that would rather range over a channel than register a callback.
type StepEvent struct {
	ID     StepId
	Active bool
	At     time.Time
}

// sequenceObservers is a snapshot-under-lock callback registry for
// SequenceChangedFunc handlers: the handler slice is copied under the
// mutex, the lock is dropped, then each handler runs — so a handler that
// calls back into the Sequence cannot deadlock against a concurrent
// Add/Clear.
type sequenceObservers struct {
	mu       sync.RWMutex
	handlers []SequenceChangedFunc
}

// stepObservers is the StepChangedFunc equivalent of sequenceObservers.
type stepObservers struct {
	mu       sync.RWMutex
	handlers []StepChangedFunc
}

func (o *sequenceObservers) add(fn SequenceChangedFunc) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	o.handlers = append(o.handlers, fn)
	o.mu.Unlock()
}

func (o *sequenceObservers) clear() {
	o.mu.Lock()
	o.handlers = nil
	o.mu.Unlock()
}

func (o *sequenceObservers) fire(running bool) {
	o.mu.RLock()
	handlers := make([]SequenceChangedFunc, len(o.handlers))
	copy(handlers, o.handlers)
	o.mu.RUnlock()
	for _, h := range handlers {
		h(running)
	}
}

func (o *stepObservers) add(fn StepChangedFunc) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	o.handlers = append(o.handlers, fn)
	o.mu.Unlock()
}

func (o *stepObservers) clear() {
	o.mu.Lock()
	o.handlers = nil
	o.mu.Unlock()
}

func (o *stepObservers) fire(id StepId, active bool) {
	o.mu.RLock()
	handlers := make([]StepChangedFunc, len(o.handlers))
	copy(handlers, o.handlers)
	o.mu.RUnlock()
	for _, h := range handlers {
		h(id, active)
	}
}

// eventPipeline exposes step-changed events as a channel of batches, for
// subscribers (a UI, a metrics exporter) that would rather consume bursts
// than individual callback invocations. A burst of co-activating parallel
// branches (every successor of one fork crossing the activation guard
// within microseconds of each other) is coalesced by microbatch into one
// []StepEvent delivery instead of one wakeup per event.
type eventPipeline struct {
	batcher   *microbatch.Batcher[StepEvent]
	out       chan []StepEvent
	closeOnce sync.Once
}

// newEventPipeline constructs a pipeline batching up to 32 events, or
// flushing every 2ms, whichever comes first — tuned so a single fork's
// burst of successor activations lands in one batch without introducing
// meaningful publish latency for a sparse chart.
func newEventPipeline() *eventPipeline {
	out := make(chan []StepEvent, 16)
	p := &eventPipeline{out: out}
	p.batcher = microbatch.NewBatcher(
		&microbatch.BatcherConfig{
			MaxSize:       32,
			FlushInterval: 2 * time.Millisecond,
		},
		func(_ context.Context, jobs []StepEvent) error {
			batch := make([]StepEvent, len(jobs))
			copy(batch, jobs)
			select {
			case out <- batch:
			default:
				// a slow/absent subscriber must never block the engine;
				// drop the oldest pending batch in favor of the newest.
				select {
				case <-out:
				default:
				}
				select {
				case out <- batch:
				default:
				}
			}
			return nil
		},
	)
	return p
}

// publish enqueues an event for batched delivery. Non-blocking from the
// engine's perspective up to the Batcher's own internal ping/pong handoff;
// it never waits on JobResult.Wait, since the engine has no result to
// consume.
func (p *eventPipeline) publish(ctx context.Context, ev StepEvent) {
	_, _ = p.batcher.Submit(ctx, ev)
}

// channel returns the batched event channel subscribers range over.
func (p *eventPipeline) channel() <-chan []StepEvent { return p.out }

// close flushes any pending batch, stops the batcher, and closes the
// delivery channel so subscribers ranging over it terminate. Guarded for
// repeat calls: the Sequence drains once per Start/Stop cycle, and the
// pipeline (like its channel) spans the Sequence's whole lifetime.
func (p *eventPipeline) close() {
	p.closeOnce.Do(func() {
		_ = p.batcher.Shutdown(context.Background())
		close(p.out)
	})
}

// DrainStepEvents receives as many batches of step-change events as are
// available from a Sequence's StepEvents channel, within the constraints
// of cfg (nil for longpoll's documented defaults) — a thin wrapper around
// github.com/joeycumines/go-longpoll's Channel, flattening the received
// batches into a single slice. Once the stream has closed and emptied,
// the error is io.EOF, per longpoll.Channel.
func DrainStepEvents(ctx context.Context, ch <-chan []StepEvent, cfg *longpoll.ChannelConfig) ([]StepEvent, error) {
	var out []StepEvent
	err := longpoll.Channel(ctx, cfg, ch, func(batch []StepEvent) error {
		out = append(out, batch...)
		return nil
	})
	return out, err
}
