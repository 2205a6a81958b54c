package sfc

import (
	"fmt"
	"runtime"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// defaultPollingDelay is how often an active step re-checks its outgoing
// transitions' receptivities, unless overridden.
const defaultPollingDelay = 100 * time.Microsecond

type options struct {
	pollingDelay time.Duration
	poolSize     int
	logger       *logiface.Logger[*stumpy.Event]
	metrics      MetricsSink
	rates        *diagnosticRates
}

// Option configures a Sequence at construction time: a closure-backed
// interface applied in order by resolveOptions, with validated defaults
// for anything unset.
type Option interface {
	applySequence(*options) error
}

type optionFunc func(*options) error

func (f optionFunc) applySequence(o *options) error { return f(o) }

// WithPollingDelay overrides how often a running transition's poll loop
// re-checks its Receptivity. Must be positive.
func WithPollingDelay(d time.Duration) Option {
	return optionFunc(func(o *options) error {
		if d <= 0 {
			return &InvalidArgumentError{Message: fmt.Sprintf("sfc: polling delay must be positive, got %s", d)}
		}
		o.pollingDelay = d
		return nil
	})
}

// WithPoolSize sets the maximum number of steps the Sequence's worker pool
// may run concurrently. This is the bound crazy-parallelism and
// crazy-looping detection are measured against. Must be positive.
func WithPoolSize(n int) Option {
	return optionFunc(func(o *options) error {
		if n <= 0 {
			return &InvalidArgumentError{Message: fmt.Sprintf("sfc: pool size must be positive, got %d", n)}
		}
		o.poolSize = n
		return nil
	})
}

// WithLogiface installs a structured logger for the Sequence's diagnostic
// output. If unset, a no-op-equivalent stumpy logger writing to io.Discard
// is used (see logging.go).
func WithLogiface(l *logiface.Logger[*stumpy.Event]) Option {
	return optionFunc(func(o *options) error {
		if l == nil {
			return &InvalidArgumentError{Message: "sfc: nil logger"}
		}
		o.logger = l
		return nil
	})
}

// WithMetrics installs a MetricsSink the Sequence reports fire/join/anomaly
// counters to. If unset, a no-op sink is used.
func WithMetrics(m MetricsSink) Option {
	return optionFunc(func(o *options) error {
		if m == nil {
			return &InvalidArgumentError{Message: "sfc: nil metrics sink"}
		}
		o.metrics = m
		return nil
	})
}

// resolveOptions applies opts in order over documented defaults, skipping
// nils.
func resolveOptions(opts []Option) (*options, error) {
	o := &options{
		pollingDelay: defaultPollingDelay,
		poolSize:     runtime.NumCPU(),
		metrics:      noopMetrics{},
		rates:        newDiagnosticRates(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applySequence(o); err != nil {
			return nil, err
		}
	}
	if o.logger == nil {
		o.logger = newDefaultLogger()
	}
	return o, nil
}
