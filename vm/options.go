package vm

import (
	"go.uber.org/zap"

	"go-songvm/clock"
	"go-songvm/debug"
)

// Option configures a Machine or a run
type Option func(*options)

type options struct {
	waiter    Waiter
	logger    *zap.Logger
	stepLimit uint64
	tempo     clock.Tempo
}

// WithWaiter replaces the real-time sleep used by Run
func WithWaiter(w Waiter) Option {
	return func(o *options) {
		o.waiter = w
	}
}

// WithLogger sets the logger for runtime diagnostics
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithStepLimit stops a run after n instructions (0 means no limit)
func WithStepLimit(n uint64) Option {
	return func(o *options) {
		o.stepLimit = n
	}
}

// WithTempo sets the tempo in force before the first SETBPM
func WithTempo(t clock.Tempo) Option {
	return func(o *options) {
		if t.Valid() {
			o.tempo = t
		}
	}
}

func buildOptions(opts []Option) *options {
	o := &options{tempo: clock.DefaultTempo}
	for _, opt := range opts {
		opt(o)
	}
	if o.waiter == nil {
		o.waiter = &RealTime{}
	}
	if o.logger == nil {
		o.logger = debug.Logger()
	}
	return o
}
