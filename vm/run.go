package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"go-songvm/debug"
	"go-songvm/midi"
	"go-songvm/program"
)

// ErrStepLimit is reported when a run stops at its step limit
var ErrStepLimit = errors.New("step limit reached")

// OutputError reports a note that could not be delivered. The run goes on
// without that note.
type OutputError struct {
	Track  int // program index in a multi-track run
	Index  int
	Pos    program.Pos
	Output string
	Err    error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("%s: %v", e.Pos, e.Err)
}

func (e *OutputError) Unwrap() error { return e.Err }

// Result summarizes a finished run
type Result struct {
	State   State
	Steps   uint64 // instructions completed
	Ticks   uint64
	Elapsed time.Duration // virtual time reached
	Emitted int
	Skipped int
	Errors  error // recoverable errors, combined with multierr
	Fault   error
}

// Err returns the fault, or else the combined recoverable errors
func (r Result) Err() error {
	if r.Fault != nil {
		return r.Fault
	}
	return r.Errors
}

// RuntimeErrors returns the recoverable errors one by one
func (r Result) RuntimeErrors() []error {
	return multierr.Errors(r.Errors)
}

// Waiter blocks until a virtual deadline has been reached in real time
type Waiter interface {
	Start()
	WaitUntil(ctx context.Context, due time.Duration) error
}

// RealTime sleeps against the wall clock, measured from Start
type RealTime struct {
	start time.Time
}

func (w *RealTime) Start() { w.start = time.Now() }

// WaitUntil sleeps until due has elapsed since Start, returning early with
// ctx.Err() on cancellation. A due time already in the past still checks ctx.
func (w *RealTime) WaitUntil(ctx context.Context, due time.Duration) error {
	d := due - time.Since(w.start)
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes prog until it halts, faults, or ctx is cancelled. Notes are
// handed to router synchronously, never ahead of their virtual time.
func Run(ctx context.Context, prog *program.Program, router *midi.Router, opts ...Option) Result {
	return RunTracks(ctx, []*program.Program{prog}, router, opts...)[0]
}

func debugDispatch(track, ip int, ev midi.Event) {
	debug.Log("dispatch", "track=%d ip=%d t=%v ch=%d note=%d vel=%d out=%q",
		track, ip, ev.Time, ev.Channel+1, ev.Note, ev.Velocity, ev.Output)
}
