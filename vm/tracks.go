package vm

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"go-songvm/midi"
	"go-songvm/program"
)

// track is one machine under a scheduler
type track struct {
	m       *Machine
	due     time.Duration // virtual time the machine may resume at
	pending bool          // a Wait has been issued but not slept
	stopped bool          // stopped at the step limit
	res     Result
}

// scheduler interleaves several machines on one goroutine. It always
// resumes the machine with the earliest due time, lower index first on
// ties, so events come out in time order.
type scheduler struct {
	tracks  []*track
	waiter  Waiter // nil renders offline
	limit   uint64
	horizon time.Duration
	bounded bool // stop once every machine is due at or past horizon
	log     *zap.Logger
}

func newScheduler(progs []*program.Program, o *options, opts []Option) *scheduler {
	s := &scheduler{limit: o.stepLimit, log: o.logger}
	for _, p := range progs {
		s.tracks = append(s.tracks, &track{m: New(p, opts...)})
	}
	return s
}

// next returns the index of the machine to resume, or -1 when none can run
func (s *scheduler) next() int {
	best := -1
	for i, t := range s.tracks {
		if t.stopped || t.m.State().Terminal() {
			continue
		}
		if best < 0 || t.due < s.tracks[best].due {
			best = i
		}
	}
	return best
}

func (s *scheduler) cancel() {
	for _, t := range s.tracks {
		t.m.Cancel()
	}
}

// run steps machines until all are done, ctx is cancelled, or the horizon
// is reached. emit receives every Emit action with the instruction index
// that produced it.
func (s *scheduler) run(ctx context.Context, emit func(ti, ip int, ev midi.Event)) {
	if s.waiter != nil {
		s.waiter.Start()
	}

	for {
		if ctx.Err() != nil {
			s.cancel()
			return
		}
		ti := s.next()
		if ti < 0 {
			return
		}
		t := s.tracks[ti]
		if s.bounded && t.due >= s.horizon {
			return
		}
		if s.limit > 0 && t.m.Steps() >= s.limit {
			t.res.Errors = multierr.Append(t.res.Errors, ErrStepLimit)
			t.stopped = true
			continue
		}

		if t.pending && s.waiter != nil {
			if err := s.waiter.WaitUntil(ctx, t.due); err != nil {
				if ctx.Err() == nil {
					t.res.Errors = multierr.Append(t.res.Errors, err)
				}
				s.cancel()
				return
			}
		}
		t.pending = false

		ip := t.m.IP()
		act, err := t.m.Step()
		if err != nil {
			s.log.Error("run faulted", zap.Int("track", ti), zap.Error(err))
			continue
		}
		switch act.Kind {
		case Emit:
			emit(ti, ip, act.Event)
		case Wait:
			t.due = act.Due
			t.pending = true
		}
	}
}

// results fills in the final state of every machine
func (s *scheduler) results() []Result {
	out := make([]Result, len(s.tracks))
	for i, t := range s.tracks {
		st := t.m.Clock()
		res := t.res
		res.State = t.m.State()
		res.Steps = t.m.Steps()
		res.Ticks = st.Ticks
		res.Elapsed = st.Elapsed
		res.Fault = t.m.Err()
		out[i] = res
	}
	return out
}

// RunTracks plays several programs together against one router, each on
// its own machine and clock, all measured from the same start. Notes are
// dispatched in time order; at equal times, lower-indexed programs go
// first. The results are in program order.
func RunTracks(ctx context.Context, progs []*program.Program, router *midi.Router, opts ...Option) []Result {
	o := buildOptions(opts)
	log := o.logger.With(zap.String("component", "vm"))
	if router == nil {
		router = midi.NewRouter(nil)
	}

	s := newScheduler(progs, o, opts)
	s.waiter = o.waiter
	s.log = log

	s.run(ctx, func(ti, ip int, ev midi.Event) {
		t := s.tracks[ti]
		if err := router.Send(ev); err != nil {
			in := progs[ti].At(ip)
			t.res.Skipped++
			t.res.Errors = multierr.Append(t.res.Errors, &OutputError{Track: ti, Index: ip, Pos: in.Pos, Output: ev.Output, Err: err})
			log.Warn("note skipped",
				zap.Int("track", ti),
				zap.Int("index", ip),
				zap.Stringer("pos", in.Pos),
				zap.String("output", ev.Output),
				zap.Error(err),
			)
			return
		}
		t.res.Emitted++
		debugDispatch(ti, ip, ev)
	})

	results := s.results()
	for i, res := range results {
		log.Debug("run finished",
			zap.Int("track", i),
			zap.Stringer("state", res.State),
			zap.Uint64("steps", res.Steps),
			zap.Uint64("ticks", res.Ticks),
			zap.Duration("elapsed", res.Elapsed),
			zap.Int("skipped", res.Skipped),
		)
	}
	return results
}

// RenderTracks renders several programs offline and merges their events
// in time order, lower-indexed programs first at equal times. Each program
// keeps its own step limit.
func RenderTracks(progs []*program.Program, horizon time.Duration, opts ...Option) ([]midi.Event, []Result) {
	o := buildOptions(opts)
	s := newScheduler(progs, o, opts)
	if s.limit == 0 {
		s.limit = DefaultRenderSteps
	}
	s.horizon, s.bounded = horizon, true

	var events []midi.Event
	s.run(context.Background(), func(ti, _ int, ev midi.Event) {
		events = append(events, ev)
		s.tracks[ti].res.Emitted++
	})
	return events, s.results()
}
