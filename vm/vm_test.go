package vm

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Southclaws/fault/ftag"

	"go-songvm/clock"
	"go-songvm/midi"
	"go-songvm/program"
	"go-songvm/songlang"
)

func compile(t *testing.T, src string) *program.Program {
	t.Helper()
	prog, err := songlang.Compile(src)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return prog
}

func fixture(t *testing.T) *program.Program {
	t.Helper()
	data, err := os.ReadFile("../testdata/fixture.sasm")
	if err != nil {
		t.Fatal(err)
	}
	return compile(t, string(data))
}

// instant records due times without sleeping and can cancel after n waits
type instant struct {
	dues   []time.Duration
	cancel context.CancelFunc
	after  int
}

func (w *instant) Start() {}

func (w *instant) WaitUntil(ctx context.Context, due time.Duration) error {
	w.dues = append(w.dues, due)
	if w.cancel != nil && len(w.dues) == w.after {
		w.cancel()
	}
	return ctx.Err()
}

func TestWaitSixteenTicksAt120(t *testing.T) {
	prog := compile(t, "SETBPM 120, 32\nWAIT 16 ticks\n")
	w := &instant{}
	res := Run(context.Background(), prog, midi.NewRouter(nil), WithWaiter(w))

	if res.State != Halted {
		t.Fatalf("state = %v, want halted (%v)", res.State, res.Err())
	}
	if len(w.dues) != 1 || w.dues[0] != 250*time.Millisecond {
		t.Fatalf("dues = %v, want [250ms]", w.dues)
	}
	if res.Steps != 2 || res.Ticks != 16 || res.Elapsed != 250*time.Millisecond {
		t.Fatalf("result = %+v", res)
	}
}

func TestBoundedJumpTakenExactlyN(t *testing.T) {
	for _, n := range []uint64{1, 3, 7} {
		prog := compile(t, "LABEL l:\n  WAIT 1\n  JUMP l "+strconv.FormatUint(n, 10)+"\nWAIT 0\n")
		m := New(prog)
		entries := uint64(0)
		for {
			if m.IP() == 0 {
				entries++
			}
			act, err := m.Step()
			if err != nil {
				t.Fatal(err)
			}
			if act.Kind == Halt {
				break
			}
		}
		if entries != n+1 || m.Taken(1) != n {
			t.Errorf("bound %d: body ran %d times, jump taken %d times", n, entries, m.Taken(1))
		}
		if m.State() != Halted {
			t.Errorf("bound %d: state = %v", n, m.State())
		}
	}
}

func TestFixtureMinorRepeatsThenFallsThrough(t *testing.T) {
	prog := fixture(t)
	major, _ := prog.Label("major")
	minor, _ := prog.Label("minor")
	jumpHead := minor.End
	if in := prog.At(jumpHead); in.Op != program.OpJump || in.Label != "head" {
		t.Fatalf("instruction after minor = %v, want JUMP head", in)
	}

	m := New(prog)
	// step until ip reaches JUMP head, counting block entries
	pass := func() (majorRuns, minorRuns int) {
		for m.IP() != jumpHead {
			switch m.IP() {
			case major.Start:
				majorRuns++
			case minor.Start:
				minorRuns++
			}
			if _, err := m.Step(); err != nil {
				t.Fatal(err)
			}
		}
		return
	}

	majorRuns, minorRuns := pass()
	if majorRuns != 4 || minorRuns != 4 {
		t.Fatalf("first pass: major ran %d, minor ran %d, want 4 and 4", majorRuns, minorRuns)
	}
	if m.Taken(major.End-1) != 3 || m.Taken(minor.End-1) != 3 {
		t.Fatalf("jump counters = %d, %d, want 3, 3", m.Taken(major.End-1), m.Taken(minor.End-1))
	}

	// JUMP head is unbounded; the exhausted sites now fall straight through
	if _, err := m.Step(); err != nil {
		t.Fatal(err)
	}
	if m.IP() != major.Start {
		t.Fatalf("JUMP head went to %d, want %d", m.IP(), major.Start)
	}
	majorRuns, minorRuns = pass()
	if majorRuns != 1 || minorRuns != 1 {
		t.Fatalf("second pass: major ran %d, minor ran %d, want 1 and 1", majorRuns, minorRuns)
	}
	if m.Taken(major.End-1) != 3 || m.Taken(minor.End-1) != 3 || m.Taken(jumpHead) != 1 {
		t.Fatalf("counters changed: %d %d %d", m.Taken(major.End-1), m.Taken(minor.End-1), m.Taken(jumpHead))
	}
}

func TestCancelStopsUnboundedFixture(t *testing.T) {
	prog := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &instant{cancel: cancel, after: 5}
	router := midi.NewRouter(midi.NewRecorder())
	router.Bind("lead", midi.NewRecorder())
	res := Run(ctx, prog, router, WithWaiter(w))

	if res.State != Cancelled {
		t.Fatalf("state = %v, want cancelled", res.State)
	}
	if len(w.dues) != 5 {
		t.Fatalf("waited %d times after cancel, want 5", len(w.dues))
	}
	if res.Err() != nil {
		t.Fatalf("cancelled run reported %v", res.Err())
	}
}

func TestCancelTakesEffectWithinOneStep(t *testing.T) {
	prog := compile(t, "SETBPM 120, 32\nLABEL l:\n  SEND NOTEON 1, c4, 1\n  JUMP l\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	count := 0
	router := midi.NewRouter(midi.SinkFunc(func(midi.Event) error {
		count++
		if count == 3 {
			cancel()
		}
		return nil
	}))
	res := Run(ctx, prog, router, WithWaiter(&instant{}))

	// SETBPM, then SEND/JUMP pairs; the third SEND is the last instruction run
	if res.State != Cancelled || res.Emitted != 3 || res.Steps != 6 {
		t.Fatalf("result = %+v, want cancelled after 3 events and 6 steps", res)
	}
}

func TestCancelZeroTimeLoops(t *testing.T) {
	for _, src := range []string{
		"LABEL spin:\n  WAIT 0 ticks\n  JUMP spin\n",
		"LABEL spin:\n  JUMP spin\n",
	} {
		prog := compile(t, src)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		done := make(chan Result, 1)
		go func() { done <- Run(ctx, prog, nil) }()

		select {
		case res := <-done:
			if res.State != Cancelled || res.Steps == 0 {
				t.Errorf("%q: result = %+v", src, res)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%q: run did not stop after cancellation", src)
		}
		cancel()
	}
}

func TestReentryStartsAtLabelStart(t *testing.T) {
	prog := compile(t, `
LABEL a:
  SEND NOTEON 1, c4, 1
  WAIT 1
  SEND NOTEON 1, d4, 1
  JUMP a 1
`)
	events, res := Render(prog, time.Hour)
	if res.State != Halted {
		t.Fatalf("state = %v", res.State)
	}
	want := []uint8{60, 62, 60, 62}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Note != want[i] {
			t.Errorf("event %d note = %d, want %d", i, ev.Note, want[i])
		}
	}
}

func TestFixtureEventTimesMonotonic(t *testing.T) {
	events, res := Render(fixture(t), 30*time.Second)
	if res.Fault != nil {
		t.Fatal(res.Fault)
	}
	if len(events) == 0 {
		t.Fatal("no events")
	}
	for i := 1; i < len(events); i++ {
		if events[i].Time < events[i-1].Time {
			t.Fatalf("event %d at %v before event %d at %v", i, events[i].Time, i-1, events[i-1].Time)
		}
	}
	if last := events[len(events)-1].Time; last >= 30*time.Second {
		t.Fatalf("event at %v past the horizon", last)
	}
	if res.State != Running {
		t.Fatalf("state = %v, want running at the horizon", res.State)
	}
}

func TestFixtureTimeline(t *testing.T) {
	events, _ := Render(fixture(t), 2*time.Second)
	// major block: three notes on at 0, off at 250ms, repeat every 500ms
	if len(events) != 24 {
		t.Fatalf("got %d events in 2s, want 24", len(events))
	}
	for i, ev := range events {
		rep := time.Duration(i/6) * 500 * time.Millisecond
		want := rep
		typ := midi.NoteOn
		if i%6 >= 3 {
			want += 250 * time.Millisecond
			typ = midi.NoteOff
		}
		if ev.Time != want || ev.Type != typ {
			t.Errorf("event %d = %v, want type %#x at %v", i, ev, typ, want)
		}
	}
	if events[2].Output != "lead" || events[0].Output != "" {
		t.Errorf("outputs = %q, %q", events[0].Output, events[2].Output)
	}
}

func TestUnknownOutputIsSkippedNotFatal(t *testing.T) {
	prog := compile(t, "SEND NOTEON 1, c4, 100, OUTPUT = nowhere\nSEND NOTEON 1, d4, 100\nWAIT 1\n")
	rec := midi.NewRecorder()
	res := Run(context.Background(), prog, midi.NewRouter(rec), WithWaiter(&instant{}))

	if res.State != Halted {
		t.Fatalf("state = %v, want halted", res.State)
	}
	if res.Emitted != 1 || res.Skipped != 1 || res.Steps != 3 {
		t.Fatalf("result = %+v", res)
	}
	if got := rec.Events(); len(got) != 1 || got[0].Note != 62 {
		t.Fatalf("delivered = %v", got)
	}

	errs := res.RuntimeErrors()
	if len(errs) != 1 {
		t.Fatalf("runtime errors = %v", errs)
	}
	var oe *OutputError
	if !errors.As(errs[0], &oe) || oe.Output != "nowhere" || oe.Pos.Line != 1 || oe.Index != 0 {
		t.Fatalf("error = %#v", errs[0])
	}
	if !errors.Is(errs[0], midi.ErrUnknownOutput) {
		t.Fatalf("error %v does not match ErrUnknownOutput", errs[0])
	}
}

func TestFaultIsFatal(t *testing.T) {
	prog := compile(t, "SEND NOTEON 1, c4, 100\nWAIT 9223372036854775807 s\nSEND NOTEOFF 1, c4, 0\n")
	rec := midi.NewRecorder()
	res := Run(context.Background(), prog, midi.NewRouter(rec), WithWaiter(&instant{}))

	if res.State != Faulted {
		t.Fatalf("state = %v, want faulted", res.State)
	}
	if !errors.Is(res.Err(), ErrFault) {
		t.Fatalf("Err() = %v, want ErrFault", res.Err())
	}
	var fe *FaultError
	if !errors.As(res.Fault, &fe) || fe.Index != 1 {
		t.Fatalf("fault = %v", res.Fault)
	}
	if ftag.Get(res.Fault) != ftag.Internal {
		t.Errorf("tag = %v, want Internal", ftag.Get(res.Fault))
	}
	if len(rec.Events()) != 1 || res.Steps != 1 {
		t.Fatalf("ran past the fault: %d events, %d steps", len(rec.Events()), res.Steps)
	}
}

func TestStepAfterTerminalState(t *testing.T) {
	m := New(compile(t, "WAIT 1\n"))
	if m.State() != Ready {
		t.Fatalf("new machine state = %v", m.State())
	}
	if act, _ := m.Step(); act.Kind != Wait {
		t.Fatalf("first step = %v, want wait", act.Kind)
	}
	if m.State() != Running {
		t.Fatalf("state = %v, want running", m.State())
	}
	for i := 0; i < 3; i++ {
		act, err := m.Step()
		if err != nil || act.Kind != Halt || m.State() != Halted {
			t.Fatalf("step %d: %v %v %v", i, act.Kind, err, m.State())
		}
	}
	m.Cancel()
	if m.State() != Halted {
		t.Fatalf("Cancel changed a halted machine to %v", m.State())
	}
}

func TestTempoChangeAppliesForward(t *testing.T) {
	prog := compile(t, `
SETBPM 120, 32
SEND NOTEON 1, c4, 1
WAIT 16
SEND NOTEON 1, c4, 1
SETBPM 60, 32
WAIT 16
SEND NOTEON 1, c4, 1
WAIT 1 beat
SEND NOTEON 1, c4, 1
WAIT 250 ms
SEND NOTEON 1, c4, 1
`)
	events, res := Render(prog, time.Hour)
	if res.State != Halted {
		t.Fatalf("state = %v", res.State)
	}
	want := []time.Duration{0, 250 * time.Millisecond, 750 * time.Millisecond, 1750 * time.Millisecond, 2 * time.Second}
	if len(events) != len(want) {
		t.Fatalf("got %d events", len(events))
	}
	for i, ev := range events {
		if ev.Time != want[i] {
			t.Errorf("event %d at %v, want %v", i, ev.Time, want[i])
		}
	}
	// 16 + 16 + one beat of 32 + 8 whole ticks inside 250ms at 60 bpm
	if res.Ticks != 72 {
		t.Errorf("ticks = %d, want 72", res.Ticks)
	}
}

func TestDefaultTempoOption(t *testing.T) {
	prog := compile(t, "WAIT 4\nSEND NOTEON 1, c4, 1\n")
	events, _ := Render(prog, time.Hour)
	if events[0].Time != 62500*time.Microsecond {
		t.Fatalf("default tempo: event at %v", events[0].Time)
	}
	events, _ = Render(prog, time.Hour, WithTempo(clock.Tempo{BPM: 60, TicksPerBeat: 4}))
	if events[0].Time != time.Second {
		t.Fatalf("WithTempo: event at %v", events[0].Time)
	}
}

func TestRenderStepLimit(t *testing.T) {
	prog := compile(t, "LABEL spin:\n  JUMP spin\n")
	_, res := Render(prog, time.Second, WithStepLimit(100))
	if res.Steps != 100 || !errors.Is(res.Errors, ErrStepLimit) {
		t.Fatalf("result = %+v", res)
	}
}

func TestSharedProgramConcurrentRenders(t *testing.T) {
	prog := fixture(t)
	var wg sync.WaitGroup
	counts := make([]int, 4)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			events, _ := Render(prog, 10*time.Second)
			counts[i] = len(events)
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(counts); i++ {
		if counts[i] != counts[0] {
			t.Fatalf("renders disagree: %v", counts)
		}
	}
}

func TestRealTimeWaiter(t *testing.T) {
	w := &RealTime{}
	w.Start()
	start := time.Now()
	if err := w.WaitUntil(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("returned after %v", time.Since(start))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.WaitUntil(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled wait = %v", err)
	}
	if err := w.WaitUntil(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("past-due wait on cancelled ctx = %v", err)
	}
}

func TestRenderTracksMergesByTime(t *testing.T) {
	lead := compile(t, "SETBPM 120, 32\nLABEL a:\n  SEND NOTEON 1, c4, 100\n  WAIT 32\n  JUMP a 1\n")
	bass := compile(t, "SETBPM 120, 32\nWAIT 16\nSEND NOTEON 2, e4, 100, OUTPUT = bass\nWAIT 16\nSEND NOTEON 2, g4, 100\n")

	events, results := RenderTracks([]*program.Program{lead, bass}, time.Hour)
	want := []struct {
		note uint8
		at   time.Duration
	}{
		{60, 0},
		{64, 250 * time.Millisecond},
		{60, 500 * time.Millisecond},
		{67, 500 * time.Millisecond},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(events), len(want), events)
	}
	for i, w := range want {
		if events[i].Note != w.note || events[i].Time != w.at {
			t.Errorf("event %d = %v, want note %d at %v", i, events[i], w.note, w.at)
		}
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	for i, res := range results {
		if res.State != Halted || res.Emitted != 2 {
			t.Errorf("track %d result = %+v", i, res)
		}
	}
	if results[0].Elapsed != time.Second || results[1].Elapsed != 500*time.Millisecond {
		t.Errorf("elapsed = %v, %v", results[0].Elapsed, results[1].Elapsed)
	}
}

func TestRunTracksSharesOneTimeline(t *testing.T) {
	a := compile(t, "SETBPM 120, 32\nSEND NOTEON 1, c4, 1\nWAIT 32\nSEND NOTEON 1, d4, 1\n")
	b := compile(t, "SETBPM 120, 32\nWAIT 16\nSEND NOTEON 1, e4, 1, OUTPUT = nowhere\nWAIT 32\nSEND NOTEON 1, f4, 1\n")

	w := &instant{}
	rec := midi.NewRecorder()
	results := RunTracks(context.Background(), []*program.Program{a, b}, midi.NewRouter(rec), WithWaiter(w))

	for i := 1; i < len(w.dues); i++ {
		if w.dues[i] < w.dues[i-1] {
			t.Fatalf("waiter went back in time: %v", w.dues)
		}
	}
	var notes []uint8
	for _, ev := range rec.Events() {
		notes = append(notes, ev.Note)
	}
	if string(notes) != string([]uint8{60, 62, 65}) {
		t.Fatalf("delivered notes = %v", notes)
	}

	if results[0].Emitted != 2 || results[0].Skipped != 0 {
		t.Errorf("track 0 = %+v", results[0])
	}
	if results[1].Emitted != 1 || results[1].Skipped != 1 {
		t.Errorf("track 1 = %+v", results[1])
	}
	var oe *OutputError
	if errs := results[1].RuntimeErrors(); len(errs) != 1 || !errors.As(errs[0], &oe) || oe.Track != 1 || oe.Index != 2 {
		t.Fatalf("track 1 errors = %v", errs)
	}
}

func TestRunTracksCancelStopsEveryTrack(t *testing.T) {
	prog := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &instant{cancel: cancel, after: 3}
	results := RunTracks(ctx, []*program.Program{prog, prog}, nil, WithWaiter(w))
	for i, res := range results {
		if res.State != Cancelled {
			t.Errorf("track %d state = %v, want cancelled", i, res.State)
		}
	}
}

func TestLoopRunsBodyCountTimes(t *testing.T) {
	events, res := Render(compile(t, "LOOP 3:\n  SEND NOTEON 1, c4, 1\n  WAIT 1\n"), time.Hour)
	if res.State != Halted || len(events) != 3 {
		t.Fatalf("state = %v, %d events, want halted after 3", res.State, len(events))
	}
}

func TestLoopCounterSurvivesReentry(t *testing.T) {
	prog := compile(t, `
LABEL a:
  LOOP 2:
    SEND NOTEON 1, c4, 1
    WAIT 1
  JUMP a 1
`)
	events, res := Render(prog, time.Hour)
	// two passes of the loop, then one more after re-entry: its jump is spent
	if res.State != Halted || len(events) != 3 {
		t.Fatalf("state = %v, %d events, want halted after 3", res.State, len(events))
	}
}

func TestPlayHoldsForDuration(t *testing.T) {
	events, _ := Render(compile(t, "SETBPM 120, 32\nPLAY c4M\n"), time.Hour)
	if len(events) != 6 {
		t.Fatalf("got %d events, want 6", len(events))
	}
	for i, ev := range events {
		want, typ := time.Duration(0), midi.NoteOn
		if i >= 3 {
			want, typ = 500*time.Millisecond, midi.NoteOff
		}
		if ev.Time != want || ev.Type != typ {
			t.Errorf("event %d = %v, want type %#x at %v", i, ev, typ, want)
		}
	}
}

func TestRenderStopsAfterWaitCrossingHorizon(t *testing.T) {
	prog := compile(t, "SEND NOTEON 1, c4, 1\nWAIT 1 s\nSEND NOTEON 1, d4, 1\n")
	events, res := Render(prog, 500*time.Millisecond)
	if len(events) != 1 || events[0].Note != 60 {
		t.Fatalf("events = %v", events)
	}
	if res.State != Running || res.Elapsed != time.Second {
		t.Fatalf("result = %+v, want running with the crossing wait applied", res)
	}
}

func TestCancelBetweenSteps(t *testing.T) {
	m := New(compile(t, "LABEL a:\n  WAIT 1\n  JUMP a\n"))
	for i := 0; i < 4; i++ {
		if _, err := m.Step(); err != nil {
			t.Fatal(err)
		}
	}
	steps := m.Steps()
	m.Cancel()
	act, err := m.Step()
	if err != nil || act.Kind != Halt || m.State() != Cancelled {
		t.Fatalf("step after cancel = %v, %v, state %v", act.Kind, err, m.State())
	}
	if m.Steps() != steps {
		t.Fatalf("steps = %d after cancel, want %d", m.Steps(), steps)
	}
}
