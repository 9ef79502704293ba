package vm

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/ftag"

	"go-songvm/clock"
	"go-songvm/midi"
	"go-songvm/program"
)

// State is the lifecycle state of a Machine
type State int

const (
	Ready State = iota
	Running
	Halted
	Cancelled
	Faulted
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Halted:
		return "halted"
	case Cancelled:
		return "cancelled"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further instruction can run
func (s State) Terminal() bool {
	return s == Halted || s == Cancelled || s == Faulted
}

// ActionKind tells the driver what a step produced
type ActionKind int

const (
	None ActionKind = iota // internal step, continue immediately
	Emit                   // Event must be dispatched now
	Wait                   // suspend until Due
	Halt                   // machine is in a terminal state
)

// Action is the result of one Step
type Action struct {
	Kind  ActionKind
	Event midi.Event
	Due   time.Duration
}

// ErrFault is matched by every FaultError
var ErrFault = errors.New("vm fault")

// FaultError is a fatal internal inconsistency
type FaultError struct {
	Index int
	Msg   string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("fault at instruction %d: %s", e.Index, e.Msg)
}

func (e *FaultError) Unwrap() error { return ErrFault }

// Machine executes one Program. Its counters and clock belong to this
// machine alone; the Program may be shared.
//
// A Machine is resumable: every Wait is returned to the caller as an Action
// carrying its due time, so it can be driven by a sleeping loop (Run), by an
// offline renderer (Render), alongside other machines (RunTracks), or by an
// external real-time callback.
type Machine struct {
	prog  *program.Program
	clock *clock.Clock
	taken []uint64
	ip    int
	state State
	steps uint64
	last  time.Duration
	err   error
}

// New creates a machine in the Ready state
func New(prog *program.Program, opts ...Option) *Machine {
	o := buildOptions(opts)
	return &Machine{
		prog:  prog,
		clock: clock.New(o.tempo),
		taken: make([]uint64, prog.Len()),
	}
}

// IP returns the index of the next instruction
func (m *Machine) IP() int { return m.ip }

// State returns the lifecycle state
func (m *Machine) State() State { return m.state }

// Steps returns the number of instructions completed
func (m *Machine) Steps() uint64 { return m.steps }

// Now returns the current virtual time
func (m *Machine) Now() time.Duration { return m.clock.Now() }

// Clock returns a snapshot of the virtual clock
func (m *Machine) Clock() clock.State { return m.clock.State() }

// Taken returns how many times the jump at instruction index i was taken
func (m *Machine) Taken(i int) uint64 {
	if i < 0 || i >= len(m.taken) {
		return 0
	}
	return m.taken[i]
}

// Err returns the fault that stopped the machine, if any
func (m *Machine) Err() error { return m.err }

// Cancel stops a machine that has not yet reached a terminal state. A
// Machine is not safe for concurrent use: call Cancel from the goroutine
// that calls Step, and stop Run or RunTracks from elsewhere by cancelling
// their context.
func (m *Machine) Cancel() {
	if !m.state.Terminal() {
		m.state = Cancelled
	}
}

// Step executes the instruction at the instruction pointer
func (m *Machine) Step() (Action, error) {
	switch m.state {
	case Halted, Cancelled:
		return Action{Kind: Halt}, nil
	case Faulted:
		return Action{Kind: Halt}, m.err
	case Ready:
		m.state = Running
	}

	if m.ip == m.prog.Len() {
		m.state = Halted
		return Action{Kind: Halt}, nil
	}
	if m.ip < 0 || m.ip > m.prog.Len() {
		return m.fault("instruction pointer %d outside [0,%d]", m.ip, m.prog.Len())
	}

	in := m.prog.At(m.ip)
	var act Action

	switch in.Op {
	case program.OpSetTempo:
		if err := m.clock.SetTempo(clock.Tempo{BPM: in.BPM, TicksPerBeat: in.TicksPerBeat}); err != nil {
			return m.fault("%v", err)
		}
		m.ip++

	case program.OpSend:
		now := m.clock.Now()
		if now < m.last {
			return m.fault("event time %v before previous event at %v", now, m.last)
		}
		m.last = now
		typ := midi.NoteOff
		if in.NoteOn {
			typ = midi.NoteOn
		}
		act = Action{Kind: Emit, Event: midi.Event{
			Type:     typ,
			Channel:  in.Channel,
			Note:     in.Pitch,
			Velocity: in.Velocity,
			Output:   in.Output,
			Time:     now,
		}}
		m.ip++

	case program.OpWait:
		before := m.clock.Now()
		due, err := m.wait(in)
		if err != nil {
			return m.fault("%v", err)
		}
		if due < before {
			return m.fault("wait moved the clock backwards from %v to %v", before, due)
		}
		act = Action{Kind: Wait, Due: due}
		m.ip++

	case program.OpJump:
		c := m.taken[m.ip]
		if in.Bounded && c > uint64(in.Bound) {
			return m.fault("jump counter %d exceeds bound %d", c, in.Bound)
		}
		if in.Bounded && c == uint64(in.Bound) {
			m.ip++
			break
		}
		if in.Target < 0 || in.Target > m.prog.Len() {
			return m.fault("jump target %d outside program", in.Target)
		}
		m.taken[m.ip] = c + 1
		m.ip = in.Target

	default:
		return m.fault("unknown op %v", in.Op)
	}

	m.steps++
	return act, nil
}

var unitDurations = map[program.WaitUnit]time.Duration{
	program.Seconds: time.Second,
	program.Millis:  time.Millisecond,
	program.Micros:  time.Microsecond,
}

func (m *Machine) wait(in program.Instruction) (time.Duration, error) {
	switch in.Unit {
	case program.Ticks:
		return m.clock.Advance(in.Amount), nil
	case program.Beats:
		hi, n := bits.Mul64(in.Amount, uint64(m.clock.Tempo().TicksPerBeat))
		if hi != 0 {
			return 0, fmt.Errorf("wait of %d beats overflows the tick counter", in.Amount)
		}
		return m.clock.Advance(n), nil
	}
	unit, ok := unitDurations[in.Unit]
	if !ok {
		return 0, fmt.Errorf("unknown wait unit %v", in.Unit)
	}
	if in.Amount > uint64(math.MaxInt64/unit) {
		return 0, fmt.Errorf("wait of %d %v overflows the clock", in.Amount, in.Unit)
	}
	return m.clock.AdvanceDuration(time.Duration(in.Amount) * unit), nil
}

func (m *Machine) fault(format string, args ...any) (Action, error) {
	m.state = Faulted
	m.err = fault.Wrap(&FaultError{Index: m.ip, Msg: fmt.Sprintf(format, args...)}, ftag.With(ftag.Internal))
	return Action{Kind: Halt}, m.err
}
