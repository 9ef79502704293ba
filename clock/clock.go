package clock

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"time"
)

// ErrZeroTempo is returned when bpm or ticks per beat is zero
var ErrZeroTempo = errors.New("clock: tempo must be non-zero")

// Tempo is a beats-per-minute value with a tick resolution
type Tempo struct {
	BPM          uint16
	TicksPerBeat uint16
}

// DefaultTempo applies until the first SETBPM
var DefaultTempo = Tempo{BPM: 120, TicksPerBeat: 32}

func (t Tempo) String() string {
	return fmt.Sprintf("%d bpm, %d ticks/beat", t.BPM, t.TicksPerBeat)
}

// Valid reports whether both fields are non-zero
func (t Tempo) Valid() bool {
	return t.BPM != 0 && t.TicksPerBeat != 0
}

// TickDuration is 60 / (bpm * ticksPerBeat) seconds, truncated to the nanosecond
func (t Tempo) TickDuration() time.Duration {
	return t.Duration(1)
}

// Duration returns the length of n ticks at this tempo. The product is
// computed in 128 bits so long runs do not drift or overflow.
func (t Tempo) Duration(n uint64) time.Duration {
	if !t.Valid() {
		return 0
	}
	den := uint64(t.BPM) * uint64(t.TicksPerBeat)
	hi, lo := bits.Mul64(n, uint64(time.Minute))
	if hi >= den {
		return time.Duration(math.MaxInt64)
	}
	q, _ := bits.Div64(hi, lo, den)
	if q > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(q)
}

// Ticks returns how many whole ticks fit in d at this tempo
func (t Tempo) Ticks(d time.Duration) uint64 {
	if !t.Valid() || d <= 0 {
		return 0
	}
	den := uint64(t.BPM) * uint64(t.TicksPerBeat)
	hi, lo := bits.Mul64(uint64(d), den)
	q, _ := bits.Div64(hi, lo, uint64(time.Minute))
	return q
}

// State is a snapshot of a clock
type State struct {
	Tempo   Tempo
	Ticks   uint64
	Elapsed time.Duration
}

// Clock is a virtual timeline. It performs no I/O and never sleeps.
//
// Time is tracked per tempo segment: a segment starts at the last tempo
// change and every position inside it is derived from the segment origin,
// so rounding never accumulates across waits and a tempo change only affects
// later advances.
type Clock struct {
	tempo    Tempo
	ticks    uint64
	segStart time.Duration
	segTicks uint64
	now      time.Duration
}

// New creates a clock at time zero
func New(t Tempo) *Clock {
	if !t.Valid() {
		t = DefaultTempo
	}
	return &Clock{tempo: t}
}

// Tempo returns the tempo used by the next advance
func (c *Clock) Tempo() Tempo { return c.tempo }

// Now returns the current virtual time since start
func (c *Clock) Now() time.Duration { return c.now }

// Ticks returns the elapsed tick count since start
func (c *Clock) Ticks() uint64 { return c.ticks }

// State returns a snapshot of the clock
func (c *Clock) State() State {
	return State{Tempo: c.tempo, Ticks: c.ticks, Elapsed: c.now}
}

// SetTempo changes the tick duration for all subsequent advances
func (c *Clock) SetTempo(t Tempo) error {
	if !t.Valid() {
		return ErrZeroTempo
	}
	c.rebase()
	c.tempo = t
	return nil
}

// Advance moves the clock n ticks forward and returns the new virtual time,
// which is when everything up to and including this wait becomes due.
func (c *Clock) Advance(n uint64) time.Duration {
	c.ticks += n
	c.segTicks += n
	c.now = c.segStart + c.tempo.Duration(c.segTicks)
	return c.now
}

// AdvanceDuration moves the clock forward by a wall-clock amount. Whole ticks
// covered by d are added to the tick count.
func (c *Clock) AdvanceDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return c.now
	}
	c.rebase()
	c.ticks += c.tempo.Ticks(d)
	c.now += d
	c.segStart = c.now
	return c.now
}

func (c *Clock) rebase() {
	c.segStart = c.now
	c.segTicks = 0
}
