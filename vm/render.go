package vm

import (
	"time"

	"go-songvm/midi"
	"go-songvm/program"
)

// DefaultRenderSteps bounds Render when no step limit is given, so a loop
// that never waits cannot spin forever
const DefaultRenderSteps = 1_000_000

// Render runs prog offline, without sleeping, and returns every event due
// before horizon. It stops after the first Wait that reaches the horizon,
// so Result.Elapsed may lie past it. A render that stops at the horizon
// leaves the machine Running; the result reports that state.
func Render(prog *program.Program, horizon time.Duration, opts ...Option) ([]midi.Event, Result) {
	events, results := RenderTracks([]*program.Program{prog}, horizon, opts...)
	return events, results[0]
}
