package midi

import (
	"io"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2/smf"
)

// smfBPM is the tempo written to exported files; event times are converted
// to ticks against it so the file plays back at the rendered speed.
const smfBPM = 120

// Recorder is a sink that keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Send records ev
func (r *Recorder) Send(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events in arrival order
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// WriteSMF writes the recording as a type 1 Standard MIDI File: a tempo
// track followed by one track per output in order of first use.
func (r *Recorder) WriteSMF(w io.Writer, resolution uint16) error {
	if resolution == 0 {
		resolution = 960
	}
	events := r.Events()

	s := smf.NewSMF1()
	s.TimeFormat = smf.MetricTicks(resolution)

	var tempo smf.Track
	tempo.Add(0, smf.MetaTempo(smfBPM))
	tempo.Close(0)
	if err := s.Add(tempo); err != nil {
		return err
	}

	var order []string
	byOutput := make(map[string][]Event)
	for _, ev := range events {
		if _, ok := byOutput[ev.Output]; !ok {
			order = append(order, ev.Output)
		}
		byOutput[ev.Output] = append(byOutput[ev.Output], ev)
	}

	for _, name := range order {
		var tr smf.Track
		var last uint32
		for _, ev := range byOutput[name] {
			abs := smfTicks(ev.Time, resolution)
			tr.Add(abs-last, ev.Bytes())
			last = abs
		}
		tr.Close(0)
		if err := s.Add(tr); err != nil {
			return err
		}
	}

	_, err := s.WriteTo(w)
	return err
}

// smfTicks converts a virtual time to ticks at smfBPM
func smfTicks(d time.Duration, resolution uint16) uint32 {
	beat := time.Minute / smfBPM
	return uint32(int64(d) * int64(resolution) / int64(beat))
}
