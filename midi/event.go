package midi

import (
	"fmt"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
)

// MIDI message types
const (
	NoteOn  uint8 = 0x90
	NoteOff uint8 = 0x80
)

// Event is a note message scheduled by the VM
type Event struct {
	Type     uint8 // NoteOn, NoteOff
	Channel  uint8 // 0-15
	Note     uint8
	Velocity uint8
	Output   string        // logical output, "" for the default
	Time     time.Duration // virtual time since program start
}

// Bytes returns the raw 3-byte channel message
func (e Event) Bytes() []byte {
	return []byte{e.Type&0xF0 | e.Channel&0x0F, e.Note & 0x7F, e.Velocity & 0x7F}
}

// Message returns the event as a gomidi message
func (e Event) Message() gomidi.Message {
	return gomidi.Message(e.Bytes())
}

func (e Event) String() string {
	kind := "off"
	if e.Type == NoteOn {
		kind = "on"
	}
	out := e.Output
	if out == "" {
		out = "default"
	}
	return fmt.Sprintf("%v %s ch=%d note=%d vel=%d out=%s", e.Time, kind, e.Channel+1, e.Note, e.Velocity, out)
}
