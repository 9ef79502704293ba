package program

import (
	"fmt"
	"strings"
)

var noteNames = [12]string{"c", "cs", "d", "ds", "e", "f", "fs", "g", "gs", "a", "as", "b"}

// NoteName formats a MIDI note number as a pitch literal (60 -> "c4")
func NoteName(n uint8) string {
	octave := int(n)/12 - 1
	return fmt.Sprintf("%s%d", noteNames[n%12], octave)
}

// Line is one row of a program listing
type Line struct {
	Index  int
	Depth  int
	Labels []string // labels starting at Index
	Instr  Instruction
}

// Lines returns the listing rows with nesting depth resolved per instruction
func (p *Program) Lines() []Line {
	lines := make([]Line, len(p.instrs))
	for i, in := range p.instrs {
		lines[i] = Line{Index: i, Instr: in}
	}
	for _, l := range p.labels {
		for i := l.Start; i < l.End; i++ {
			if l.Depth+1 > lines[i].Depth {
				lines[i].Depth = l.Depth + 1
			}
		}
		if l.Start < len(lines) {
			lines[l.Start].Labels = append(lines[l.Start].Labels, l.Name)
		}
	}
	return lines
}

// Decor styles the parts of a listing. Nil hooks leave text unchanged.
type Decor struct {
	Muted func(string) string // indices, spans and jump targets
	Label func(string) string
	Op    func(string) string
}

func apply(f func(string) string, s string) string {
	if f == nil {
		return s
	}
	return f(s)
}

// Listing renders the program as plain text, one instruction per line
func (p *Program) Listing() string {
	return p.Format(Decor{})
}

// Format renders the listing with d applied to each part
func (p *Program) Format(d Decor) string {
	var b strings.Builder
	label := func(l Label) {
		fmt.Fprintf(&b, "      %s%s %s\n", strings.Repeat("  ", l.Depth), apply(d.Label, l.Name+":"),
			apply(d.Muted, fmt.Sprintf("[%d,%d)", l.Start, l.End)))
	}

	for _, ln := range p.Lines() {
		for _, name := range ln.Labels {
			l, _ := p.Label(name)
			label(l)
		}
		op, rest, _ := strings.Cut(ln.Instr.String(), " ")
		fmt.Fprintf(&b, "%s  %s%s %s", apply(d.Muted, fmt.Sprintf("%04d", ln.Index)),
			strings.Repeat("  ", ln.Depth), apply(d.Op, op), rest)
		if ln.Instr.Op == OpJump {
			fmt.Fprintf(&b, "  %s", apply(d.Muted, fmt.Sprintf("-> %04d", ln.Instr.Target)))
		}
		b.WriteByte('\n')
	}
	// labels with an empty span at the end of the program
	for _, l := range p.labels {
		if l.Start == len(p.instrs) {
			label(l)
		}
	}
	return b.String()
}
