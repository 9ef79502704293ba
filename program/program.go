package program

import (
	"fmt"
)

// Op identifies the kind of an instruction
type Op uint8

const (
	OpSetTempo Op = iota + 1
	OpSend
	OpWait
	OpJump
)

func (o Op) String() string {
	switch o {
	case OpSetTempo:
		return "SETBPM"
	case OpSend:
		return "SEND"
	case OpWait:
		return "WAIT"
	case OpJump:
		return "JUMP"
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// WaitUnit is the unit of a WAIT amount
type WaitUnit uint8

const (
	Ticks WaitUnit = iota
	Beats
	Seconds
	Millis
	Micros
)

func (u WaitUnit) String() string {
	switch u {
	case Ticks:
		return "ticks"
	case Beats:
		return "beats"
	case Seconds:
		return "s"
	case Millis:
		return "ms"
	case Micros:
		return "us"
	}
	return fmt.Sprintf("WaitUnit(%d)", uint8(u))
}

// Pos is a 1-based source position
type Pos struct {
	Line int
	Col  int
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

// Instruction is one flat program step. Only the fields of its Op are set.
type Instruction struct {
	Op  Op
	Pos Pos

	// OpSetTempo
	BPM          uint16
	TicksPerBeat uint16

	// OpSend
	NoteOn   bool
	Channel  uint8 // 0-15
	Pitch    uint8
	Velocity uint8
	Output   string // "" is the default output

	// OpWait
	Amount uint64
	Unit   WaitUnit

	// OpJump. A jump with no Label closes a loop and targets an
	// earlier instruction directly.
	Label   string
	Target  int
	Bounded bool
	Bound   uint32
}

func (in Instruction) String() string {
	switch in.Op {
	case OpSetTempo:
		return fmt.Sprintf("SETBPM %d, %d", in.BPM, in.TicksPerBeat)
	case OpSend:
		kind := "NOTEOFF"
		if in.NoteOn {
			kind = "NOTEON"
		}
		s := fmt.Sprintf("SEND %s %d, %s, %d", kind, in.Channel+1, NoteName(in.Pitch), in.Velocity)
		if in.Output != "" {
			s += ", OUTPUT = " + in.Output
		}
		return s
	case OpWait:
		return fmt.Sprintf("WAIT %d %s", in.Amount, in.Unit)
	case OpJump:
		target := in.Label
		if target == "" {
			target = fmt.Sprintf("@%d", in.Target)
		}
		if in.Bounded {
			return fmt.Sprintf("JUMP %s %d", target, in.Bound)
		}
		return "JUMP " + target
	}
	return in.Op.String()
}

// Label is a named entry point owning the span [Start, End)
type Label struct {
	Name   string
	Start  int
	End    int
	Parent string // "" at top level
	Depth  int
	Pos    Pos
}

// Len returns the number of instructions in the span
func (l Label) Len() int { return l.End - l.Start }

// Contains reports whether instruction index i lies inside the span
func (l Label) Contains(i int) bool { return i >= l.Start && i < l.End }

// JumpSite is the static metadata of one JUMP instruction
type JumpSite struct {
	Index   int
	Target  int
	Label   string
	Bounded bool
	Bound   uint32
}

// Program is a linked, flat instruction list. It is immutable and safe to
// share between concurrently running machines.
type Program struct {
	instrs  []Instruction
	labels  []Label
	symbols map[string]int
	jumps   []JumpSite
	sites   map[int]int
	outputs []string
}

// New builds a Program from linked instructions and label spans. Labels must
// be listed in declaration order with unique names.
func New(instrs []Instruction, labels []Label) (*Program, error) {
	p := &Program{
		instrs:  append([]Instruction(nil), instrs...),
		labels:  append([]Label(nil), labels...),
		symbols: make(map[string]int, len(labels)),
		sites:   make(map[int]int),
	}

	for i, l := range p.labels {
		if l.Name == "" {
			return nil, fmt.Errorf("program: label %d has no name", i)
		}
		if _, dup := p.symbols[l.Name]; dup {
			return nil, fmt.Errorf("program: duplicate label %q", l.Name)
		}
		if l.Start < 0 || l.End < l.Start || l.End > len(p.instrs) {
			return nil, fmt.Errorf("program: label %q span [%d,%d) out of range", l.Name, l.Start, l.End)
		}
		p.symbols[l.Name] = i
	}

	seen := make(map[string]bool)
	for i, in := range p.instrs {
		switch in.Op {
		case OpJump:
			if in.Label == "" {
				if in.Target < 0 || in.Target > i {
					return nil, fmt.Errorf("program: loop jump at %d targets %d, want a backward target", i, in.Target)
				}
			} else {
				li, ok := p.symbols[in.Label]
				if !ok {
					return nil, fmt.Errorf("program: jump at %d to unknown label %q", i, in.Label)
				}
				if in.Target != p.labels[li].Start {
					return nil, fmt.Errorf("program: jump at %d targets %d, label %q starts at %d", i, in.Target, in.Label, p.labels[li].Start)
				}
			}
			if in.Bounded && in.Bound == 0 {
				return nil, fmt.Errorf("program: jump at %d has a zero bound", i)
			}
			p.sites[i] = len(p.jumps)
			p.jumps = append(p.jumps, JumpSite{
				Index:   i,
				Target:  in.Target,
				Label:   in.Label,
				Bounded: in.Bounded,
				Bound:   in.Bound,
			})
		case OpSetTempo:
			if in.BPM == 0 || in.TicksPerBeat == 0 {
				return nil, fmt.Errorf("program: zero tempo at %d", i)
			}
		case OpSend:
			if in.Channel > 15 || in.Pitch > 127 || in.Velocity > 127 {
				return nil, fmt.Errorf("program: send at %d out of MIDI range", i)
			}
			if in.Output != "" && !seen[in.Output] {
				seen[in.Output] = true
				p.outputs = append(p.outputs, in.Output)
			}
		case OpWait:
		default:
			return nil, fmt.Errorf("program: unknown op %v at %d", in.Op, i)
		}
	}

	return p, nil
}

// Len returns the instruction count
func (p *Program) Len() int { return len(p.instrs) }

// At returns the instruction at index i
func (p *Program) At(i int) Instruction { return p.instrs[i] }

// Labels returns all labels in declaration order
func (p *Program) Labels() []Label {
	return append([]Label(nil), p.labels...)
}

// Label looks up a label by name
func (p *Program) Label(name string) (Label, bool) {
	i, ok := p.symbols[name]
	if !ok {
		return Label{}, false
	}
	return p.labels[i], true
}

// TopLevel returns the labels not nested in any other label
func (p *Program) TopLevel() []Label {
	return p.Children("")
}

// Children returns the labels directly nested under parent
func (p *Program) Children(parent string) []Label {
	var out []Label
	for _, l := range p.labels {
		if l.Parent == parent {
			out = append(out, l)
		}
	}
	return out
}

// JumpSites returns the metadata of every JUMP in program order
func (p *Program) JumpSites() []JumpSite {
	return append([]JumpSite(nil), p.jumps...)
}

// JumpSite returns the site at instruction index i
func (p *Program) JumpSite(i int) (JumpSite, bool) {
	j, ok := p.sites[i]
	if !ok {
		return JumpSite{}, false
	}
	return p.jumps[j], true
}

// Outputs returns the named outputs referenced by SEND, in first-use order
func (p *Program) Outputs() []string {
	return append([]string(nil), p.outputs...)
}
