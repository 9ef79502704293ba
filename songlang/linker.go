package songlang

import (
	"go-songvm/program"
)

type linker struct {
	instrs   []program.Instruction
	labels   []program.Label
	declared map[string]program.Pos
	backlog  []int // indices of JUMP instructions awaiting a target
	errs     ErrorList
}

// Link flattens the nested tree into a Program. Label names share one
// global namespace; every jump resolves to its target label's first
// instruction.
func Link(f *File) (*program.Program, error) {
	l := &linker{declared: make(map[string]program.Pos)}
	l.emit(f.Stmts, "", 0)

	symbols := make(map[string]int, len(l.labels))
	for _, lb := range l.labels {
		if _, ok := symbols[lb.Name]; !ok {
			symbols[lb.Name] = lb.Start
		}
	}
	for _, idx := range l.backlog {
		in := &l.instrs[idx]
		start, ok := symbols[in.Label]
		if !ok {
			l.errs.add(LinkError, in.Pos, "jump to undefined label %q", in.Label)
			continue
		}
		in.Target = start
	}

	if err := l.errs.Err(); err != nil {
		return nil, err
	}

	p, err := program.New(l.instrs, l.labels)
	if err != nil {
		// unreachable unless the linker itself is broken
		return nil, ErrorList{{Kind: LinkError, Msg: err.Error()}}
	}
	return p, nil
}

func (l *linker) emit(stmts []*Stmt, parent string, depth int) {
	for _, s := range stmts {
		switch {
		case s.Loop:
			l.loop(s, parent, depth)
			continue
		case s.Play != nil:
			l.play(s)
			continue
		case !s.IsLabel():
			in := s.Instr
			in.Pos = s.Pos
			if in.Op == program.OpJump {
				l.backlog = append(l.backlog, len(l.instrs))
			}
			l.instrs = append(l.instrs, in)
			continue
		}

		if first, dup := l.declared[s.Label]; dup {
			l.errs.add(LinkError, s.Pos, "duplicate label %q (first declared at %s)", s.Label, first)
		} else {
			l.declared[s.Label] = s.Pos
		}

		idx := len(l.labels)
		l.labels = append(l.labels, program.Label{
			Name:   s.Label,
			Start:  len(l.instrs),
			Parent: parent,
			Depth:  depth,
			Pos:    s.Pos,
		})
		l.emit(s.Body, s.Label, depth+1)
		l.labels[idx].End = len(l.instrs)
	}
}

// loop lowers a LOOP block to its body followed by a jump back to the
// body's first instruction. LOOP n runs the body n times, so the jump is
// taken n-1 times; a single pass needs no jump.
func (l *linker) loop(s *Stmt, parent string, depth int) {
	start := len(l.instrs)
	l.emit(s.Body, parent, depth)
	if len(l.instrs) == start || s.Count == 1 {
		return
	}
	in := program.Instruction{Op: program.OpJump, Pos: s.Pos, Target: start}
	if s.Count > 1 {
		in.Bounded = true
		in.Bound = s.Count - 1
	}
	l.instrs = append(l.instrs, in)
}

// play lowers a PLAY line to a NOTEON per note, one wait for the duration,
// then a NOTEOFF per note
func (l *linker) play(s *Stmt) {
	pl := s.Play
	send := func(on bool, note, vel uint8) {
		l.instrs = append(l.instrs, program.Instruction{
			Op:       program.OpSend,
			Pos:      s.Pos,
			NoteOn:   on,
			Channel:  pl.Channel,
			Pitch:    note,
			Velocity: vel,
			Output:   pl.Output,
		})
	}
	for _, n := range pl.Notes {
		send(true, n, pl.Velocity)
	}
	l.instrs = append(l.instrs, program.Instruction{Op: program.OpWait, Pos: s.Pos, Amount: pl.Amount, Unit: pl.Unit})
	for _, n := range pl.Notes {
		send(false, n, 0)
	}
}

// Compile parses and links src into an executable Program
func Compile(src string) (*program.Program, error) {
	f, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return Link(f)
}
