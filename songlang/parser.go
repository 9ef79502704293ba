package songlang

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"go-songvm/program"
)

// Stmt is a node of the parse tree. LABEL and LOOP statements own Body, a
// PLAY statement carries Play, and every other statement carries its
// instruction in Instr.
type Stmt struct {
	Pos   program.Pos
	Label string
	Loop  bool
	Count uint32 // LOOP repetitions; 0 repeats forever
	Body  []*Stmt
	Play  *Play
	Instr program.Instruction
}

// Play is a PLAY line: notes struck together, held for a duration
type Play struct {
	Notes    []uint8
	Channel  uint8
	Velocity uint8
	Output   string
	Amount   uint64
	Unit     program.WaitUnit
}

// IsLabel reports whether s opens a label scope
func (s *Stmt) IsLabel() bool { return s.Label != "" }

// IsBlock reports whether s owns a body
func (s *Stmt) IsBlock() bool { return s.IsLabel() || s.Loop }

// File is a parsed source file
type File struct {
	Stmts []*Stmt
}

// Walk calls fn for every statement in source order, depth first
func (f *File) Walk(fn func(s *Stmt, depth int)) {
	var walk func([]*Stmt, int)
	walk = func(stmts []*Stmt, depth int) {
		for _, s := range stmts {
			fn(s, depth)
			walk(s.Body, depth+1)
		}
	}
	walk(f.Stmts, 0)
}

// block is an open scope during parsing
type block struct {
	header int // indentation of the LABEL or LOOP line, -1 for the file
	body   int // indentation of the body, -1 until the first statement
	stmts  *[]*Stmt
}

// Parse builds the nested statement tree. Scopes are tracked by
// indentation: a block's body is every following statement indented deeper
// than its LABEL or LOOP line. Top-level statements start in column 1.
func Parse(src string) (*File, error) {
	lines, errs := lex(src)
	f := &File{}
	stack := []*block{{header: -1, body: 0, stmts: &f.Stmts}}

	for _, ln := range lines {
		st, err := parseLine(ln)
		if err != nil {
			errs = append(errs, err)
		}

		for len(stack) > 1 && stack[len(stack)-1].header >= ln.indent {
			stack = stack[:len(stack)-1]
		}
		top := stack[len(stack)-1]
		pos := ln.toks[0].pos

		switch {
		case top.body < 0:
			top.body = ln.indent
		case ln.indent > top.body:
			errs.add(SyntaxError, pos, "unexpected indent")
			continue
		case ln.indent < top.body:
			errs.add(SyntaxError, pos, "unindent does not match any enclosing label")
			continue
		}

		if st == nil {
			// keep the scope of a broken block header so its body is not
			// reported a second time
			if kw := ln.toks[0].text; strings.EqualFold(kw, "LABEL") || strings.EqualFold(kw, "LOOP") {
				stack = append(stack, &block{header: ln.indent, body: -1, stmts: new([]*Stmt)})
			}
			continue
		}

		*top.stmts = append(*top.stmts, st)
		if st.IsBlock() {
			stack = append(stack, &block{header: ln.indent, body: -1, stmts: &st.Body})
		}
	}

	if err := errs.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

// lineParser consumes the tokens of one line
type lineParser struct {
	toks []token
	i    int
	last token
}

func (p *lineParser) errorf(pos program.Pos, format string, args ...any) *Error {
	return &Error{Kind: SyntaxError, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// here is the position of the next token, or the end of the line
func (p *lineParser) here() program.Pos {
	if p.i < len(p.toks) {
		return p.toks[p.i].pos
	}
	return p.last.end()
}

func (p *lineParser) found() string {
	if p.i < len(p.toks) {
		return fmt.Sprintf("%q", p.toks[p.i].text)
	}
	return "end of line"
}

func (p *lineParser) more() bool { return p.i < len(p.toks) }

func (p *lineParser) next() token {
	t := p.toks[p.i]
	p.i++
	return t
}

func (p *lineParser) expect(kind tokenKind, what string) (token, *Error) {
	if !p.more() || p.toks[p.i].kind != kind {
		return token{}, p.errorf(p.here(), "expected %s, found %s", what, p.found())
	}
	return p.next(), nil
}

// accept consumes the next token if it has the given kind
func (p *lineParser) accept(kind tokenKind) bool {
	if p.more() && p.toks[p.i].kind == kind {
		p.i++
		return true
	}
	return false
}

func (p *lineParser) end() *Error {
	if p.more() {
		return p.errorf(p.here(), "unexpected %s at end of statement", p.found())
	}
	return nil
}

func (p *lineParser) uint(what string, max uint64) (uint64, token, *Error) {
	t, err := p.expect(tokWord, what)
	if err != nil {
		return 0, t, err
	}
	n, perr := strconv.ParseUint(t.text, 10, 64)
	if perr != nil {
		return 0, t, p.errorf(t.pos, "malformed %s %q", what, t.text)
	}
	if n > max {
		return 0, t, p.errorf(t.pos, "%s %d out of range 0-%d", what, n, max)
	}
	return n, t, nil
}

func (p *lineParser) ident(what string) (token, *Error) {
	t, err := p.expect(tokWord, what)
	if err != nil {
		return t, err
	}
	if !isIdent(t.text) {
		return t, p.errorf(t.pos, "malformed %s %q", what, t.text)
	}
	return t, nil
}

func isIdent(s string) bool {
	if s == "" || s[0] >= '0' && s[0] <= '9' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isWordStart(s[i]) {
			return false
		}
	}
	return true
}

func parseLine(ln line) (*Stmt, *Error) {
	p := &lineParser{toks: ln.toks, last: ln.toks[len(ln.toks)-1]}
	kw := p.next()
	st := &Stmt{Pos: kw.pos}

	var err *Error
	switch strings.ToUpper(kw.text) {
	case "SETBPM":
		err = p.setTempo(st)
	case "LABEL":
		err = p.label(st)
	case "LOOP":
		err = p.loop(st)
	case "PLAY":
		err = p.play(st)
	case "SEND":
		err = p.send(st)
	case "WAIT":
		err = p.wait(st)
	case "JUMP":
		err = p.jump(st)
	default:
		return nil, p.errorf(kw.pos, "unknown keyword %q", kw.text)
	}
	if err == nil {
		err = p.end()
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// SETBPM <bpm>, <ticksPerBeat>
func (p *lineParser) setTempo(st *Stmt) *Error {
	bpm, t, err := p.uint("bpm", math.MaxUint16)
	if err != nil {
		return err
	}
	if bpm == 0 {
		return p.errorf(t.pos, "bpm must be non-zero")
	}
	if _, err := p.expect(tokComma, "','"); err != nil {
		return err
	}
	tpb, t, err := p.uint("ticks per beat", math.MaxUint16)
	if err != nil {
		return err
	}
	if tpb == 0 {
		return p.errorf(t.pos, "ticks per beat must be non-zero")
	}
	st.Instr = program.Instruction{Op: program.OpSetTempo, BPM: uint16(bpm), TicksPerBeat: uint16(tpb)}
	return nil
}

// LABEL <name>:
func (p *lineParser) label(st *Stmt) *Error {
	t, err := p.ident("label name")
	if err != nil {
		return err
	}
	if _, err := p.expect(tokColon, "':'"); err != nil {
		return err
	}
	st.Label = t.text
	return nil
}

// LOOP [<count>]:
func (p *lineParser) loop(st *Stmt) *Error {
	st.Loop = true
	if p.more() && p.toks[p.i].kind == tokWord {
		n, t, err := p.uint("loop count", math.MaxUint32)
		if err != nil {
			return err
		}
		if n == 0 {
			return p.errorf(t.pos, "loop count must be at least 1")
		}
		st.Count = uint32(n)
	}
	_, err := p.expect(tokColon, "':'")
	return err
}

// PLAY <chord>[, <chord>...] [FOR <n> [unit]] [VEL = <v>] [CH = <channel>] [OUTPUT = <name>]
func (p *lineParser) play(st *Stmt) *Error {
	pl := &Play{Velocity: defaultPlayVelocity, Amount: 1, Unit: program.Beats}
	for {
		t, err := p.expect(tokWord, "chord")
		if err != nil {
			return err
		}
		notes, cerr := ParseChord(t.text)
		if cerr != nil {
			return p.errorf(t.pos, "%v", cerr)
		}
		pl.Notes = append(pl.Notes, notes...)
		if !p.accept(tokComma) {
			break
		}
	}

	seen := make(map[string]bool)
	for p.more() {
		kw, err := p.expect(tokWord, "FOR, VEL, CH or OUTPUT")
		if err != nil {
			return err
		}
		name := strings.ToUpper(kw.text)
		if seen[name] {
			return p.errorf(kw.pos, "duplicate %s setting", name)
		}
		seen[name] = true

		switch name {
		case "FOR":
			n, _, err := p.uint("duration", math.MaxInt64)
			if err != nil {
				return err
			}
			pl.Amount, pl.Unit = n, program.Ticks
			if p.more() {
				if u, ok := waitUnits[strings.ToLower(p.toks[p.i].text)]; ok && p.toks[p.i].kind == tokWord {
					pl.Unit = u
					p.i++
				}
			}
		case "VEL":
			if _, err := p.expect(tokEquals, "'='"); err != nil {
				return err
			}
			v, _, err := p.uint("velocity", 127)
			if err != nil {
				return err
			}
			pl.Velocity = uint8(v)
		case "CH":
			if _, err := p.expect(tokEquals, "'='"); err != nil {
				return err
			}
			ch, err := p.expect(tokWord, "channel")
			if err != nil {
				return err
			}
			c, cerr := parseChannel(ch.text)
			if cerr != nil {
				return p.errorf(ch.pos, "%v", cerr)
			}
			pl.Channel = c
		case "OUTPUT":
			if _, err := p.expect(tokEquals, "'='"); err != nil {
				return err
			}
			out, err := p.ident("output name")
			if err != nil {
				return err
			}
			pl.Output = out.text
		default:
			return p.errorf(kw.pos, "unknown PLAY setting %q", kw.text)
		}
	}
	st.Play = pl
	return nil
}

// SEND NOTEON|NOTEOFF <channel>, <pitch>, <velocity>[, OUTPUT = <name>]
func (p *lineParser) send(st *Stmt) *Error {
	kind, err := p.expect(tokWord, "NOTEON or NOTEOFF")
	if err != nil {
		return err
	}
	in := program.Instruction{Op: program.OpSend}
	switch strings.ToUpper(kind.text) {
	case "NOTEON":
		in.NoteOn = true
	case "NOTEOFF":
	default:
		return p.errorf(kind.pos, "unknown message %q, expected NOTEON or NOTEOFF", kind.text)
	}

	ch, err := p.expect(tokWord, "channel")
	if err != nil {
		return err
	}
	channel, cerr := parseChannel(ch.text)
	if cerr != nil {
		return p.errorf(ch.pos, "%v", cerr)
	}
	in.Channel = channel

	if _, err := p.expect(tokComma, "','"); err != nil {
		return err
	}
	pt, err := p.expect(tokWord, "pitch")
	if err != nil {
		return err
	}
	pitch, perr := ParsePitch(pt.text)
	if perr != nil {
		return p.errorf(pt.pos, "%v", perr)
	}
	in.Pitch = pitch

	if _, err := p.expect(tokComma, "','"); err != nil {
		return err
	}
	vel, _, err := p.uint("velocity", 127)
	if err != nil {
		return err
	}
	in.Velocity = uint8(vel)

	if p.accept(tokComma) {
		kw, err := p.expect(tokWord, "OUTPUT")
		if err != nil {
			return err
		}
		if !strings.EqualFold(kw.text, "OUTPUT") {
			return p.errorf(kw.pos, "expected OUTPUT, found %q", kw.text)
		}
		if _, err := p.expect(tokEquals, "'='"); err != nil {
			return err
		}
		name, err := p.ident("output name")
		if err != nil {
			return err
		}
		in.Output = name.text
	}

	st.Instr = in
	return nil
}

// parseChannel accepts 1-16, or 0-15 with an "r" suffix for raw channels
func parseChannel(s string) (uint8, error) {
	raw := strings.HasSuffix(s, "r") || strings.HasSuffix(s, "R")
	digits := s
	if raw {
		digits = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(digits, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("malformed channel %q", s)
	}
	if raw {
		if n > 15 {
			return 0, fmt.Errorf("raw channel %d out of range 0-15", n)
		}
		return uint8(n), nil
	}
	if n < 1 || n > 16 {
		return 0, fmt.Errorf("channel %d out of range 1-16", n)
	}
	return uint8(n - 1), nil
}

var waitUnits = map[string]program.WaitUnit{
	"ticks": program.Ticks, "tick": program.Ticks, "t": program.Ticks,
	"beats": program.Beats, "beat": program.Beats, "b": program.Beats,
	"s": program.Seconds, "ms": program.Millis, "us": program.Micros,
}

// WAIT <n> [ticks|beats|s|ms|us]
func (p *lineParser) wait(st *Stmt) *Error {
	n, _, err := p.uint("wait amount", math.MaxInt64)
	if err != nil {
		return err
	}
	in := program.Instruction{Op: program.OpWait, Amount: n, Unit: program.Ticks}
	if p.more() {
		t := p.next()
		u, ok := waitUnits[strings.ToLower(t.text)]
		if t.kind != tokWord || !ok {
			return p.errorf(t.pos, "unknown wait unit %q", t.text)
		}
		in.Unit = u
	}
	st.Instr = in
	return nil
}

// JUMP <label> [<count>]
func (p *lineParser) jump(st *Stmt) *Error {
	t, err := p.ident("label name")
	if err != nil {
		return err
	}
	in := program.Instruction{Op: program.OpJump, Label: t.text}
	if p.more() {
		n, ct, err := p.uint("jump count", math.MaxUint32)
		if err != nil {
			return err
		}
		if n == 0 {
			return p.errorf(ct.pos, "jump count must be at least 1")
		}
		in.Bounded = true
		in.Bound = uint32(n)
	}
	st.Instr = in
	return nil
}
