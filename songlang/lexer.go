package songlang

import (
	"strings"

	"go-songvm/program"
)

type tokenKind uint8

const (
	tokWord tokenKind = iota
	tokComma
	tokColon
	tokEquals
)

func (k tokenKind) String() string {
	switch k {
	case tokComma:
		return "','"
	case tokColon:
		return "':'"
	case tokEquals:
		return "'='"
	}
	return "word"
}

type token struct {
	kind tokenKind
	text string
	pos  program.Pos
}

// end is the position just past the token
func (t token) end() program.Pos {
	return program.Pos{Line: t.pos.Line, Col: t.pos.Col + len(t.text)}
}

// line is one source line holding at least one token
type line struct {
	num    int
	indent int
	toks   []token
}

const tabWidth = 4

func isWordStart(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isWordByte(c byte) bool {
	return isWordStart(c) || c == '#' || c == '-'
}

// lex splits src into token lines. Blank and comment-only lines are dropped.
func lex(src string) ([]line, ErrorList) {
	var (
		lines     []line
		errs      ErrorList
		inBlock   bool
		blockOpen program.Pos
	)

	for n, text := range strings.Split(src, "\n") {
		text = strings.TrimSuffix(text, "\r")
		ln := line{num: n + 1, indent: -1}
		width := 0
		i := 0

	scan:
		for i < len(text) {
			if inBlock {
				end := strings.Index(text[i:], "*/")
				if end < 0 {
					break scan
				}
				for _, c := range text[i : i+end+2] {
					width = advance(width, c)
				}
				i += end + 2
				inBlock = false
				continue
			}

			c := text[i]
			switch {
			case c == ' ' || c == '\t':
				width = advance(width, rune(c))
				i++
				continue
			case strings.HasPrefix(text[i:], "/*"):
				inBlock = true
				blockOpen = program.Pos{Line: n + 1, Col: i + 1}
				width += 2
				i += 2
				continue
			case strings.HasPrefix(text[i:], "//") || c == '#':
				break scan
			}

			if ln.indent < 0 {
				ln.indent = width
			}
			pos := program.Pos{Line: n + 1, Col: i + 1}

			switch {
			case c == ',':
				ln.toks = append(ln.toks, token{kind: tokComma, text: ",", pos: pos})
				i++
			case c == ':':
				ln.toks = append(ln.toks, token{kind: tokColon, text: ":", pos: pos})
				i++
			case c == '=':
				ln.toks = append(ln.toks, token{kind: tokEquals, text: "=", pos: pos})
				i++
			case isWordStart(c):
				j := i + 1
				for j < len(text) && isWordByte(text[j]) {
					j++
				}
				ln.toks = append(ln.toks, token{kind: tokWord, text: text[i:j], pos: pos})
				i = j
			default:
				errs.add(SyntaxError, pos, "unexpected character %q", c)
				ln.toks = nil
				break scan
			}
		}

		if len(ln.toks) > 0 {
			lines = append(lines, ln)
		}
	}

	if inBlock {
		errs.add(SyntaxError, blockOpen, "unterminated block comment")
	}
	return lines, errs
}

func advance(width int, c rune) int {
	if c == '\t' {
		return (width/tabWidth + 1) * tabWidth
	}
	return width + 1
}
