package songlang

import (
	"fmt"
	"sort"

	"go-songvm/program"
)

// Kind classifies a compile error
type Kind uint8

const (
	SyntaxError Kind = iota + 1
	LinkError
)

func (k Kind) String() string {
	switch k {
	case SyntaxError:
		return "syntax"
	case LinkError:
		return "link"
	}
	return "compile"
}

// Error is a compile error at a source position
type Error struct {
	Kind Kind
	Pos  program.Pos
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %s", e.Pos, e.Kind, e.Msg)
}

// maxErrors caps how many errors one compile reports
const maxErrors = 10

// ErrorList is the error returned by Parse, Link and Compile. It is sorted
// by position and never empty when returned as an error.
type ErrorList []*Error

func (l *ErrorList) add(kind Kind, pos program.Pos, format string, args ...any) {
	*l = append(*l, &Error{Kind: kind, Pos: pos, Msg: fmt.Sprintf(format, args...)})
}

func (l ErrorList) Len() int      { return len(l) }
func (l ErrorList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }
func (l ErrorList) Less(i, j int) bool {
	a, b := l[i].Pos, l[j].Pos
	if a.Line != b.Line {
		return a.Line < b.Line
	}
	return a.Col < b.Col
}

// Err returns nil for an empty list, otherwise the sorted list capped at
// maxErrors entries
func (l ErrorList) Err() error {
	if len(l) == 0 {
		return nil
	}
	sort.Stable(l)
	if len(l) > maxErrors {
		l = l[:maxErrors]
	}
	return l
}

func (l ErrorList) Error() string {
	switch len(l) {
	case 0:
		return "no errors"
	case 1:
		return l[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", l[0], len(l)-1)
}

// Unwrap exposes the individual errors to errors.As
func (l ErrorList) Unwrap() []error {
	errs := make([]error, len(l))
	for i, e := range l {
		errs[i] = e
	}
	return errs
}

// Has reports whether any error in the list is of kind k
func (l ErrorList) Has(k Kind) bool {
	for _, e := range l {
		if e.Kind == k {
			return true
		}
	}
	return false
}
