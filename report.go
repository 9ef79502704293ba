package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"

	"go-songvm/program"
	"go-songvm/songlang"
	"go-songvm/theme"
	"go-songvm/vm"
)

// reportCompile prints each compile error with its source line and a caret
func reportCompile(th *theme.Theme, name, src string, err error) error {
	var list songlang.ErrorList
	if !errors.As(err, &list) {
		return err
	}
	writeDiagnostics(os.Stderr, th, name, src, list)
	return fault.Wrap(err, fmsg.WithDesc("compile", fmt.Sprintf("%s: %d compile error(s)", name, len(list))))
}

func writeDiagnostics(w io.Writer, th *theme.Theme, name, src string, list songlang.ErrorList) {
	lines := strings.Split(src, "\n")
	for _, e := range list {
		fmt.Fprintf(w, "%s:%s: %s %s\n", name, e.Pos, th.Error(e.Kind.String()+" error:"), e.Msg)
		if e.Pos.Line < 1 || e.Pos.Line > len(lines) {
			continue
		}
		text := strings.TrimRight(lines[e.Pos.Line-1], "\r")
		fmt.Fprintf(w, "    %s\n    %s%s\n", text, caretPad(text, e.Pos.Col), th.Error("^"))
	}
}

// caretPad keeps tabs so the caret lines up under the column
func caretPad(text string, col int) string {
	var b strings.Builder
	for i := 0; i < col-1 && i < len(text); i++ {
		if text[i] == '\t' {
			b.WriteByte('\t')
		} else {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// listing renders the linked program with labels and jump targets
func listing(th *theme.Theme, prog *program.Program) string {
	return prog.Format(program.Decor{Muted: th.Muted, Label: th.Label, Op: th.Op})
}

// printResult prints one line per run. name prefixes the line when several
// programs played together.
func printResult(th *theme.Theme, name string, res vm.Result) {
	state := res.State.String()
	switch res.State {
	case vm.Halted:
		state = th.Success(state)
	case vm.Cancelled:
		state = th.Warning(state)
	case vm.Faulted:
		state = th.Error(state)
	}
	if name != "" {
		fmt.Printf("%s: ", name)
	}
	fmt.Printf("%s after %d instructions, %d ticks, %v; %d notes sent, %d skipped\n",
		state, res.Steps, res.Ticks, res.Elapsed.Round(time.Millisecond), res.Emitted, res.Skipped)
	for _, err := range res.RuntimeErrors() {
		fmt.Fprintf(os.Stderr, "  %s %v\n", th.Warning("skipped:"), err)
	}
}
