package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	gomidi "gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // Register MIDI driver
	"go.uber.org/zap"

	"go-songvm/clock"
	"go-songvm/config"
	"go-songvm/debug"
	"go-songvm/midi"
	"go-songvm/program"
	"go-songvm/songlang"
	"go-songvm/theme"
	"go-songvm/vm"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "play":
		err = cmdPlay(os.Args[2:])
	case "check":
		err = cmdCheck(os.Args[2:])
	case "dump":
		err = cmdDump(os.Args[2:])
	case "render":
		err = cmdRender(os.Args[2:])
	case "ports":
		err = cmdPorts(os.Args[2:])
	case "bind":
		err = cmdBind(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", theme.New(nil).Error("error:"), describe(err))
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("songvm - run timed MIDI sequence programs")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  play <file>...    - Play programs together on MIDI outputs until they halt or Ctrl-C")
	fmt.Println("  check <file>      - Compile a program and report errors")
	fmt.Println("  dump <file>       - Print the linked instruction listing")
	fmt.Println("  render <file>...  - Render programs offline to a Standard MIDI File")
	fmt.Println("  ports             - List MIDI output ports")
	fmt.Println("  bind [name port]  - List or save output bindings in the config")
	fmt.Println("")
	fmt.Println("Run 'songvm <command> -h' for command flags.")
}

// describe prefers the user-facing message attached with fmsg.WithDesc
func describe(err error) string {
	if issue := fmsg.GetIssue(err); issue != "" {
		return issue
	}
	return err.Error()
}

// env is what every command needs after flag parsing
type env struct {
	cfg   *config.Config
	theme *theme.Theme
}

func setup(cfgPath string, debugLog bool) (*env, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgPath != "" {
		cfg, err = config.LoadFile(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fault.Wrap(err, fmsg.WithDesc("load config", "Could not read the config file"))
	}

	if debugLog || cfg.Log.Debug {
		if err := debug.Enable(cfg.Log.Path); err != nil {
			return nil, fault.Wrap(err, fmsg.With("enable debug log"))
		}
	}

	th := theme.New(nil)
	if cfg.UI.NoColor {
		th = theme.Plain()
	} else if cfg.UI.Palette != "" {
		p, err := theme.LoadGPL(cfg.UI.Palette)
		if err != nil {
			return nil, fault.Wrap(err, fmsg.WithDesc("load palette", "Could not read palette "+cfg.UI.Palette))
		}
		th = theme.New(p)
	}
	return &env{cfg: cfg, theme: th}, nil
}

// tempo returns the configured fallback tempo
func (e *env) tempo() clock.Tempo {
	t := clock.Tempo{BPM: e.cfg.Tempo.BPM, TicksPerBeat: e.cfg.Tempo.TicksPerBeat}
	if !t.Valid() {
		return clock.DefaultTempo
	}
	return t
}

// bindFlag collects repeated -bind name=port flags
type bindFlag []config.OutputConfig

func (b *bindFlag) String() string {
	parts := make([]string, len(*b))
	for i, o := range *b {
		parts[i] = o.Name + "=" + o.PortName
	}
	return strings.Join(parts, ",")
}

func (b *bindFlag) Set(s string) error {
	name, port, ok := strings.Cut(s, "=")
	if !ok || name == "" || port == "" {
		return fmt.Errorf("want name=port, got %q", s)
	}
	*b = append(*b, config.OutputConfig{Name: name, PortName: port})
	return nil
}

func cmdPlay(args []string) error {
	fs := flag.NewFlagSet("play", flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file (default ~/.config/go-songvm/config.json)")
	port := fs.String("port", "", "MIDI port for the default output")
	debugLog := fs.Bool("debug", false, "write a debug log")
	verbose := fs.Bool("v", false, "log to stderr instead of the debug log")
	var binds bindFlag
	fs.Var(&binds, "bind", "bind a named output to a port: name=port (repeatable)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return errors.New("usage: songvm play [flags] <file>...")
	}

	e, err := setup(*cfgPath, *debugLog)
	if err != nil {
		return err
	}
	defer debug.Disable()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return fault.Wrap(err, fmsg.With("build logger"))
		}
		debug.SetLogger(l)
	}

	progs, err := compileFiles(e.theme, fs.Args())
	if err != nil {
		return err
	}

	defPort := *port
	if defPort == "" {
		defPort = e.cfg.DefaultPort
	}
	if defPort == "" {
		return fault.New("no default port", fmsg.WithDesc("no default port",
			"No default output port: pass -port or set defaultPort in the config (see 'songvm ports')"))
	}

	defer gomidi.CloseDriver()
	ports := midi.NewPorts()
	router := midi.NewRouter(ports.Sink(defPort))
	for _, o := range e.cfg.Outputs {
		router.Bind(o.Name, ports.Sink(o.PortName))
	}
	for _, o := range binds {
		router.Bind(o.Name, ports.Sink(o.PortName))
	}
	var used []string
	for _, prog := range progs {
		used = append(used, prog.Outputs()...)
	}
	for _, name := range router.Missing(used) {
		fmt.Fprintf(os.Stderr, "%s output %q is not bound; its notes will be skipped\n", e.theme.Warning("warning:"), name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go ports.Run(ctx)
	go func() {
		for ev := range ports.Events() {
			debug.Log("ports", "%s: %s", ev.Type, ev.Name)
		}
	}()

	fmt.Printf("playing %s on %q (Ctrl-C to stop)\n", strings.Join(fs.Args(), ", "), defPort)
	results := vm.RunTracks(ctx, progs, router, vm.WithTempo(e.tempo()), vm.WithLogger(debug.Logger()))
	for i, res := range results {
		name := ""
		if len(results) > 1 {
			name = fs.Arg(i)
		}
		printResult(e.theme, name, res)
	}

	for i, res := range results {
		if res.Fault != nil {
			return fault.Wrap(res.Fault, fmsg.WithDesc("run faulted",
				fmt.Sprintf("Playback of %s stopped on an internal error: %v", fs.Arg(i), res.Fault)))
		}
	}
	return nil
}

func cmdCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: songvm check <file>")
	}
	e, err := setup("", false)
	if err != nil {
		return err
	}

	name := fs.Arg(0)
	src, err := os.ReadFile(name)
	if err != nil {
		return fault.Wrap(err, fmsg.WithDesc("read source", "Could not read "+name))
	}
	f, err := songlang.Parse(string(src))
	if err != nil {
		return reportCompile(e.theme, name, string(src), err)
	}
	prog, err := songlang.Link(f)
	if err != nil {
		return reportCompile(e.theme, name, string(src), err)
	}

	f.Walk(func(s *songlang.Stmt, depth int) {
		switch {
		case s.IsLabel():
			l, _ := prog.Label(s.Label)
			fmt.Printf("%s%s %s\n", strings.Repeat("  ", depth), e.theme.Label(s.Label+":"),
				e.theme.Muted(fmt.Sprintf("[%d,%d)", l.Start, l.End)))
		case s.Loop:
			count := "forever"
			if s.Count > 0 {
				count = fmt.Sprintf("x%d", s.Count)
			}
			fmt.Printf("%s%s %s\n", strings.Repeat("  ", depth), e.theme.Op("LOOP"), e.theme.Muted(count))
		}
	})
	fmt.Printf("%s %s: %d instructions, %d labels, %d jump sites",
		e.theme.Success("ok"), name, prog.Len(), len(prog.Labels()), len(prog.JumpSites()))
	if outs := prog.Outputs(); len(outs) > 0 {
		fmt.Printf(", outputs: %s", strings.Join(outs, ", "))
	}
	fmt.Println()
	return nil
}

func cmdDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	plain := fs.Bool("plain", false, "disable colors")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: songvm dump [-plain] <file>")
	}
	e, err := setup("", false)
	if err != nil {
		return err
	}
	if *plain {
		e.theme = theme.Plain()
	}

	prog, err := compileFile(e.theme, fs.Arg(0))
	if err != nil {
		return err
	}
	if *plain {
		fmt.Print(prog.Listing())
	} else {
		fmt.Print(listing(e.theme, prog))
	}
	return nil
}

func cmdRender(args []string) error {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	out := fs.String("o", "", "output .mid file (default: first source name with .mid)")
	length := fs.Duration("for", 30*time.Second, "length of virtual time to render")
	resolution := fs.Uint("resolution", 960, "SMF ticks per quarter note")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return errors.New("usage: songvm render [flags] <file>...")
	}
	if *resolution == 0 || *resolution > math.MaxUint16 {
		return fmt.Errorf("resolution %d out of range 1..%d", *resolution, math.MaxUint16)
	}
	e, err := setup("", false)
	if err != nil {
		return err
	}

	progs, err := compileFiles(e.theme, fs.Args())
	if err != nil {
		return err
	}

	events, results := vm.RenderTracks(progs, *length, vm.WithTempo(e.tempo()))
	for i, res := range results {
		if res.Fault != nil {
			return fault.Wrap(res.Fault, fmsg.WithDesc("render faulted",
				fmt.Sprintf("Rendering %s stopped on an internal error: %v", fs.Arg(i), res.Fault)))
		}
	}
	rec := midi.NewRecorder()
	for _, ev := range events {
		rec.Send(ev)
	}

	path := *out
	if path == "" {
		name := fs.Arg(0)
		path = strings.TrimSuffix(name, filepath.Ext(name)) + ".mid"
	}
	f, err := os.Create(path)
	if err != nil {
		return fault.Wrap(err, fmsg.WithDesc("create output", "Could not create "+path))
	}
	defer f.Close()
	if err := rec.WriteSMF(f, uint16(*resolution)); err != nil {
		return fault.Wrap(err, fmsg.WithDesc("write smf", "Could not write "+path))
	}

	var elapsed time.Duration
	for _, res := range results {
		elapsed = max(elapsed, res.Elapsed)
	}
	fmt.Printf("%s %d events, %v of %v rendered to %s\n", e.theme.Success("wrote"), len(events), elapsed.Round(time.Millisecond), *length, path)
	for i, res := range results {
		if errors.Is(res.Errors, vm.ErrStepLimit) {
			fmt.Printf("%s %s stopped after %d instructions without reaching %v\n", e.theme.Warning("warning:"), fs.Arg(i), res.Steps, *length)
		}
	}
	return nil
}

func cmdPorts(args []string) error {
	fs := flag.NewFlagSet("ports", flag.ExitOnError)
	timeout := fs.Duration("timeout", 3*time.Second, "give up waiting for the MIDI driver after this long")
	fs.Parse(args)
	defer gomidi.CloseDriver()

	fmt.Println("=== MIDI Output Ports ===")
	names, err := midi.ListOutPorts(*timeout)
	if err != nil {
		return fault.Wrap(err, fmsg.WithDesc("list ports", "The MIDI driver did not answer. On macOS try: sudo killall coreaudiod midiserver"))
	}
	for i, n := range names {
		fmt.Printf("  %d: %s\n", i, n)
	}
	return nil
}

func cmdBind(args []string) error {
	fs := flag.NewFlagSet("bind", flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file (default ~/.config/go-songvm/config.json)")
	defPort := fs.String("default", "", "also set the default output port")
	fs.Parse(args)
	if fs.NArg() != 0 && fs.NArg() != 2 {
		return errors.New("usage: songvm bind [-config file] [-default port] [name port]")
	}
	e, err := setup(*cfgPath, false)
	if err != nil {
		return err
	}

	changed := *defPort != ""
	if changed {
		e.cfg.DefaultPort = *defPort
	}
	if fs.NArg() == 2 {
		out := config.OutputConfig{Name: fs.Arg(0), PortName: fs.Arg(1)}
		fmt.Println(describeBind(e.cfg, out))
		e.cfg.AddOutput(out)
		changed = true
	}

	if changed {
		if *cfgPath != "" {
			err = e.cfg.SaveFile(*cfgPath)
		} else {
			err = e.cfg.Save()
		}
		if err != nil {
			return fault.Wrap(err, fmsg.WithDesc("save config", "Could not write the config file"))
		}
	}

	fmt.Printf("%s %s\n", e.theme.Label("default:"), orNone(e.cfg.DefaultPort))
	for _, o := range e.cfg.Outputs {
		fmt.Printf("  %s -> %s\n", e.theme.Label(o.Name), o.PortName)
	}
	return nil
}

// describeBind says what binding out will do to cfg
func describeBind(cfg *config.Config, out config.OutputConfig) string {
	prev := cfg.FindOutput(out.Name)
	switch {
	case prev == nil:
		return fmt.Sprintf("added %s -> %s", out.Name, out.PortName)
	case prev.PortName == out.PortName:
		return fmt.Sprintf("unchanged %s -> %s", out.Name, out.PortName)
	default:
		return fmt.Sprintf("updated %s: %s -> %s", out.Name, prev.PortName, out.PortName)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// compileFiles compiles each file, stopping at the first that fails
func compileFiles(th *theme.Theme, names []string) ([]*program.Program, error) {
	progs := make([]*program.Program, 0, len(names))
	for _, name := range names {
		prog, err := compileFile(th, name)
		if err != nil {
			return nil, err
		}
		progs = append(progs, prog)
	}
	return progs, nil
}

// compileFile reads and compiles a program, printing diagnostics on failure
func compileFile(th *theme.Theme, name string) (*program.Program, error) {
	src, err := os.ReadFile(name)
	if err != nil {
		return nil, fault.Wrap(err, fmsg.WithDesc("read source", "Could not read "+name))
	}
	prog, err := songlang.Compile(string(src))
	if err != nil {
		return nil, reportCompile(th, name, string(src), err)
	}
	return prog, nil
}
