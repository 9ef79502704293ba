package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	songmidi "go-songvm/midi"
	"go-songvm/songlang"
	"go-songvm/vm"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	defer midi.CloseDriver()

	switch os.Args[1] {
	case "list":
		listPorts()
	case "note":
		if len(os.Args) < 3 {
			usage()
			return
		}
		pitch := "c4"
		if len(os.Args) > 3 {
			pitch = os.Args[3]
		}
		testNote(os.Args[2], pitch)
	case "scale":
		if len(os.Args) < 3 {
			usage()
			return
		}
		testScale(os.Args[2])
	case "poll":
		pollPorts()
	default:
		usage()
	}
}

func usage() {
	fmt.Println("MIDI Test Scripts")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  list                - List all MIDI ports")
	fmt.Println("  note <port> [pitch] - Send one note to a port")
	fmt.Println("  scale <port>        - Play a short program through the VM")
	fmt.Println("  poll                - Poll for port changes")
}

func listPorts() {
	fmt.Println("=== MIDI Input Ports ===")
	fmt.Println("(waiting up to 3 seconds...)")

	type result struct {
		ins  []drivers.In
		outs []drivers.Out
	}
	ch := make(chan result, 1)
	go func() {
		ins := midi.GetInPorts()
		outs := midi.GetOutPorts()
		ch <- result{ins: ins, outs: outs}
	}()

	select {
	case r := <-ch:
		for i, p := range r.ins {
			fmt.Printf("  %d: %s\n", i, p.String())
		}
		fmt.Println("\n=== MIDI Output Ports ===")
		for i, p := range r.outs {
			fmt.Printf("  %d: %s\n", i, p.String())
		}
	case <-time.After(3 * time.Second):
		fmt.Println("\nTIMEOUT! CoreMIDI is hung.")
		fmt.Println("Fix: sudo killall coreaudiod midiserver")
	}
}

func testNote(port, pitch string) {
	note, err := songlang.ParsePitch(pitch)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	sink := songmidi.NewPorts().Sink(port)
	fmt.Printf("Sending %s (%d) to %s\n", pitch, note, port)

	on := songmidi.Event{Type: songmidi.NoteOn, Note: note, Velocity: 100}
	if err := sink.Send(on); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	time.Sleep(500 * time.Millisecond)

	off := on
	off.Type = songmidi.NoteOff
	off.Velocity = 0
	if err := sink.Send(off); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}

const scale = `SETBPM 120, 4
LABEL up
    SEND NOTEON 1, c4, 100
    WAIT 1 t
    SEND NOTEOFF 1, c4, 0
    SEND NOTEON 1, e4, 100
    WAIT 1 t
    SEND NOTEOFF 1, e4, 0
    SEND NOTEON 1, g4, 100
    WAIT 1 t
    SEND NOTEOFF 1, g4, 0
    JUMP up 2
`

func testScale(port string) {
	prog, err := songlang.Compile(scale)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	router := songmidi.NewRouter(songmidi.NewPorts().Sink(port))
	res := vm.Run(ctx, prog, router)
	fmt.Printf("%s: %d notes sent, %d skipped in %v\n", res.State, res.Emitted, res.Skipped, res.Elapsed)
	for _, err := range res.RuntimeErrors() {
		fmt.Printf("  %v\n", err)
	}
}

func pollPorts() {
	fmt.Println("Polling for port changes (Ctrl-C to stop)...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ports := songmidi.NewPorts()
	go ports.Run(ctx)
	for ev := range ports.Events() {
		fmt.Printf("  %s %s\n", ev.Type, ev.Name)
	}
}
