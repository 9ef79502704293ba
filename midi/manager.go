package midi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"go-songvm/debug"
)

// ErrPortUnavailable is returned when a bound port is not present
var ErrPortUnavailable = errors.New("midi port unavailable")

// ErrScanTimeout is returned when the driver does not answer a port scan
var ErrScanTimeout = errors.New("midi port scan timed out")

// scanLogEvery thins out repeated scan failures in the debug log
const scanLogEvery = 10

// PortEvent is emitted when an output port appears or disappears
type PortEvent struct {
	Type PortEventType
	Name string
}

type PortEventType int

const (
	PortConnected PortEventType = iota
	PortDisconnected
)

func (t PortEventType) String() string {
	if t == PortConnected {
		return "connected"
	}
	return "disconnected"
}

// Ports opens MIDI output ports by name and tracks hot-plug changes
type Ports struct {
	senders  map[string]func(gomidi.Message) error
	outs     map[string]drivers.Out
	known    map[string]bool
	mu       sync.RWMutex
	events   chan PortEvent
	pollRate time.Duration
	timeout  time.Duration
}

// NewPorts creates an empty port cache
func NewPorts() *Ports {
	return &Ports{
		senders:  make(map[string]func(gomidi.Message) error),
		outs:     make(map[string]drivers.Out),
		known:    make(map[string]bool),
		events:   make(chan PortEvent, 16),
		pollRate: time.Second,
		timeout:  3 * time.Second,
	}
}

// Events returns a channel of port connect/disconnect events
func (p *Ports) Events() <-chan PortEvent {
	return p.events
}

// Sink returns a sink writing to the named output port. The port is opened
// on first send, so it may be plugged in after the sink is bound.
func (p *Ports) Sink(portName string) Sink {
	return SinkFunc(func(ev Event) error {
		send, err := p.sender(portName)
		if err != nil {
			return err
		}
		if err := send(ev.Message()); err != nil {
			p.forget(portName)
			return fault.Wrap(err, fmsg.With(fmt.Sprintf("write to port %q", portName)))
		}
		return nil
	})
}

// sender returns a sender for the given port name, lazily opening it
func (p *Ports) sender(portName string) (func(gomidi.Message) error, error) {
	p.mu.RLock()
	if send, ok := p.senders[portName]; ok {
		p.mu.RUnlock()
		return send, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if send, ok := p.senders[portName]; ok {
		return send, nil
	}

	for _, port := range gomidi.GetOutPorts() {
		if port.String() != portName {
			continue
		}
		send, err := gomidi.SendTo(port)
		if err != nil {
			return nil, fault.Wrap(err, fmsg.With(fmt.Sprintf("open port %q", portName)), ftag.With(ftag.Internal))
		}
		p.senders[portName] = send
		p.outs[portName] = port
		debug.Log("ports", "opened %q", portName)
		return send, nil
	}
	return nil, fault.Wrap(ErrPortUnavailable, fmsg.With(fmt.Sprintf("port %q", portName)), ftag.With(ftag.NotFound))
}

func (p *Ports) forget(portName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if out, ok := p.outs[portName]; ok {
		out.Close()
	}
	delete(p.outs, portName)
	delete(p.senders, portName)
}

// Run polls the output ports until ctx is done (blocking - run in goroutine)
func (p *Ports) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollRate)
	defer ticker.Stop()

	p.scan()

	for {
		select {
		case <-ctx.Done():
			p.Close()
			close(p.events)
			return
		case <-ticker.C:
			p.scan()
		}
	}
}

func (p *Ports) scan() {
	names, err := ListOutPorts(p.timeout)
	if err != nil {
		// driver is hung - skip this scan. It stays hung for many polls.
		debug.LogEvery(scanLogEvery, "ports", "scan failed: %v", err)
		return
	}

	seen := make(map[string]bool, len(names))
	var changes []PortEvent
	for _, name := range names {
		seen[name] = true
	}

	p.mu.Lock()
	for _, name := range names {
		if !p.known[name] {
			p.known[name] = true
			changes = append(changes, PortEvent{Type: PortConnected, Name: name})
		}
	}
	for name := range p.known {
		if seen[name] {
			continue
		}
		delete(p.known, name)
		if out, ok := p.outs[name]; ok {
			out.Close()
		}
		delete(p.outs, name)
		delete(p.senders, name)
		changes = append(changes, PortEvent{Type: PortDisconnected, Name: name})
	}
	p.mu.Unlock()

	for _, ev := range changes {
		debug.Log("ports", "%s %q", ev.Type, ev.Name)
		select {
		case p.events <- ev:
		default:
		}
	}
}

// Close closes every opened port
func (p *Ports) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, out := range p.outs {
		out.Close()
	}
	p.outs = make(map[string]drivers.Out)
	p.senders = make(map[string]func(gomidi.Message) error)
}

// ListOutPorts returns the names of the available output ports. Some
// drivers can hang while enumerating, so the call gives up after timeout.
func ListOutPorts(timeout time.Duration) ([]string, error) {
	ch := make(chan []string, 1)
	go func() {
		var names []string
		for _, port := range gomidi.GetOutPorts() {
			names = append(names, port.String())
		}
		ch <- names
	}()

	select {
	case names := <-ch:
		return names, nil
	case <-time.After(timeout):
		return nil, ErrScanTimeout
	}
}
