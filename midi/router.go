package midi

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

// ErrUnknownOutput is returned when a SEND names an output with no binding
var ErrUnknownOutput = errors.New("unknown output")

// Default is the name of the always-present default output
const Default = ""

// Sink receives routed note events
type Sink interface {
	Send(ev Event) error
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(ev Event) error

func (f SinkFunc) Send(ev Event) error { return f(ev) }

// Discard drops every event
var Discard Sink = SinkFunc(func(Event) error { return nil })

// Router maps logical output names to sinks. It never buffers: Send
// forwards synchronously on the caller's goroutine.
type Router struct {
	mu    sync.RWMutex
	def   Sink
	sinks map[string]Sink
}

// NewRouter creates a router with def bound to the default output
func NewRouter(def Sink) *Router {
	if def == nil {
		def = Discard
	}
	return &Router{def: def, sinks: make(map[string]Sink)}
}

// Bind attaches s to a named output. Binding Default replaces the default sink.
func (r *Router) Bind(name string, s Sink) {
	if s == nil {
		s = Discard
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == Default {
		r.def = s
		return
	}
	r.sinks[name] = s
}

// Unbind removes a named output. The default output cannot be removed.
func (r *Router) Unbind(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, name)
}

// Resolve returns the sink bound to name
func (r *Router) Resolve(name string) (Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == Default {
		return r.def, nil
	}
	s, ok := r.sinks[name]
	if !ok {
		return nil, fault.Wrap(ErrUnknownOutput,
			fmsg.With(fmt.Sprintf("output %q", name)),
			ftag.With(ftag.NotFound),
		)
	}
	return s, nil
}

// Send routes ev to the sink bound to ev.Output
func (r *Router) Send(ev Event) error {
	s, err := r.Resolve(ev.Output)
	if err != nil {
		return err
	}
	if err := s.Send(ev); err != nil {
		return fault.Wrap(err, fmsg.With(fmt.Sprintf("send to %s", outputName(ev.Output))))
	}
	return nil
}

// Outputs returns the bound output names, sorted
func (r *Router) Outputs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Missing returns the names in want that have no binding
func (r *Router) Missing(want []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range want {
		if _, ok := r.sinks[name]; !ok && name != Default {
			out = append(out, name)
		}
	}
	return out
}

func outputName(name string) string {
	if name == Default {
		return "default output"
	}
	return fmt.Sprintf("output %q", name)
}
