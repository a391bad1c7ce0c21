package transport

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler receives the raw JSON payload of one event delivery.
type Handler func(data json.RawMessage)

type registration struct {
	id   int
	fn   Handler
	once bool
}

// Emitter is a per-event handler registry. Handlers are invoked in registration
// order; a panicking handler is isolated so it cannot break the others.
type Emitter struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string][]registration
}

// NewEmitter creates an empty registry.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string][]registration)}
}

// On registers a handler and returns a cancel func that removes exactly that
// registration. Cancelling twice is harmless.
func (e *Emitter) On(event string, h Handler) (cancel func()) {
	return e.add(event, h, false)
}

// Once registers a handler that removes itself before its first invocation.
func (e *Emitter) Once(event string, h Handler) (cancel func()) {
	return e.add(event, h, true)
}

func (e *Emitter) add(event string, h Handler, once bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.handlers[event] = append(e.handlers[event], registration{id: id, fn: h, once: once})

	return func() { e.remove(event, id) }
}

func (e *Emitter) remove(event string, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	regs := e.handlers[event]
	for i, r := range regs {
		if r.id == id {
			e.handlers[event] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Off removes every handler registered for the event.
func (e *Emitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// RemoveAll clears the whole registry.
func (e *Emitter) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[string][]registration)
}

// Emit delivers data to every handler currently registered for the event.
// One-shot handlers are unregistered before they run, so a handler that
// re-emits the same event cannot fire itself twice.
func (e *Emitter) Emit(event string, data json.RawMessage) {
	e.mu.Lock()
	regs := e.handlers[event]
	snapshot := make([]registration, len(regs))
	copy(snapshot, regs)

	if len(regs) > 0 {
		kept := regs[:0]
		for _, r := range regs {
			if !r.once {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(e.handlers, event)
		} else {
			e.handlers[event] = kept
		}
	}
	e.mu.Unlock()

	for _, r := range snapshot {
		invoke(event, r.fn, data)
	}
}

func invoke(event string, h Handler, data json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("event", event).
				Interface("panic", rec).
				Msg("event handler panicked")
		}
	}()
	h(data)
}
