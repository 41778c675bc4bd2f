// Package events provides a type-keyed publish/subscribe primitive used by
// the protocol engines to notify observers of lifecycle milestones.
package events

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/ivxp-foundation/ivxp/logger"
)

// Handler receives the payload published for an event.
type Handler func(payload interface{})

// Emitter maps event names to ordered handler lists. Registration is
// copy-on-write: Emit snapshots the list without holding the lock during
// dispatch, so handlers may register or remove listeners freely.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	log      logger.Logger
}

type registration struct {
	fn    Handler
	id    uintptr
	async bool
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithLogger sets the supervisory log sink for recovered handler panics.
func WithLogger(log logger.Logger) Option {
	return func(e *Emitter) {
		e.log = log
	}
}

// New creates an empty emitter.
func New(opts ...Option) *Emitter {
	e := &Emitter{
		handlers: make(map[string][]registration),
		log:      logger.Noop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// On appends a handler to the event's list. The existing list is never
// mutated in place; concurrent Emit calls observe either the old or the new
// list, never a partial one.
func (e *Emitter) On(event string, h Handler) {
	e.add(event, h, false)
}

// OnAsync registers a handler that runs in its own goroutine per emission.
// Failures are recovered and logged; the emitting caller is never blocked or
// affected.
func (e *Emitter) OnAsync(event string, h Handler) {
	e.add(event, h, true)
}

func (e *Emitter) add(event string, h Handler, async bool) {
	if h == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	existing := e.handlers[event]
	next := make([]registration, len(existing), len(existing)+1)
	copy(next, existing)
	next = append(next, registration{fn: h, id: handlerID(h), async: async})
	e.handlers[event] = next
}

// Off removes the first handler registered for event that has the same
// function identity as h. Removing the last handler deletes the event entry.
func (e *Emitter) Off(event string, h Handler) {
	if h == nil {
		return
	}
	id := handlerID(h)

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok := e.handlers[event]
	if !ok {
		return
	}
	for i, reg := range existing {
		if reg.id == id {
			next := make([]registration, 0, len(existing)-1)
			next = append(next, existing[:i]...)
			next = append(next, existing[i+1:]...)
			if len(next) == 0 {
				delete(e.handlers, event)
			} else {
				e.handlers[event] = next
			}
			return
		}
	}
}

// Emit invokes every handler registered for event synchronously, in
// registration order. Each invocation runs in its own failure boundary: a
// panicking handler is logged and does not prevent later handlers from
// running, nor does it propagate to the caller. Handlers registered with
// OnAsync are spawned as detached goroutines instead.
func (e *Emitter) Emit(event string, payload interface{}) {
	e.mu.RLock()
	regs := e.handlers[event]
	e.mu.RUnlock()

	for _, reg := range regs {
		if reg.async {
			go e.invoke(event, reg.fn, payload)
			continue
		}
		e.invoke(event, reg.fn, payload)
	}
}

func (e *Emitter) invoke(event string, h Handler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event handler panicked",
				"event", event,
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()
	h(payload)
}

// RemoveAllListeners clears the handlers for the named events, or the entire
// registry when no event is given.
func (e *Emitter) RemoveAllListeners(events ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(events) == 0 {
		e.handlers = make(map[string][]registration)
		return
	}
	for _, ev := range events {
		delete(e.handlers, ev)
	}
}

// ListenerCount returns the number of handlers registered for event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}

// handlerID derives a comparable identity for a handler function. Distinct
// closures get distinct identities; the same function value compares equal.
func handlerID(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}
