// Package emitter implements the named-event bus the realtime client hangs
// its handlers off. Handlers are either synchronous (run inline during
// Dispatch) or asynchronous (scheduled on their own goroutine so a slow
// handler never stalls delivery to the others).
package emitter

import (
	"context"
	"sync"
)

// Handler receives the payload of the event it was registered for.
type Handler func(payload any)

type registration struct {
	id      uint64
	handler Handler
	async   bool
	once    bool
}

// Emitter is a per-owner registry of named-event listeners. The zero value
// is not usable, call New.
type Emitter struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[string][]registration
}

func New() *Emitter {
	return &Emitter{handlers: make(map[string][]registration)}
}

// On registers a synchronous handler for the named event. Handlers for the
// same name fire in registration order.
func (e *Emitter) On(name string, h Handler) {
	e.register(name, h, false, false)
}

// OnAsync registers a deferred handler, scheduled fire-and-forget relative
// to the dispatcher.
func (e *Emitter) OnAsync(name string, h Handler) {
	e.register(name, h, true, false)
}

func (e *Emitter) register(name string, h Handler, async, once bool) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.handlers[name] = append(e.handlers[name], registration{id: id, handler: h, async: async, once: once})
	return id
}

func (e *Emitter) deregister(name string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	regs := e.handlers[name]
	for i, r := range regs {
		if r.id == id {
			e.handlers[name] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Dispatch invokes every handler registered for exactly this name. Wildcard
// names such as "server.*" are distinct literal names: callers that want
// them dispatch the specific name and the wildcard name separately.
func (e *Emitter) Dispatch(name string, payload any) {
	e.mu.Lock()
	regs := make([]registration, len(e.handlers[name]))
	copy(regs, e.handlers[name])
	var kept []registration
	for _, r := range e.handlers[name] {
		if !r.once {
			kept = append(kept, r)
		}
	}
	e.handlers[name] = kept
	e.mu.Unlock()

	for _, r := range regs {
		if r.async {
			go r.handler(payload)
		} else {
			r.handler(payload)
		}
	}
}

// WaitForNext suspends the caller until the next dispatch of the named event
// and returns its payload. The one-shot handler is removed after it fires or
// when ctx is cancelled.
func (e *Emitter) WaitForNext(ctx context.Context, name string) (any, error) {
	ch := make(chan any, 1)
	id := e.register(name, func(payload any) {
		select {
		case ch <- payload:
		default:
		}
	}, false, true)

	select {
	case <-ctx.Done():
		e.deregister(name, id)
		return nil, ctx.Err()
	case payload := <-ch:
		return payload, nil
	}
}

// Clear removes all registered handlers.
func (e *Emitter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[string][]registration)
}
