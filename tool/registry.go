package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler executes a tool with its schema-decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// InvocationError marks failures that happen before the handler runs:
// unknown tool name or undecodable arguments.
type InvocationError struct {
	Tool string
	Err  error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("tool %q: %v", e.Tool, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

var ErrUnknownTool = fmt.Errorf("tool is not registered")

type registration struct {
	definition Tool
	handler    Handler
}

// Registry maps tool names to their schema and handler. Safe for concurrent
// use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]registration)}
}

// Register adds a tool under its definition name. Duplicate names and nil
// handlers are rejected.
func (r *Registry) Register(def Tool, h Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition is missing a name")
	}
	if h == nil {
		return fmt.Errorf("tool %q: handler must not be nil", def.Name)
	}
	if def.Type == "" {
		def.Type = "function"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("tool %q is already registered", def.Name)
	}
	r.byName[def.Name] = registration{definition: def, handler: h}
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; !exists {
		return fmt.Errorf("tool %q: %w", name, ErrUnknownTool)
	}
	delete(r.byName, name)
	return nil
}

// Get returns the registered definition for a name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	return reg.definition, ok
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns all registered tool definitions, ordered by name.
func (r *Registry) Definitions() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Tool, 0, len(r.byName))
	for _, reg := range r.byName {
		defs = append(defs, reg.definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Invoke parses rawArguments as JSON and runs the named tool. An unregistered
// name or undecodable arguments yield an *InvocationError. Handler errors
// never propagate: they are converted into an error-payload Result so a
// failing tool cannot abort the relay.
func (r *Registry) Invoke(ctx context.Context, name, rawArguments string) (Result, error) {
	r.mu.RLock()
	reg, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, &InvocationError{Tool: name, Err: ErrUnknownTool}
	}

	args := map[string]any{}
	if rawArguments != "" {
		if err := json.Unmarshal([]byte(rawArguments), &args); err != nil {
			return Result{}, &InvocationError{Tool: name, Err: fmt.Errorf("invalid arguments: %w", err)}
		}
	}

	res, err := invoke(ctx, reg.handler, args)
	if err != nil {
		return Error(err), nil
	}
	return res, nil
}

func invoke(ctx context.Context, h Handler, args map[string]any) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool handler panicked: %v", rec)
		}
	}()
	return h(ctx, args)
}
