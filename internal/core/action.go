// Package core defines the domain models for deterministic task execution.
package core

import (
	"fmt"
	"sort"
	"sync"
)

// ActionKind discriminates the two action shapes spec.md §3 calls out for
// a task's action list: a shell command string, or a registered Go
// function.
type ActionKind string

const (
	ActionShell ActionKind = "shell"
	ActionFunc  ActionKind = "func"
)

// Action is one step of a task's ordered action list (spec.md §3:
// "actions (ordered list; each either a shell-command string or a
// callable)"). §4.5 requires runTask to execute each action in order.
type Action struct {
	Kind ActionKind

	// Command is the shell command interpreted via "sh -c" for an
	// ActionShell step.
	Command string

	// Func is a directly-held callable for an ActionFunc step declared
	// by a local workflow. It never crosses a process boundary.
	Func Func

	// FuncName names a Func registered in a Registry (Default unless a
	// caller supplies its own), resolved when Func is nil — this is how
	// an ActionFunc step survives the grid/subprocess transport, which
	// can't serialize a closure.
	FuncName string

	// Kwargs are formatting args passed to the Func/command.
	Kwargs map[string]string
}

// Func is the signature a task action callable must satisfy — the
// Go-native equivalent of anadama2's `fn(task)` callable action.
type Func func(task Task) error

// Registry maps a stable name to a Func, so an Action can reference a
// function by name instead of attempting to serialize it.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Func
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Func)}
}

// Register binds name to fn. Registering the same name twice is a
// programmer error (it would make remote dispatch ambiguous depending on
// init order), so it returns an error rather than silently overwriting.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("core: registry: empty function name")
	}
	if fn == nil {
		return fmt.Errorf("core: registry: nil function for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.fns[name]; dup {
		return fmt.Errorf("core: registry: %q already registered", name)
	}
	r.fns[name] = fn
	return nil
}

// MustRegister panics on error; used from package init() blocks where a
// duplicate/empty registration is a build-time bug, not a runtime one.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup resolves a registered Func by name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// Default is the process-wide registry a binary's init() functions
// register against, mirroring anadama2's module-level function lookup
// but explicit and typed rather than stack-inspected.
var Default = NewRegistry()

// Noop is a registered ActionFunc that does nothing and never fails,
// the Go equivalent of anadama2.util.noop — used to give a task with no
// real work (e.g. a hidden pre-existing-dependency marker) a non-empty
// Actions list without anything to execute.
func Noop(Task) error { return nil }

func init() {
	Default.MustRegister("core.noop", Noop)
}

// ActionsSignature canonicalizes task's ordered actions into a single
// deterministic string for hash/definition purposes: each action
// contributes its kind, command, func name, and sorted kwargs, joined so
// that two tasks with the same ordered actions always hash identically
// regardless of map iteration order.
func ActionsSignature(actions []Action) string {
	if len(actions) == 0 {
		return ""
	}
	var b []byte
	for i, a := range actions {
		if i > 0 {
			b = append(b, '\x1e') // record separator
		}
		b = append(b, []byte(string(a.Kind))...)
		b = append(b, '\x1f')
		b = append(b, []byte(a.Command)...)
		b = append(b, '\x1f')
		b = append(b, []byte(a.FuncName)...)
		keys := make([]string, 0, len(a.Kwargs))
		for k := range a.Kwargs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b = append(b, '\x1f')
			b = append(b, []byte(k)...)
			b = append(b, '=')
			b = append(b, []byte(a.Kwargs[k])...)
		}
	}
	return string(b)
}
