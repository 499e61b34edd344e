// Package transport implements the pickled-task transport described in
// spec.md §4.8: a task's action is wrapped into a standalone invocable
// unit that a worker process (subprocess or grid node) can execute, with
// its result shipped back as a blob. Go closures can't cross a process
// boundary the way anadama2's cloudpickle does, so per Design Notes §9
// this package registers named functions at compile time instead of
// serializing code: the registry must hold the same registrations in
// every binary that might execute an Envelope.
package transport

import (
	"taskloom/internal/core"
)

// Func and Registry are re-exported from internal/core, which owns them
// so core.Executor can resolve an ActionFunc step without this package
// importing back into core (internal/transport already imports
// internal/core for Task/Action). Aliasing keeps every existing caller
// of transport.Func/transport.Registry/transport.NewRegistry/
// transport.Default compiling unchanged.
type Func = core.Func

type Registry = core.Registry

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return core.NewRegistry()
}

// Default is the process-wide registry a binary's init() functions
// register against, mirroring anadama2's module-level function lookup
// but explicit and typed rather than stack-inspected.
var Default = core.Default
