// Package tool defines the Tool Registry & Bridge's callable contract
// (spec section 4.4): a typed result, an invocation context, and the
// interface every built-in and user-supplied tool implements.
package tool

import (
	"context"
	"fmt"

	"github.com/relayforge/reasonflow/internal/registry"
)

// Result is the uniform shape every tool call returns: spec.md's
// ToolResult{success, output, error}.
type Result struct {
	Success bool
	Output  string
	Error   string
}

// Ok builds a successful Result.
func Ok(output string) Result { return Result{Success: true, Output: output} }

// Err builds a failed Result.
func Err(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Context carries the invocation's cancellation signal and whatever
// identifying metadata a tool wants to log against (run ID, stage name).
type Context struct {
	context.Context
	RunID string
	Stage string
}

// Callable is the contract every tool satisfies: a name, a human-readable
// description for the tool catalog, a JSON schema for its arguments, and
// the call itself.
type Callable interface {
	Name() string
	Description() string
	Schema() map[string]any
	Call(ctx Context, args map[string]any) Result
}

// Registry is the process-local name->Callable table the bridge looks
// tools up in — spec section 9's explicit replacement for a module-level
// singleton: one Registry value per runner, not a package global.
type Registry = registry.BaseRegistry[Callable]

// NewRegistry returns an empty tool Registry.
func NewRegistry() *Registry {
	return registry.NewBaseRegistry[Callable]()
}

// Catalog renders a registry's tools as "name: description" lines, the
// shape the Memory Bridge's AddToolCatalog and the EXTERNAL_TOOL_CATALOG
// anchor expect.
func Catalog(r *Registry) []string {
	var lines []string
	for _, name := range r.Names() {
		t, _ := r.Get(name)
		lines = append(lines, name+": "+t.Description())
	}
	return lines
}
