// Package engerr defines the error taxonomy shared across the pipeline engine.
//
// Every error that should influence the runner's exit behavior or a caller's
// branching logic is wrapped with one of the Kind values below via Wrap, so
// callers can use errors.As to recover it regardless of how deep it is
// wrapped by intermediate fmt.Errorf calls.
package engerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way spec section 7 describes error kinds
// (not type names): Configuration, Transport, Tool invocation, Parse,
// Policy, Document, Watcher.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindTransport      Kind = "transport"
	KindToolInvocation Kind = "tool_invocation"
	KindParse          Kind = "parse"
	KindPolicy         Kind = "policy"
	KindDocument       Kind = "document"
	KindWatcher        Kind = "watcher"
)

// Error is a Kind-tagged wrapper around an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with kind and an operation label. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Fatal reports whether err should abort the run with a non-zero exit per
// spec section 7's propagation rules: transport, configuration and document
// errors bubble up; tool, parse, and policy errors stay inside the
// conversational loop or are otherwise recovered; watcher errors are always
// swallowed by the caller before reaching here.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, KindConfiguration) || Is(err, KindTransport) || Is(err, KindDocument)
}
