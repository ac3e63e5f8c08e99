// Package errs classifies failures raised by the retrieval stores, agents and
// the workflow engine so that retry and propagation decisions can be made
// without string matching.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies the category of a failure.
type Kind string

const (
	InputError            Kind = "input_error"
	RetrievalUnavailable  Kind = "retrieval_unavailable"
	AgentExecutionError   Kind = "agent_execution_error"
	StageTimeout          Kind = "stage_timeout"
	DependencyFailed      Kind = "dependency_failed"
	WriteConflict         Kind = "write_conflict"
	CancellationRequested Kind = "cancellation_requested"
)

// Error carries a Kind alongside the operation that failed.
// Transient is only consulted for AgentExecutionError; the other kinds have a
// fixed transience (see IsTransient).
type Error struct {
	Kind      Kind
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, so errors.Is(err, errs.E(errs.WriteConflict, "", nil))
// works regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E builds an *Error of the given kind.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Input reports a malformed request. Never retried.
func Input(op, format string, args ...any) *Error {
	return &Error{Kind: InputError, Op: op, Err: fmt.Errorf(format, args...)}
}

// Unavailable wraps a failure of the embedding capability.
func Unavailable(op string, err error) *Error {
	return &Error{Kind: RetrievalUnavailable, Op: op, Transient: true, Err: err}
}

// Conflict reports an optimistic-version mismatch on key.
func Conflict(op, key string, want, got int64) *Error {
	return &Error{Kind: WriteConflict, Op: op, Err: fmt.Errorf("key %q: expected version %d, found %d", key, want, got)}
}

// Agent wraps a failure returned by an agent capability.
func Agent(op string, transient bool, err error) *Error {
	return &Error{Kind: AgentExecutionError, Op: op, Transient: transient, Err: err}
}

// KindOf returns the Kind of err, or "" if err carries none.
// Context cancellation maps to CancellationRequested and deadline expiry to
// StageTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CancellationRequested
	case errors.Is(err, context.DeadlineExceeded):
		return StageTimeout
	}
	return ""
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether err should be retried by the caller.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case RetrievalUnavailable, StageTimeout, WriteConflict:
			return true
		case AgentExecutionError:
			return e.Transient
		default:
			return false
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}
