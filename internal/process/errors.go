package process

import (
	"errors"
	"fmt"
)

// Kind classifies failures of supervisor operations
type Kind string

const (
	KindConfiguration Kind = "configuration" // never retried
	KindConflict      Kind = "conflict"
	KindAuthorization Kind = "authorization"
	KindConnectivity  Kind = "connectivity"
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal"
)

// ExitCode maps an error kind onto the watchdog's own exit status.
// The values mirror the child's exit-code table where one applies.
func (k Kind) ExitCode() int {
	switch k {
	case KindConfiguration:
		return int(ExitBadConfig)
	case KindConflict:
		return int(ExitBusy)
	case KindAuthorization, KindNotFound:
		return int(ExitBadArgument)
	case KindConnectivity:
		return int(ExitNetwork)
	default:
		return int(ExitFatal)
	}
}

// Error is the typed error returned by launcher, supervisor and registry operations
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "start"
	ID   string // server id, may be empty
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.ID != "" {
		msg += " " + e.ID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: KindConflict}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Errorf builds a typed error with a formatted cause
func Errorf(kind Kind, op, id, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in the chain, KindInternal otherwise
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

func IsConfiguration(err error) bool { return err != nil && KindOf(err) == KindConfiguration }
func IsConflict(err error) bool      { return err != nil && KindOf(err) == KindConflict }
func IsAuthorization(err error) bool { return err != nil && KindOf(err) == KindAuthorization }
func IsConnectivity(err error) bool  { return err != nil && KindOf(err) == KindConnectivity }
func IsNotFound(err error) bool      { return err != nil && KindOf(err) == KindNotFound }
