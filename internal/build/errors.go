package build

import (
	"errors"
	"fmt"
)

// Errors returned by Apply. Except for ErrInvalidCommand, they describe
// commands that are dropped without changing the build.
var (
	ErrInvalidCommand    = errors.New("invalid command")
	ErrUnknownBuild      = errors.New("unknown build")
	ErrDuplicateTerminal = errors.New("build already done")
	ErrStaleCommand      = errors.New("stale command")
	ErrAlreadyStarted    = errors.New("build already started")
	ErrBuildFinished     = errors.New("build finished and can't be restarted")
)

// Errors returned by Database implementations.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrConflict        = errors.New("conflict")
	ErrTxAlreadyClosed = errors.New("tx already closed")
)

// ExternalInvocationError is returned when the code generator
// or another external worker couldn't be invoked.
type ExternalInvocationError struct {
	Op  string
	Err error
}

func (e *ExternalInvocationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExternalInvocationError) Unwrap() error {
	return e.Err
}

// IsDropped reports whether err means that a command was dropped
// and the message carrying it can be acknowledged.
func IsDropped(err error) bool {
	return errors.Is(err, ErrInvalidCommand) ||
		errors.Is(err, ErrUnknownBuild) ||
		errors.Is(err, ErrDuplicateTerminal) ||
		errors.Is(err, ErrStaleCommand) ||
		errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrBuildFinished)
}
