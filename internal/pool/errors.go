package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityTimeout is returned when Acquire waited past its deadline
	// without obtaining a connection.
	ErrCapacityTimeout = errors.New("pool: timed out waiting for a free connection")
	// ErrInterrupted is returned when the context of a waiting Acquire is done.
	ErrInterrupted = errors.New("pool: acquire interrupted")
	// ErrGroupClosed is returned by Group.Acquire once the group was closed.
	ErrGroupClosed = errors.New("pool: connection group is closed")
	// ErrRegistryClosed is returned by Registry.Acquire once the registry was
	// closed.
	ErrRegistryClosed = errors.New("pool: registry is closed")
)

// CreationError reports that the factory failed to produce a connection.
type CreationError struct {
	// Identity is the printable identity of the group the connection was for
	Identity string
	// Err is the error returned by the factory
	Err error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("pool: creating connection for %s: %v", e.Identity, e.Err)
}

func (e *CreationError) Unwrap() error {
	return e.Err
}

// interruptedError carries the context cause while matching ErrInterrupted.
type interruptedError struct {
	cause error
}

func (e *interruptedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrInterrupted, e.cause)
}

func (e *interruptedError) Unwrap() []error {
	return []error{ErrInterrupted, e.cause}
}
