package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. None of these describe guest
// behavior; guest faults are reported as an Outcome.
var (
	ErrInvalidRequest = errors.New("invalid execution request")
	ErrWorkerStart    = errors.New("worker failed to start")
	ErrChannelClosed  = errors.New("result channel closed")
	ErrAlreadyPosted  = errors.New("result already posted")
	ErrClosed         = errors.New("engine closed")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsInvalidRequest returns true if the request was rejected before any
// validation or execution took place.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsWorkerStart returns true if the worker process could not be spawned.
func IsWorkerStart(err error) bool {
	return errors.Is(err, ErrWorkerStart)
}
