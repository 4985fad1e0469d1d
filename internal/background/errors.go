package background

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by Schedule once the tracker has been closed.
	ErrClosed = errors.New("background tracker is closed")

	// ErrNilFunc is returned by Schedule when no work is given.
	ErrNilFunc = errors.New("nil task func")

	// ErrCompletionTimeout matches every *TimeoutError.
	ErrCompletionTimeout = errors.New("timed out waiting for pending tasks")
)

// TimeoutError is returned by CompletePending when the completion timeout
// elapses before every snapshotted task has finished.
type TimeoutError struct {
	Timeout time.Duration
	Pending int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%d pending task(s) still running after %s", e.Pending, e.Timeout)
}

// Is reports whether target is ErrCompletionTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrCompletionTimeout
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}
