package runner

import (
	"errors"
	"fmt"

	"github.com/gomithril/iopruntime/driver"
)

var (
	// ErrAllocationFailure is returned when the device rejects a buffer array.
	ErrAllocationFailure = errors.New("allocation failure")

	// ErrExecutionFailure is returned when execution fails or times out.
	ErrExecutionFailure = errors.New("execution failure")

	// ErrMissingBinding is returned by Invoke when a declared tensor has no
	// buffer and partial binding was not enabled.
	ErrMissingBinding = errors.New("missing binding")

	// ErrDeviceStateUnknown is returned by Invoke after an execution timed out
	// until Reset is called. It matches ErrExecutionFailure as well.
	ErrDeviceStateUnknown = fmt.Errorf("%w: device state unknown", ErrExecutionFailure)

	// ErrClosed is returned by Invoke after Close.
	ErrClosed = errors.New("runner is closed")
)

// AllocationError reports which buffer array could not be allocated.
type AllocationError struct {
	Direction driver.Direction
	Size      int
	Err       error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("%s: %s buffer array of %d bytes: %v", ErrAllocationFailure, e.Direction, e.Size, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

func (e *AllocationError) Is(target error) bool { return target == ErrAllocationFailure }

// ExecutionError wraps the driver error of a failed or timed out execution.
type ExecutionError struct {
	TimedOut bool
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s: timed out: %v", ErrExecutionFailure, e.Err)
	}
	return fmt.Sprintf("%s: %v", ErrExecutionFailure, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool { return target == ErrExecutionFailure }

// MissingBindingError lists the unbound tensor indices.
type MissingBindingError struct {
	Direction driver.Direction
	Indices   []int
}

func (e *MissingBindingError) Error() string {
	return fmt.Sprintf("%s: %s tensors %v have no buffer", ErrMissingBinding, e.Direction, e.Indices)
}

func (e *MissingBindingError) Is(target error) bool { return target == ErrMissingBinding }
