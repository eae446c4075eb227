package iop

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedContainer is returned when the driver rejects any step of
	// parsing an IOP container.
	ErrMalformedContainer = errors.New("malformed container")

	// ErrSizeMismatch is returned when a buffer does not have the exact byte
	// size a tensor layout requires.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrIndexOutOfRange is returned by indexed accessors on a bad index.
	ErrIndexOutOfRange = errors.New("index out of range")
)

// ParseError reports which parsing step the driver rejected.
type ParseError struct {
	Step string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrMalformedContainer, e.Step, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrMalformedContainer }

// SizeMismatchError carries the expected and actual byte counts.
type SizeMismatchError struct {
	Tensor   string
	Side     string // "host" or "device"
	Expected int
	Actual   int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("%s: tensor %q %s buffer: expected %d bytes, got %d", ErrSizeMismatch, e.Tensor, e.Side, e.Expected, e.Actual)
}

func (e *SizeMismatchError) Is(target error) bool { return target == ErrSizeMismatch }

// IndexError names the collection an out of range index was used on.
type IndexError struct {
	Collection string
	Index      int
	Len        int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("%s: %s index %d, have %d", ErrIndexOutOfRange, e.Collection, e.Index, e.Len)
}

func (e *IndexError) Is(target error) bool { return target == ErrIndexOutOfRange }

func checkIndex(collection string, index, n int) error {
	if index < 0 || index >= n {
		return &IndexError{Collection: collection, Index: index, Len: n}
	}
	return nil
}
