package emulator

import "fmt"

// Status is a driver status code. Zero is success.
type Status int

const (
	StatusSuccess Status = iota
	StatusInvalidArgument
	StatusInvalidHandle
	StatusMalformed
	StatusOutOfMemory
	StatusDeviceNotOpen
	StatusNoProgram
	StatusTimeout
	StatusFaulted
	StatusKernel
)

var statusNames = map[Status]string{
	StatusSuccess:         "SUCCESS",
	StatusInvalidArgument: "INVALID_ARGUMENT",
	StatusInvalidHandle:   "INVALID_HANDLE",
	StatusMalformed:       "MALFORMED",
	StatusOutOfMemory:     "OUT_OF_MEMORY",
	StatusDeviceNotOpen:   "DEVICE_NOT_OPEN",
	StatusNoProgram:       "NO_PROGRAM",
	StatusTimeout:         "TIMEOUT",
	StatusFaulted:         "FAULTED",
	StatusKernel:          "KERNEL",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// StatusError is returned by every failing emulator call.
type StatusError struct {
	Status Status
	Op     string
	Detail string
	Err    error
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("error %d (%s): %s", int(e.Status), e.Status, e.Op)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.Err }

func status(s Status, op string) *StatusError {
	return &StatusError{Status: s, Op: op}
}

func statusf(s Status, op string, format string, args ...any) *StatusError {
	return &StatusError{Status: s, Op: op, Detail: fmt.Sprintf(format, args...)}
}
