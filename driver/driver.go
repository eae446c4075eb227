// Package driver describes the boundary between the IOP runtime and the
// accelerator driver that owns parsing, layout conversion, device memory and
// execution.
//
// Every method that can fail returns an error and callers check it
// immediately. Implementations are not required to be safe for concurrent use.
package driver

import (
	"context"
	"fmt"
)

// Parser turns raw IOP bytes into a native container handle.
// The data slice belongs to the caller for as long as the handle lives.
type Parser interface {
	Parse(data []byte) (ContainerHandle, error)
}

// ContainerHandle is the root native handle of a parsed container. It is the
// only handle that is released; child handles live and die with it.
type ContainerHandle interface {
	NumPrograms() (int, error)
	Program(n int) (ProgramHandle, error)
	ProgramName(n int) (string, error)
	Release() error
}

type ProgramHandle interface {
	NumEntryPoints() (int, error)
	EntryPoint(n int) (EntryPointHandle, error)
}

type EntryPointHandle interface {
	Name() (string, error)
	Input() (DescriptorHandle, error)
	Output() (DescriptorHandle, error)
	// InputSize and OutputSize are the aggregate device buffer sizes.
	InputSize() (int, error)
	OutputSize() (int, error)
}

type DescriptorHandle interface {
	NumLayouts() (int, error)
	Layout(n int) (LayoutHandle, error)
}

// LayoutHandle describes one tensor and converts it between the flat host
// representation and the device representation.
type LayoutHandle interface {
	Name() (string, error)
	Format() (int32, error)
	DType() (int32, error)
	Size() (int, error)
	NumDimensions() (int, error)
	Dimension(n int) (uint32, error)

	// ToHost reads this tensor out of a whole device buffer slot.
	ToHost(device, host []byte) error
	// FromHost writes this tensor into a whole device buffer slot.
	FromHost(host, device []byte) error
}

// Direction selects the input or output side of an entrypoint.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Target names the entrypoint a buffer array is allocated for.
type Target struct {
	Program    int
	EntryPoint int
}

// Device is the execution side of the driver.
type Device interface {
	// Allocate reserves a device buffer array of size bytes per slot.
	Allocate(dir Direction, target Target, size int) (BufferArray, error)
	// Execute runs the entrypoint the arrays were allocated for and waits for
	// completion. The wait is bounded by the deadline of ctx.
	Execute(ctx context.Context, in, out BufferArray) error
}

// BufferArray is device memory shared between host and accelerator.
type BufferArray interface {
	Data(slot int) ([]byte, error)
	Free() error
}
