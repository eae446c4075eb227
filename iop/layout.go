package iop

import (
	"fmt"
	"slices"

	"github.com/gomithril/iopruntime/driver"
)

// Format is the device storage format of a tensor.
type Format int32

const (
	Strided    Format = 0
	Contiguous Format = 1
)

func (f Format) String() string {
	switch f {
	case Strided:
		return "STRIDED"
	case Contiguous:
		return "CONTIGUOUS"
	default:
		return fmt.Sprintf("FORMAT(%d)", int32(f))
	}
}

// DType is the element type of the host array.
type DType int32

const (
	Int8 DType = iota
	Uint8
	Int16
	Float16
	Int32
	Float32
	Int64
)

var dtypeNames = map[DType]string{
	Int8:    "int8",
	Uint8:   "uint8",
	Int16:   "int16",
	Float16: "float16",
	Int32:   "int32",
	Float32: "float32",
	Int64:   "int64",
}

func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dtype(%d)", int32(d))
}

// Size returns the element size in bytes, or 0 for an unknown type.
func (d DType) Size() int {
	switch d {
	case Int8, Uint8:
		return 1
	case Int16, Float16:
		return 2
	case Int32, Float32:
		return 4
	case Int64:
		return 8
	default:
		return 0
	}
}

// ParseDType maps a lower-case type name back to a DType.
func ParseDType(name string) (DType, error) {
	for d, n := range dtypeNames {
		if n == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown dtype %q", name)
}

// TensorLayout describes one named tensor of an IODescriptor.
// Sizes are captured at parse time and never recomputed.
type TensorLayout struct {
	name       string
	format     Format
	dtype      DType
	hostSize   int
	ioSize     int
	dimensions []uint32

	// not owned; released with the container
	codec driver.LayoutHandle
}

func newTensorLayout(h driver.LayoutHandle, ioSize int) (TensorLayout, error) {
	l := TensorLayout{codec: h, ioSize: ioSize}

	var err error
	if l.name, err = h.Name(); err != nil {
		return l, &ParseError{Step: "layout name", Err: err}
	}
	nDims, err := h.NumDimensions()
	if err != nil {
		return l, &ParseError{Step: "dimensions", Err: err}
	}
	if l.hostSize, err = h.Size(); err != nil {
		return l, &ParseError{Step: "layout size", Err: err}
	}
	format, err := h.Format()
	if err != nil {
		return l, &ParseError{Step: "layout format", Err: err}
	}
	l.format = Format(format)
	dtype, err := h.DType()
	if err != nil {
		return l, &ParseError{Step: "layout dtype", Err: err}
	}
	l.dtype = DType(dtype)

	l.dimensions = make([]uint32, 0, nDims)
	for nth := 0; nth < nDims; nth++ {
		dim, err := h.Dimension(nth)
		if err != nil {
			return l, &ParseError{Step: fmt.Sprintf("dimension %d", nth), Err: err}
		}
		l.dimensions = append(l.dimensions, dim)
	}
	return l, nil
}

func (l *TensorLayout) Name() string   { return l.name }
func (l *TensorLayout) Format() Format { return l.format }
func (l *TensorLayout) DType() DType   { return l.dtype }

// HostSize is the byte size of the caller's flat buffer.
func (l *TensorLayout) HostSize() int { return l.hostSize }

// IOSize is the byte size of the device buffer slot the tensor lives in.
func (l *TensorLayout) IOSize() int { return l.ioSize }

// Dimensions returns a copy of the tensor extents.
func (l *TensorLayout) Dimensions() []uint32 { return slices.Clone(l.dimensions) }

// NumElements is the product of the dimensions.
func (l *TensorLayout) NumElements() int {
	n := 1
	for _, d := range l.dimensions {
		n *= int(d)
	}
	return n
}

// FromHost converts host bytes into the device slot. Both sizes are checked
// before the destination is touched.
func (l *TensorLayout) FromHost(host, device []byte) error {
	if len(host) != l.hostSize {
		return &SizeMismatchError{Tensor: l.name, Side: "host", Expected: l.hostSize, Actual: len(host)}
	}
	if len(device) != l.ioSize {
		return &SizeMismatchError{Tensor: l.name, Side: "device", Expected: l.ioSize, Actual: len(device)}
	}
	if err := l.codec.FromHost(host, device); err != nil {
		return fmt.Errorf("converting tensor %q from host layout: %w", l.name, err)
	}
	return nil
}

// ToHost converts the device slot back into host bytes.
func (l *TensorLayout) ToHost(device, host []byte) error {
	if len(device) != l.ioSize {
		return &SizeMismatchError{Tensor: l.name, Side: "device", Expected: l.ioSize, Actual: len(device)}
	}
	if len(host) != l.hostSize {
		return &SizeMismatchError{Tensor: l.name, Side: "host", Expected: l.hostSize, Actual: len(host)}
	}
	if err := l.codec.ToHost(device, host); err != nil {
		return fmt.Errorf("converting tensor %q to host layout: %w", l.name, err)
	}
	return nil
}
