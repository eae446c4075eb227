package emulator

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/gomithril/iopruntime/iop"
)

// Tensor is host-layout tensor data handed to a kernel.
type Tensor struct {
	Name  string
	DType iop.DType
	Dims  []uint32
	Data  []byte
}

// Kernel computes an entrypoint. Outputs are preallocated at their host size.
type Kernel interface {
	Run(ctx context.Context, attrs map[string]string, inputs, outputs []Tensor) error
}

type KernelFunc func(ctx context.Context, attrs map[string]string, inputs, outputs []Tensor) error

func (f KernelFunc) Run(ctx context.Context, attrs map[string]string, inputs, outputs []Tensor) error {
	return f(ctx, attrs, inputs, outputs)
}

func builtinKernels() map[string]Kernel {
	return map[string]Kernel{
		"copy":      KernelFunc(copyKernel),
		"add":       KernelFunc(addKernel),
		"matmul_nt": KernelFunc(matmulNTKernel),
	}
}

// pick returns the tensor named by attrs[key], or the one at fallback.
func pick(tensors []Tensor, attrs map[string]string, key string, fallback int) (*Tensor, error) {
	if name, ok := attrs[key]; ok {
		i := slices.IndexFunc(tensors, func(t Tensor) bool { return t.Name == name })
		if i < 0 {
			return nil, fmt.Errorf("%s tensor %q not found", key, name)
		}
		return &tensors[i], nil
	}
	if fallback >= len(tensors) {
		return nil, fmt.Errorf("%s tensor: need at least %d tensors, have %d", key, fallback+1, len(tensors))
	}
	return &tensors[fallback], nil
}

func copyKernel(_ context.Context, _ map[string]string, inputs, outputs []Tensor) error {
	if len(inputs) != len(outputs) {
		return fmt.Errorf("copy: %d inputs for %d outputs", len(inputs), len(outputs))
	}
	for i := range inputs {
		if len(inputs[i].Data) != len(outputs[i].Data) {
			return fmt.Errorf("copy: tensor %d is %d bytes, output is %d", i, len(inputs[i].Data), len(outputs[i].Data))
		}
		copy(outputs[i].Data, inputs[i].Data)
	}
	return nil
}

func addKernel(_ context.Context, attrs map[string]string, inputs, outputs []Tensor) error {
	a, err := pick(inputs, attrs, "lhs", 0)
	if err != nil {
		return fmt.Errorf("add: %w", err)
	}
	b, err := pick(inputs, attrs, "rhs", 1)
	if err != nil {
		return fmt.Errorf("add: %w", err)
	}
	if len(outputs) != 1 {
		return fmt.Errorf("add: want 1 output, have %d", len(outputs))
	}
	out := &outputs[0]
	if a.DType != b.DType || a.DType != out.DType || len(a.Data) != len(b.Data) || len(a.Data) != len(out.Data) {
		return fmt.Errorf("add: operands %s%v, %s%v and result %s%v differ", a.DType, a.Dims, b.DType, b.Dims, out.DType, out.Dims)
	}

	le := binary.LittleEndian
	switch a.DType {
	case iop.Int8, iop.Uint8:
		for i := range out.Data {
			out.Data[i] = a.Data[i] + b.Data[i]
		}
	case iop.Int32:
		for i := 0; i < len(out.Data); i += 4 {
			le.PutUint32(out.Data[i:], le.Uint32(a.Data[i:])+le.Uint32(b.Data[i:]))
		}
	case iop.Float32:
		for i := 0; i < len(out.Data); i += 4 {
			v := math.Float32frombits(le.Uint32(a.Data[i:])) + math.Float32frombits(le.Uint32(b.Data[i:]))
			le.PutUint32(out.Data[i:], math.Float32bits(v))
		}
	default:
		return fmt.Errorf("add: unsupported dtype %s", a.DType)
	}
	return nil
}

// matmulNTKernel computes lhs[m,k] x rhs[n,k]^T = out[m,n]. int8 operands
// accumulate into int32; float32 stays float32.
func matmulNTKernel(ctx context.Context, attrs map[string]string, inputs, outputs []Tensor) error {
	a, err := pick(inputs, attrs, "lhs", 0)
	if err != nil {
		return fmt.Errorf("matmul_nt: %w", err)
	}
	b, err := pick(inputs, attrs, "rhs", 1)
	if err != nil {
		return fmt.Errorf("matmul_nt: %w", err)
	}
	if len(outputs) != 1 {
		return fmt.Errorf("matmul_nt: want 1 output, have %d", len(outputs))
	}
	out := &outputs[0]

	if len(a.Dims) != 2 || len(b.Dims) != 2 || len(out.Dims) != 2 {
		return fmt.Errorf("matmul_nt: want rank 2 tensors, have %v, %v, %v", a.Dims, b.Dims, out.Dims)
	}
	m, k, n := int(a.Dims[0]), int(a.Dims[1]), int(b.Dims[0])
	if int(b.Dims[1]) != k || int(out.Dims[0]) != m || int(out.Dims[1]) != n {
		return fmt.Errorf("matmul_nt: shapes %v x %v^T do not give %v", a.Dims, b.Dims, out.Dims)
	}

	le := binary.LittleEndian
	switch {
	case a.DType == iop.Int8 && b.DType == iop.Int8 && out.DType == iop.Int32:
		for i := 0; i < m; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			row := a.Data[i*k : (i+1)*k]
			for j := 0; j < n; j++ {
				col := b.Data[j*k : (j+1)*k]
				var acc int32
				for x := range row {
					acc += int32(int8(row[x])) * int32(int8(col[x]))
				}
				le.PutUint32(out.Data[(i*n+j)*4:], uint32(acc))
			}
		}
	case a.DType == iop.Float32 && b.DType == iop.Float32 && out.DType == iop.Float32:
		for i := 0; i < m; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			for j := 0; j < n; j++ {
				var acc float32
				for x := 0; x < k; x++ {
					av := math.Float32frombits(le.Uint32(a.Data[(i*k+x)*4:]))
					bv := math.Float32frombits(le.Uint32(b.Data[(j*k+x)*4:]))
					acc += av * bv
				}
				le.PutUint32(out.Data[(i*n+j)*4:], math.Float32bits(acc))
			}
		}
	default:
		return fmt.Errorf("matmul_nt: unsupported dtypes %s x %s -> %s", a.DType, b.DType, out.DType)
	}
	return nil
}
