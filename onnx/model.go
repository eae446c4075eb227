package onnx

import (
	"encoding/binary"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/gomithril/iopruntime/emulator"
	"github.com/gomithril/iopruntime/iop"
)

// ModelIO manages input and output tensors for one ONNX run
type ModelIO struct {
	InputTensors  []ort.Value
	OutputTensors []ort.Value
}

// AddInput adds an input tensor to the run
func (io *ModelIO) AddInput(tensor ort.Value) {
	io.InputTensors = append(io.InputTensors, tensor)
}

// AddOutput adds an output tensor to the run
func (io *ModelIO) AddOutput(tensor ort.Value) {
	io.OutputTensors = append(io.OutputTensors, tensor)
}

func (io *ModelIO) Destroy() {
	for _, tensor := range io.InputTensors {
		tensor.Destroy()
	}

	for _, tensor := range io.OutputTensors {
		tensor.Destroy()
	}
}

// newModelIO creates ONNX tensors for the kernel inputs and empty tensors
// for the outputs. Already created tensors are destroyed on failure.
func newModelIO(inputs, outputs []emulator.Tensor) (*ModelIO, error) {
	io := &ModelIO{}
	for _, t := range inputs {
		v, err := inputValue(t)
		if err != nil {
			io.Destroy()
			return nil, fmt.Errorf("failed to create %s tensor: %w", t.Name, err)
		}
		io.AddInput(v)
	}
	for _, t := range outputs {
		v, err := outputValue(t)
		if err != nil {
			io.Destroy()
			return nil, fmt.Errorf("failed to create %s tensor: %w", t.Name, err)
		}
		io.AddOutput(v)
	}
	return io, nil
}

func shapeOf(dims []uint32) ort.Shape {
	shape := make([]int64, len(dims))
	for i, d := range dims {
		shape[i] = int64(d)
	}
	return ort.NewShape(shape...)
}

func inputValue(t emulator.Tensor) (ort.Value, error) {
	shape := shapeOf(t.Dims)
	switch t.DType {
	case iop.Int8:
		return newTensor[int8](shape, t.Data)
	case iop.Uint8:
		return newTensor[uint8](shape, t.Data)
	case iop.Int16:
		return newTensor[int16](shape, t.Data)
	case iop.Int32:
		return newTensor[int32](shape, t.Data)
	case iop.Int64:
		return newTensor[int64](shape, t.Data)
	case iop.Float32:
		return newTensor[float32](shape, t.Data)
	default:
		return nil, fmt.Errorf("unsupported dtype %s", t.DType)
	}
}

func newTensor[T ort.TensorData](shape ort.Shape, data []byte) (*ort.Tensor[T], error) {
	values := make([]T, shape.FlattenedSize())
	if _, err := binary.Decode(data, binary.LittleEndian, values); err != nil {
		return nil, err
	}
	return ort.NewTensor(shape, values)
}

func outputValue(t emulator.Tensor) (ort.Value, error) {
	shape := shapeOf(t.Dims)
	switch t.DType {
	case iop.Int8:
		return ort.NewEmptyTensor[int8](shape)
	case iop.Uint8:
		return ort.NewEmptyTensor[uint8](shape)
	case iop.Int16:
		return ort.NewEmptyTensor[int16](shape)
	case iop.Int32:
		return ort.NewEmptyTensor[int32](shape)
	case iop.Int64:
		return ort.NewEmptyTensor[int64](shape)
	case iop.Float32:
		return ort.NewEmptyTensor[float32](shape)
	default:
		return nil, fmt.Errorf("unsupported dtype %s", t.DType)
	}
}

// readValue copies tensor data into dst in little-endian host layout.
func readValue(v ort.Value, dst []byte) error {
	var data any
	switch t := v.(type) {
	case *ort.Tensor[int8]:
		data = t.GetData()
	case *ort.Tensor[uint8]:
		data = t.GetData()
	case *ort.Tensor[int16]:
		data = t.GetData()
	case *ort.Tensor[int32]:
		data = t.GetData()
	case *ort.Tensor[int64]:
		data = t.GetData()
	case *ort.Tensor[float32]:
		data = t.GetData()
	default:
		return fmt.Errorf("failed to type assert output tensor %T", v)
	}
	n, err := binary.Encode(dst, binary.LittleEndian, data)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("output tensor is %d bytes, want %d", n, len(dst))
	}
	return nil
}
