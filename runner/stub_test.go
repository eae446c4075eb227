package runner_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomithril/iopruntime/driver"
	"github.com/gomithril/iopruntime/emulator"
	"github.com/gomithril/iopruntime/iop"
	"github.com/gomithril/iopruntime/runner"
)

// stubDevice records every call the runner makes.
type stubDevice struct {
	calls []string

	allocateErr map[driver.Direction]error
	execute     func(ctx context.Context, in, out []byte) error
}

func (d *stubDevice) Allocate(dir driver.Direction, target driver.Target, size int) (driver.BufferArray, error) {
	d.calls = append(d.calls, "allocate "+dir.String())
	if err := d.allocateErr[dir]; err != nil {
		return nil, err
	}
	return &stubArray{dev: d, name: dir.String(), data: make([]byte, size)}, nil
}

func (d *stubDevice) Execute(ctx context.Context, in, out driver.BufferArray) error {
	d.calls = append(d.calls, "execute")
	if d.execute == nil {
		return nil
	}
	return d.execute(ctx, in.(*stubArray).data, out.(*stubArray).data)
}

type stubArray struct {
	dev  *stubDevice
	name string
	data []byte
}

func (a *stubArray) Data(slot int) ([]byte, error) {
	a.dev.calls = append(a.dev.calls, "data "+a.name)
	if slot != 0 {
		return nil, errors.New("bad slot")
	}
	return a.data, nil
}

func (a *stubArray) Free() error {
	a.dev.calls = append(a.dev.calls, "free "+a.name)
	return nil
}

type recordingJournal struct {
	invocations []runner.Invocation
	err         error
}

func (j *recordingJournal) Record(_ context.Context, inv runner.Invocation) error {
	j.invocations = append(j.invocations, inv)
	return j.err
}

// packContainer encodes pkg with the emulator format and parses it.
func packContainer(t *testing.T, pkg *emulator.Package) *iop.Container {
	t.Helper()
	data, err := emulator.Encode(pkg)
	require.NoError(t, err)
	c, err := iop.Parse(emulator.Parser{}, data)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func contiguous(name string, dtype iop.DType, offset uint64, dims ...uint32) emulator.LayoutSpec {
	n := uint64(dtype.Size())
	for _, d := range dims {
		n *= uint64(d)
	}
	return emulator.LayoutSpec{Name: name, Format: iop.Contiguous, DType: dtype, Dims: dims, HostSize: n, Offset: offset}
}

func strided(name string, dtype iop.DType, offset uint64, rows, cols uint32) emulator.LayoutSpec {
	rowBytes := uint64(cols) * uint64(dtype.Size())
	return emulator.LayoutSpec{
		Name:     name,
		Format:   iop.Strided,
		DType:    dtype,
		Dims:     []uint32{rows, cols},
		HostSize: uint64(rows) * rowBytes,
		Offset:   offset,
		RowPitch: emulator.DefaultPitch(rowBytes),
	}
}

// copyPackage copies two 4 byte inputs to two outputs.
func copyPackage() *emulator.Package {
	return &emulator.Package{Programs: []emulator.ProgramSpec{{
		Name: "copier",
		EntryPoints: []emulator.EntryPointSpec{{
			Name:   "copy",
			Kernel: "copy",
			Input: emulator.DescriptorSpec{
				Size: 2 * emulator.LaneWidth,
				Layouts: []emulator.LayoutSpec{
					contiguous("x0", iop.Uint8, 0, 4),
					contiguous("x1", iop.Uint8, emulator.LaneWidth, 4),
				},
			},
			Output: emulator.DescriptorSpec{
				Size: 2 * emulator.LaneWidth,
				Layouts: []emulator.LayoutSpec{
					contiguous("y0", iop.Uint8, 0, 4),
					contiguous("y1", iop.Uint8, emulator.LaneWidth, 4),
				},
			},
		}},
	}}}
}

// matmulPackage computes C[100,400] = A[100,1000] x B[400,1000]^T.
func matmulPackage() *emulator.Package {
	a := strided("A", iop.Int8, 0, 100, 1000)
	b := strided("B", iop.Int8, a.Footprint(), 400, 1000)
	return &emulator.Package{Programs: []emulator.ProgramSpec{{
		Name: "mm_example",
		EntryPoints: []emulator.EntryPointSpec{{
			Name:   "matmul",
			Kernel: "matmul_nt",
			Attrs:  map[string]string{"lhs": "A", "rhs": "B"},
			Input: emulator.DescriptorSpec{
				Size:    a.Footprint() + b.Footprint(),
				Layouts: []emulator.LayoutSpec{a, b},
			},
			Output: emulator.DescriptorSpec{
				Size:    100 * 400 * 4,
				Layouts: []emulator.LayoutSpec{contiguous("C", iop.Int32, 0, 100, 400)},
			},
		}},
	}}}
}

// emulatedDevice opens an emulator device with program 0 of c loaded.
func emulatedDevice(t *testing.T, c *iop.Container, opts ...emulator.Option) *emulator.Device {
	t.Helper()
	dev, err := emulator.NewDriver(1, opts...).NextAvailableDevice()
	require.NoError(t, err)
	require.NoError(t, dev.Open())
	require.NoError(t, dev.Reset())
	require.NoError(t, dev.ClearMemory())
	require.NoError(t, dev.LoadProgram(c, 0, false))
	t.Cleanup(func() { dev.Close() })
	return dev
}
