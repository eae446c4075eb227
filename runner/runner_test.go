package runner_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomithril/iopruntime/driver"
	"github.com/gomithril/iopruntime/emulator"
	"github.com/gomithril/iopruntime/iop"
	"github.com/gomithril/iopruntime/matrix"
	"github.com/gomithril/iopruntime/runner"
)

func TestMatmulMatchesHostProduct(t *testing.T) {
	c := packContainer(t, matmulPackage())
	dev := emulatedDevice(t, c)

	r, err := runner.New(dev, c)
	require.NoError(t, err)
	defer r.Close()

	rng := rand.New(rand.NewPCG(1, 2))
	a := matrix.RandomInt8(100, 1000, rng)
	b := matrix.RandomInt8(400, 1000, rng)
	want, err := matrix.Mult[int32](a, b.Transpose())
	require.NoError(t, err)

	result := make([]byte, 100*400*4)
	require.NoError(t, r.AddInputBuffer(a.Bytes(), 0))
	require.NoError(t, r.AddInputBuffer(b.Bytes(), 1))
	require.NoError(t, r.AddOutputBuffer(result, 0))
	require.NoError(t, r.Invoke(context.Background()))

	got, err := matrix.FromBytes[int32](100, 400, result)
	require.NoError(t, err)
	assert.True(t, want.Equal(got), "device result differs from host product")

	// a second invocation with new inputs reuses the same buffer arrays
	a2 := matrix.RandomInt8(100, 1000, rng)
	require.NoError(t, r.AddInputBuffer(a2.Bytes(), 0))
	require.NoError(t, r.Invoke(context.Background()))
	want2, err := matrix.Mult[int32](a2, b.Transpose())
	require.NoError(t, err)
	got2, err := matrix.FromBytes[int32](100, 400, result)
	require.NoError(t, err)
	assert.True(t, want2.Equal(got2))
}

func TestBindingWrongSizeNeverReachesDevice(t *testing.T) {
	c := packContainer(t, matmulPackage())
	dev := &stubDevice{}
	r, err := runner.New(dev, c)
	require.NoError(t, err)

	err = r.AddInputBuffer(make([]byte, 99), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, iop.ErrSizeMismatch)

	var serr *iop.SizeMismatchError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "A", serr.Tensor)
	assert.Equal(t, 100000, serr.Expected)
	assert.Equal(t, 99, serr.Actual)

	assert.Equal(t, []string{"allocate input", "allocate output"}, dev.calls)
}

func TestBindingSizeSweep(t *testing.T) {
	tests := []struct {
		name     string
		bind     func(r *runner.Runner, buf []byte) error
		tensor   string
		expected int
	}{
		{"input", func(r *runner.Runner, buf []byte) error { return r.AddInputBuffer(buf, 0) }, "A", 100000},
		{"output", func(r *runner.Runner, buf []byte) error { return r.AddOutputBuffer(buf, 0) }, "C", 160000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := packContainer(t, matmulPackage())
			dev := &stubDevice{}
			r, err := runner.New(dev, c)
			require.NoError(t, err)
			defer r.Close()

			for _, n := range []int{0, tt.expected - 1, tt.expected + 1, 2 * tt.expected} {
				buf := bytes.Repeat([]byte{0x5a}, n)
				err := tt.bind(r, buf)
				require.ErrorIs(t, err, iop.ErrSizeMismatch, "%d bytes", n)

				var serr *iop.SizeMismatchError
				require.True(t, errors.As(err, &serr))
				assert.Equal(t, tt.tensor, serr.Tensor)
				assert.Equal(t, tt.expected, serr.Expected)
				assert.Equal(t, n, serr.Actual)
				assert.Equal(t, bytes.Repeat([]byte{0x5a}, n), buf)
			}

			// none of the rejected buffers became a binding
			assert.ErrorIs(t, r.Invoke(context.Background()), runner.ErrMissingBinding)
			assert.Equal(t, []string{"allocate input", "allocate output"}, dev.calls)
		})
	}
}

func TestRejectedOutputBufferIsNeverWritten(t *testing.T) {
	c := packContainer(t, matmulPackage())
	dev := emulatedDevice(t, c)
	r, err := runner.New(dev, c, runner.WithPartialBinding())
	require.NoError(t, err)
	defer r.Close()

	rng := rand.New(rand.NewPCG(3, 4))
	require.NoError(t, r.AddInputBuffer(matrix.RandomInt8(100, 1000, rng).Bytes(), 0))
	require.NoError(t, r.AddInputBuffer(matrix.RandomInt8(400, 1000, rng).Bytes(), 1))

	short := bytes.Repeat([]byte{0x5a}, 160000-1)
	require.ErrorIs(t, r.AddOutputBuffer(short, 0), iop.ErrSizeMismatch)
	require.NoError(t, r.Invoke(context.Background()))
	assert.Equal(t, bytes.Repeat([]byte{0x5a}, 160000-1), short)
}

func TestBindingIndexOutOfRange(t *testing.T) {
	c := packContainer(t, matmulPackage())
	r, err := runner.New(&stubDevice{}, c)
	require.NoError(t, err)

	assert.ErrorIs(t, r.AddInputBuffer(make([]byte, 100000), 2), iop.ErrIndexOutOfRange)
	assert.ErrorIs(t, r.AddOutputBuffer(make([]byte, 160000), 1), iop.ErrIndexOutOfRange)
	assert.ErrorIs(t, r.AddOutputBuffer(nil, -1), iop.ErrIndexOutOfRange)
}

func TestInvokeOrdersConversionAroundExecution(t *testing.T) {
	c := packContainer(t, copyPackage())

	out0 := []byte{0xaa, 0xaa, 0xaa, 0xaa}
	out1 := []byte{0xbb, 0xbb, 0xbb, 0xbb}
	dev := &stubDevice{}
	dev.execute = func(ctx context.Context, in, out []byte) error {
		// every input is already in the device buffer and no output is back yet
		assert.Equal(t, []byte{1, 2, 3, 4}, in[0:4])
		assert.Equal(t, []byte{5, 6, 7, 8}, in[emulator.LaneWidth:emulator.LaneWidth+4])
		assert.Equal(t, []byte{0xaa, 0xaa, 0xaa, 0xaa}, out0)
		assert.Equal(t, []byte{0xbb, 0xbb, 0xbb, 0xbb}, out1)

		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)

		copy(out[0:4], []byte{9, 8, 7, 6})
		copy(out[emulator.LaneWidth:], []byte{5, 4, 3, 2})
		return nil
	}

	r, err := runner.New(dev, c)
	require.NoError(t, err)
	require.NoError(t, r.AddInputBuffer([]byte{1, 2, 3, 4}, 0))
	require.NoError(t, r.AddInputBuffer([]byte{5, 6, 7, 8}, 1))
	require.NoError(t, r.AddOutputBuffer(out0, 0))
	require.NoError(t, r.AddOutputBuffer(out1, 1))

	require.NoError(t, r.Invoke(context.Background()))
	assert.Equal(t, []byte{9, 8, 7, 6}, out0)
	assert.Equal(t, []byte{5, 4, 3, 2}, out1)
	assert.Equal(t, []string{
		"allocate input", "allocate output",
		"data input", "execute", "data output",
	}, dev.calls)
}

func TestInvokeMissingBinding(t *testing.T) {
	c := packContainer(t, copyPackage())

	t.Run("strict", func(t *testing.T) {
		dev := &stubDevice{}
		r, err := runner.New(dev, c)
		require.NoError(t, err)
		require.NoError(t, r.AddInputBuffer([]byte{1, 2, 3, 4}, 0))
		require.NoError(t, r.AddOutputBuffer(make([]byte, 4), 0))
		require.NoError(t, r.AddOutputBuffer(make([]byte, 4), 1))

		err = r.Invoke(context.Background())
		assert.ErrorIs(t, err, runner.ErrMissingBinding)

		var merr *runner.MissingBindingError
		require.True(t, errors.As(err, &merr))
		assert.Equal(t, driver.Input, merr.Direction)
		assert.Equal(t, []int{1}, merr.Indices)
		assert.NotContains(t, dev.calls, "execute")
	})

	t.Run("partial", func(t *testing.T) {
		dev := &stubDevice{}
		r, err := runner.New(dev, c, runner.WithPartialBinding())
		require.NoError(t, err)
		require.NoError(t, r.AddInputBuffer([]byte{1, 2, 3, 4}, 0))

		require.NoError(t, r.Invoke(context.Background()))
		assert.Contains(t, dev.calls, "execute")
	})
}

func TestNewFreesInputWhenOutputAllocationFails(t *testing.T) {
	c := packContainer(t, copyPackage())
	dev := &stubDevice{allocateErr: map[driver.Direction]error{driver.Output: errors.New("out of memory")}}

	_, err := runner.New(dev, c)
	assert.ErrorIs(t, err, runner.ErrAllocationFailure)

	var aerr *runner.AllocationError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, driver.Output, aerr.Direction)
	assert.Equal(t, 2*emulator.LaneWidth, aerr.Size)
	assert.Equal(t, []string{"allocate input", "allocate output", "free input"}, dev.calls)
}

func TestNewAllocationFailureOnEmulator(t *testing.T) {
	c := packContainer(t, matmulPackage())
	dev := emulatedDevice(t, c, emulator.WithCapacity(700000))

	_, err := runner.New(dev, c)
	assert.ErrorIs(t, err, runner.ErrAllocationFailure)
	assert.Zero(t, dev.Allocated())
}

func TestNewSelectsTarget(t *testing.T) {
	c := packContainer(t, copyPackage())

	_, err := runner.New(&stubDevice{}, c, runner.WithProgram(1))
	assert.ErrorIs(t, err, iop.ErrIndexOutOfRange)
	_, err = runner.New(&stubDevice{}, c, runner.WithEntryPoint(3))
	assert.ErrorIs(t, err, iop.ErrIndexOutOfRange)

	r, err := runner.New(&stubDevice{}, c, runner.WithProgram(0), runner.WithEntryPoint(0))
	require.NoError(t, err)
	assert.Equal(t, driver.Target{}, r.Target())
	assert.Equal(t, "copier", r.Program().Name())
	assert.Equal(t, "copy", r.EntryPoint().Name())
}

func TestExecutionFailure(t *testing.T) {
	c := packContainer(t, copyPackage())
	dev := &stubDevice{execute: func(context.Context, []byte, []byte) error {
		return errors.New("device error")
	}}
	r, err := runner.New(dev, c, runner.WithPartialBinding())
	require.NoError(t, err)

	err = r.Invoke(context.Background())
	assert.ErrorIs(t, err, runner.ErrExecutionFailure)
	var eerr *runner.ExecutionError
	require.True(t, errors.As(err, &eerr))
	assert.False(t, eerr.TimedOut)

	// a plain failure leaves the runner usable
	dev.execute = nil
	assert.NoError(t, r.Invoke(context.Background()))
}

func TestTimeoutTaintsRunnerUntilReset(t *testing.T) {
	c := packContainer(t, copyPackage())
	dev := emulatedDevice(t, c, emulator.WithLatency(200*time.Millisecond))

	r, err := runner.New(dev, c, runner.WithTimeout(10*time.Millisecond))
	require.NoError(t, err)
	defer r.Close()
	out := []byte{0xaa, 0xaa, 0xaa, 0xaa}
	require.NoError(t, r.AddInputBuffer([]byte{1, 2, 3, 4}, 0))
	require.NoError(t, r.AddInputBuffer([]byte{5, 6, 7, 8}, 1))
	require.NoError(t, r.AddOutputBuffer(out, 0))
	require.NoError(t, r.AddOutputBuffer(make([]byte, 4), 1))

	err = r.Invoke(context.Background())
	var eerr *runner.ExecutionError
	require.True(t, errors.As(err, &eerr), "got %v", err)
	assert.True(t, eerr.TimedOut)
	assert.Equal(t, []byte{0xaa, 0xaa, 0xaa, 0xaa}, out, "outputs must not be touched after a timeout")

	err = r.Invoke(context.Background())
	assert.ErrorIs(t, err, runner.ErrDeviceStateUnknown)
	assert.ErrorIs(t, err, runner.ErrExecutionFailure)

	require.NoError(t, dev.Reset())
	require.NoError(t, dev.LoadProgram(c, 0, false))
	r.Reset()

	// the latency still exceeds the timeout, so only check the runner lets the call through
	err = r.Invoke(context.Background())
	assert.NotErrorIs(t, err, runner.ErrDeviceStateUnknown)
}

func TestRecoversAfterReset(t *testing.T) {
	c := packContainer(t, copyPackage())
	dev := emulatedDevice(t, c)

	r, err := runner.New(dev, c)
	require.NoError(t, err)
	defer r.Close()
	out0, out1 := make([]byte, 4), make([]byte, 4)
	require.NoError(t, r.AddInputBuffer([]byte{1, 2, 3, 4}, 0))
	require.NoError(t, r.AddInputBuffer([]byte{5, 6, 7, 8}, 1))
	require.NoError(t, r.AddOutputBuffer(out0, 0))
	require.NoError(t, r.AddOutputBuffer(out1, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = r.Invoke(ctx)
	require.ErrorIs(t, err, runner.ErrExecutionFailure)
	assert.ErrorIs(t, r.Invoke(context.Background()), runner.ErrDeviceStateUnknown)

	require.NoError(t, dev.Reset())
	require.NoError(t, dev.LoadProgram(c, 0, false))
	r.Reset()

	require.NoError(t, r.Invoke(context.Background()))
	assert.Equal(t, []byte{1, 2, 3, 4}, out0)
	assert.Equal(t, []byte{5, 6, 7, 8}, out1)
}

func TestCloseFreesOnce(t *testing.T) {
	c := packContainer(t, copyPackage())
	dev := &stubDevice{}
	r, err := runner.New(dev, c, runner.WithPartialBinding())
	require.NoError(t, err)

	r.Close()
	r.Close()
	assert.Equal(t, []string{"allocate input", "allocate output", "free input", "free output"}, dev.calls)
	assert.ErrorIs(t, r.Invoke(context.Background()), runner.ErrClosed)
}

func TestJournalRecordsEveryInvocation(t *testing.T) {
	c := packContainer(t, copyPackage())
	dev := &stubDevice{}
	j := &recordingJournal{err: errors.New("disk full")}
	r, err := runner.New(dev, c, runner.WithPartialBinding(), runner.WithJournal(j))
	require.NoError(t, err)
	require.NoError(t, r.AddInputBuffer([]byte{1, 2, 3, 4}, 1))

	// journal failures are logged, not returned
	require.NoError(t, r.Invoke(context.Background()))

	dev.execute = func(context.Context, []byte, []byte) error { return errors.New("device error") }
	require.Error(t, r.Invoke(context.Background()))

	require.Len(t, j.invocations, 2)
	first, second := j.invocations[0], j.invocations[1]
	assert.Equal(t, "copier", first.Program)
	assert.Equal(t, "copy", first.EntryPoint)
	assert.Equal(t, 1, first.InputTensors)
	assert.Zero(t, first.OutputTensors)
	assert.NoError(t, first.Err)
	assert.ErrorIs(t, second.Err, runner.ErrExecutionFailure)
	assert.NotEqual(t, first.ID, second.ID)

	id, err := uuid.Parse(first.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}
