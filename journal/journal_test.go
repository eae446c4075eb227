package journal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomithril/iopruntime/iop"
	"github.com/gomithril/iopruntime/runner"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, j.Record(ctx, runner.Invocation{
			ID:              fmt.Sprintf("inv-%d", i),
			Program:         "mm_example",
			EntryPoint:      "matmul",
			EntryPointIndex: i,
			StartedAt:       base.Add(time.Duration(i) * time.Second),
			Duration:        time.Duration(i+1) * time.Millisecond,
			InputTensors:    2,
			OutputTensors:   1,
		}))
	}

	entries, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "inv-2", entries[0].ID)
	assert.Equal(t, "inv-1", entries[1].ID)

	e := entries[0]
	assert.Equal(t, "mm_example", e.Program)
	assert.Equal(t, "matmul", e.EntryPoint)
	assert.Equal(t, 2, e.EntryPointIndex)
	assert.True(t, base.Add(2*time.Second).Equal(e.StartedAt))
	assert.Equal(t, 3*time.Millisecond, e.Duration)
	assert.Equal(t, 2, e.InputTensors)
	assert.Equal(t, 1, e.OutputTensors)
	assert.Equal(t, StatusOK, e.Status)
	assert.Empty(t, e.Error)
}

func TestRecordIgnoresDuplicateID(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	inv := runner.Invocation{ID: "same", Program: "p", EntryPoint: "e", StartedAt: time.Now()}

	require.NoError(t, j.Record(ctx, inv))
	inv.Program = "other"
	require.NoError(t, j.Record(ctx, inv))

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "p", entries[0].Program)
}

func TestRecordStoresFailures(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	failure := &runner.ExecutionError{TimedOut: true, Err: context.DeadlineExceeded}

	require.NoError(t, j.Record(ctx, runner.Invocation{ID: "t", Program: "p", EntryPoint: "e", StartedAt: time.Now(), Err: failure}))

	entries, err := j.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusTimeout, entries[0].Status)
	assert.Equal(t, failure.Error(), entries[0].Error)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, StatusOK},
		{&runner.ExecutionError{TimedOut: true, Err: context.DeadlineExceeded}, StatusTimeout},
		{&runner.ExecutionError{Err: errors.New("kernel")}, StatusExecution},
		{runner.ErrDeviceStateUnknown, StatusExecution},
		{fmt.Errorf("input 0: %w", &iop.SizeMismatchError{Tensor: "A", Side: "device", Expected: 1, Actual: 2}), StatusSizeMismatch},
		{errors.New("other"), StatusError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestOpenBadPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "journal.db"))
	assert.Error(t, err)
}
