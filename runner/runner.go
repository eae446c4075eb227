// Package runner binds host buffers to one entrypoint of a parsed IOP
// container and executes it synchronously on a device.
//
// An invocation has three phases that never overlap: every bound input is
// converted into the device input buffer, the device executes and completes
// (or times out), then every bound output is converted back into its host
// buffer. A Runner is not safe for concurrent use; use one Runner per
// goroutine, each with its own buffer arrays.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/gomithril/iopruntime/driver"
	"github.com/gomithril/iopruntime/iop"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds the wait for execution to complete.
const DefaultTimeout = 30 * time.Second

// Journal receives a record of every invocation.
type Journal interface {
	Record(ctx context.Context, inv Invocation) error
}

// Invocation summarises one call to Invoke.
type Invocation struct {
	ID              string
	Program         string
	EntryPoint      string
	ProgramIndex    int
	EntryPointIndex int
	StartedAt       time.Time
	Duration        time.Duration
	InputTensors    int
	OutputTensors   int
	Err             error
}

type options struct {
	program    int
	entrypoint int
	timeout    time.Duration
	partial    bool
	journal    Journal
}

type Option func(*options)

// WithProgram selects the program index. The default is 0.
func WithProgram(index int) Option {
	return func(o *options) { o.program = index }
}

// WithEntryPoint selects the entrypoint index. The default is 0.
func WithEntryPoint(index int) Option {
	return func(o *options) { o.entrypoint = index }
}

// WithTimeout bounds the wait for execution. The default is DefaultTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) { o.timeout = timeout }
}

// WithPartialBinding lets Invoke run with unbound tensors. Unbound input
// slots are sent as whatever the device buffer already holds and unbound
// outputs are not read.
func WithPartialBinding() Option {
	return func(o *options) { o.partial = true }
}

// WithJournal records every invocation in j.
func WithJournal(j Journal) Option {
	return func(o *options) { o.journal = j }
}

// Runner is a single-entrypoint invocation session.
type Runner struct {
	dev        driver.Device
	target     driver.Target
	program    *iop.Program
	entrypoint *iop.EntryPoint
	opts       options

	input  driver.BufferArray
	output driver.BufferArray

	inputBuffers  [][]byte
	outputBuffers [][]byte
	inputBound    []bool
	outputBound   []bool

	tainted bool
	closed  bool
}

// New resolves the entrypoint and allocates its input and output buffer
// arrays on dev. The container must outlive the runner.
func New(dev driver.Device, c *iop.Container, opts ...Option) (*Runner, error) {
	o := options{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	program, err := c.Program(o.program)
	if err != nil {
		return nil, fmt.Errorf("selecting program: %w", err)
	}
	entrypoint, err := program.EntryPoint(o.entrypoint)
	if err != nil {
		return nil, fmt.Errorf("selecting entrypoint: %w", err)
	}

	r := &Runner{
		dev:        dev,
		target:     driver.Target{Program: o.program, EntryPoint: o.entrypoint},
		program:    program,
		entrypoint: entrypoint,
		opts:       o,

		inputBuffers:  make([][]byte, entrypoint.Input().Len()),
		outputBuffers: make([][]byte, entrypoint.Output().Len()),
		inputBound:    make([]bool, entrypoint.Input().Len()),
		outputBound:   make([]bool, entrypoint.Output().Len()),
	}

	inputSize := entrypoint.Input().Size()
	r.input, err = dev.Allocate(driver.Input, r.target, inputSize)
	if err != nil {
		return nil, &AllocationError{Direction: driver.Input, Size: inputSize, Err: err}
	}

	outputSize := entrypoint.Output().Size()
	r.output, err = dev.Allocate(driver.Output, r.target, outputSize)
	if err != nil {
		if ferr := r.input.Free(); ferr != nil {
			log.Debug().Err(ferr).Msg("freeing input buffer array after failed allocation")
		}
		return nil, &AllocationError{Direction: driver.Output, Size: outputSize, Err: err}
	}

	log.Debug().
		Str("program", program.Name()).
		Str("entrypoint", entrypoint.Name()).
		Int("input_bytes", inputSize).
		Int("output_bytes", outputSize).
		Msg("allocated buffer arrays")
	return r, nil
}

func (r *Runner) Target() driver.Target { return r.target }

func (r *Runner) Program() *iop.Program { return r.program }

func (r *Runner) EntryPoint() *iop.EntryPoint { return r.entrypoint }

// AddInputBuffer binds buf to input tensor index. The buffer is borrowed and
// must stay valid and unmodified until Invoke returns.
func (r *Runner) AddInputBuffer(buf []byte, index int) error {
	if err := bind(r.entrypoint.Input(), buf, index); err != nil {
		return fmt.Errorf("binding input: %w", err)
	}
	r.inputBuffers[index] = buf
	r.inputBound[index] = true
	return nil
}

// AddOutputBuffer binds buf to output tensor index. The buffer is borrowed
// and is written by Invoke.
func (r *Runner) AddOutputBuffer(buf []byte, index int) error {
	if err := bind(r.entrypoint.Output(), buf, index); err != nil {
		return fmt.Errorf("binding output: %w", err)
	}
	r.outputBuffers[index] = buf
	r.outputBound[index] = true
	return nil
}

func bind(d *iop.IODescriptor, buf []byte, index int) error {
	layout, err := d.Layout(index)
	if err != nil {
		return err
	}
	if len(buf) != layout.HostSize() {
		return &iop.SizeMismatchError{Tensor: layout.Name(), Side: "host", Expected: layout.HostSize(), Actual: len(buf)}
	}
	return nil
}

// Invoke converts the inputs, executes the entrypoint and converts the
// outputs. After an execution failure caused by the deadline, the device
// state is unknown and further calls fail until Reset is called.
func (r *Runner) Invoke(ctx context.Context) error {
	if r.closed {
		return ErrClosed
	}
	if r.tainted {
		return ErrDeviceStateUnknown
	}
	if !r.opts.partial {
		if err := missing(driver.Input, r.inputBound); err != nil {
			return err
		}
		if err := missing(driver.Output, r.outputBound); err != nil {
			return err
		}
	}

	inv := Invocation{
		ID:              uuid.Must(uuid.NewV7()).String(),
		Program:         r.program.Name(),
		EntryPoint:      r.entrypoint.Name(),
		ProgramIndex:    r.target.Program,
		EntryPointIndex: r.target.EntryPoint,
		StartedAt:       time.Now(),
		InputTensors:    countBound(r.inputBound),
		OutputTensors:   countBound(r.outputBound),
	}
	inv.Err = r.invoke(ctx)
	inv.Duration = time.Since(inv.StartedAt)

	log.Debug().Str("id", inv.ID).Str("entrypoint", inv.EntryPoint).Dur("duration", inv.Duration).Err(inv.Err).Msg("invoked entrypoint")

	if r.opts.journal != nil {
		if err := r.opts.journal.Record(ctx, inv); err != nil {
			log.Warn().Err(err).Str("id", inv.ID).Msg("failed to record invocation")
		}
	}
	return inv.Err
}

func (r *Runner) invoke(ctx context.Context) error {
	// transform the caller's inputs into the layout the device expects
	inData, err := r.input.Data(0)
	if err != nil {
		return fmt.Errorf("getting input data handle: %w", err)
	}
	for i, buf := range r.inputBuffers {
		if !r.inputBound[i] {
			continue
		}
		layout, err := r.entrypoint.Input().Layout(i)
		if err != nil {
			return err
		}
		if err := layout.FromHost(buf, inData); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()
	if err := r.dev.Execute(execCtx, r.input, r.output); err != nil {
		timedOut := execCtx.Err() != nil
		if timedOut {
			r.tainted = true
		}
		return &ExecutionError{TimedOut: timedOut, Err: err}
	}

	// transform the device's outputs into the layout the caller expects
	outData, err := r.output.Data(0)
	if err != nil {
		return fmt.Errorf("getting output data handle: %w", err)
	}
	for i, buf := range r.outputBuffers {
		if !r.outputBound[i] {
			continue
		}
		layout, err := r.entrypoint.Output().Layout(i)
		if err != nil {
			return err
		}
		if err := layout.ToHost(outData, buf); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
	}
	return nil
}

// Reset clears the unknown device state left by a timed out invocation.
// Call it only after confirming device health, for example after resetting
// the device.
func (r *Runner) Reset() {
	r.tainted = false
}

// Close frees both buffer arrays. Only the first call does anything.
func (r *Runner) Close() {
	if r.closed {
		return
	}
	r.closed = true
	if err := r.input.Free(); err != nil {
		log.Debug().Err(err).Msg("freeing input buffer array")
	}
	if err := r.output.Free(); err != nil {
		log.Debug().Err(err).Msg("freeing output buffer array")
	}
}

func missing(dir driver.Direction, bound []bool) error {
	var indices []int
	for i, ok := range bound {
		if !ok {
			indices = append(indices, i)
		}
	}
	if len(indices) > 0 {
		return &MissingBindingError{Direction: dir, Indices: indices}
	}
	return nil
}

func countBound(bound []bool) int {
	n := 0
	for _, ok := range bound {
		if ok {
			n++
		}
	}
	return n
}
