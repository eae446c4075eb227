// Package emulator is a software accelerator behind the driver interfaces.
//
// It reads its own IOP file format (see Encode and Decode), converts tensors
// between host and strided or contiguous device layouts, and executes
// entrypoints with registered kernels. Devices follow the usual session
// lifecycle: open, reset, clear memory, load a program, execute, close.
package emulator

import (
	"context"
	"sync"
	"time"

	"github.com/gomithril/iopruntime/driver"
	"github.com/gomithril/iopruntime/iop"
	"github.com/rs/zerolog/log"
)

// DefaultCapacity is the device memory available for buffer arrays.
const DefaultCapacity = 256 << 20

type Option func(*Device)

// WithCapacity sets the device memory size in bytes.
func WithCapacity(bytes int) Option {
	return func(d *Device) { d.capacity = bytes }
}

// WithLatency makes every execution take at least latency.
func WithLatency(latency time.Duration) Option {
	return func(d *Device) { d.latency = latency }
}

// WithKernel registers a kernel under name, replacing any builtin.
func WithKernel(name string, k Kernel) Option {
	return func(d *Device) { d.kernels[name] = k }
}

// Driver enumerates emulated devices.
type Driver struct {
	devices []*Device
}

// NewDriver creates a driver with n devices sharing the same options.
func NewDriver(n int, opts ...Option) *Driver {
	d := &Driver{}
	for i := 0; i < n; i++ {
		d.devices = append(d.devices, NewDevice(i, opts...))
	}
	return d
}

func (d *Driver) NumDevices() int { return len(d.devices) }

func (d *Driver) Device(n int) (*Device, error) {
	if n < 0 || n >= len(d.devices) {
		return nil, statusf(StatusInvalidArgument, "nth device", "index %d of %d", n, len(d.devices))
	}
	return d.devices[n], nil
}

// NextAvailableDevice returns the first device that is not open.
func (d *Driver) NextAvailableDevice() (*Device, error) {
	for _, dev := range d.devices {
		if !dev.IsOpen() {
			return dev, nil
		}
	}
	return nil, statusf(StatusInvalidArgument, "next available device", "all %d devices are open", len(d.devices))
}

// Device is one emulated accelerator.
type Device struct {
	id       int
	capacity int
	latency  time.Duration
	kernels  map[string]Kernel

	mu        sync.Mutex
	open      bool
	faulted   bool
	numaNode  int32
	allocated int
	arrays    map[*bufferArray]struct{}
	loaded    map[int]*ProgramSpec

	inflight sync.WaitGroup
}

var _ driver.Device = (*Device)(nil)

func NewDevice(id int, opts ...Option) *Device {
	d := &Device{
		id:       id,
		capacity: DefaultCapacity,
		kernels:  builtinKernels(),
		numaNode: -1,
		arrays:   make(map[*bufferArray]struct{}),
		loaded:   make(map[int]*ProgramSpec),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) ID() int { return d.id }

func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return statusf(StatusInvalidArgument, "device open", "device %d is already open", d.id)
	}
	d.open = true
	d.numaNode = 0
	log.Debug().Int("device", d.id).Msg("opened device")
	return nil
}

func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return status(StatusDeviceNotOpen, "device close")
	}
	d.open = false
	d.numaNode = -1
	clear(d.loaded)
	log.Debug().Int("device", d.id).Msg("closed device")
	return nil
}

// NUMANode is -1 until the device is opened.
func (d *Device) NUMANode() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numaNode
}

// ClearMemory zeroes every live buffer array.
func (d *Device) ClearMemory() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return status(StatusDeviceNotOpen, "device clear memory")
	}
	for a := range d.arrays {
		for _, slot := range a.slots {
			clear(slot)
		}
	}
	return nil
}

// Reset waits for any abandoned execution, clears a fault and unloads all
// programs.
func (d *Device) Reset() error {
	d.inflight.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return status(StatusDeviceNotOpen, "device reset")
	}
	d.faulted = false
	clear(d.loaded)
	log.Debug().Int("device", d.id).Msg("reset device")
	return nil
}

// Faulted reports whether an execution timed out since the last reset.
func (d *Device) Faulted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.faulted
}

// LoadProgram makes program n of c executable. Unless keepEntryPoints is
// set, previously loaded programs are dropped.
func (d *Device) LoadProgram(c *iop.Container, n int, keepEntryPoints bool) error {
	h, ok := c.Handle().(*containerHandle)
	if !ok {
		return statusf(StatusInvalidHandle, "load program", "container was not parsed by the emulator")
	}
	if err := h.live("load program"); err != nil {
		return err
	}
	if n < 0 || n >= len(h.pkg.Programs) {
		return statusf(StatusInvalidArgument, "load program", "program index %d", n)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return status(StatusDeviceNotOpen, "load program")
	}
	if !keepEntryPoints {
		clear(d.loaded)
	}
	d.loaded[n] = &h.pkg.Programs[n]
	log.Debug().Int("device", d.id).Int("program", n).Str("name", h.pkg.Programs[n].Name).Msg("loaded program")
	return nil
}

func (d *Device) Allocate(dir driver.Direction, target driver.Target, size int) (driver.BufferArray, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, status(StatusDeviceNotOpen, "allocate iobuffer array")
	}
	if size < 0 {
		return nil, statusf(StatusInvalidArgument, "allocate iobuffer array", "size %d", size)
	}
	if d.allocated+size > d.capacity {
		return nil, statusf(StatusOutOfMemory, "allocate iobuffer array", "%d bytes requested, %d of %d in use", size, d.allocated, d.capacity)
	}
	a := &bufferArray{
		dev:    d,
		dir:    dir,
		target: target,
		slots:  [][]byte{make([]byte, size)},
	}
	d.allocated += size
	d.arrays[a] = struct{}{}
	return a, nil
}

// Execute runs the entrypoint both arrays were allocated for.
func (d *Device) Execute(ctx context.Context, in, out driver.BufferArray) error {
	const op = "invoke"

	inArr, ok := in.(*bufferArray)
	if !ok || inArr.dev != d || inArr.dir != driver.Input {
		return statusf(StatusInvalidHandle, op, "bad input buffer array")
	}
	outArr, ok := out.(*bufferArray)
	if !ok || outArr.dev != d || outArr.dir != driver.Output {
		return statusf(StatusInvalidHandle, op, "bad output buffer array")
	}
	if inArr.target != outArr.target {
		return statusf(StatusInvalidArgument, op, "input and output arrays target different entrypoints")
	}

	d.mu.Lock()
	switch {
	case !d.open:
		d.mu.Unlock()
		return status(StatusDeviceNotOpen, op)
	case d.faulted:
		d.mu.Unlock()
		return statusf(StatusFaulted, op, "device %d needs a reset", d.id)
	case inArr.freed || outArr.freed:
		d.mu.Unlock()
		return statusf(StatusInvalidHandle, op, "buffer array was freed")
	}
	program, ok := d.loaded[inArr.target.Program]
	d.mu.Unlock()
	if !ok {
		return statusf(StatusNoProgram, op, "program %d is not loaded", inArr.target.Program)
	}
	if inArr.target.EntryPoint < 0 || inArr.target.EntryPoint >= len(program.EntryPoints) {
		return statusf(StatusInvalidArgument, op, "entrypoint index %d", inArr.target.EntryPoint)
	}
	ep := &program.EntryPoints[inArr.target.EntryPoint]

	inSlot, outSlot := inArr.slots[0], outArr.slots[0]
	if uint64(len(inSlot)) != ep.Input.Size || uint64(len(outSlot)) != ep.Output.Size {
		return statusf(StatusInvalidArgument, op, "buffer arrays are %d/%d bytes, entrypoint %q needs %d/%d",
			len(inSlot), len(outSlot), ep.Name, ep.Input.Size, ep.Output.Size)
	}
	kernel, ok := d.kernels[ep.Kernel]
	if !ok {
		return statusf(StatusKernel, op, "no kernel %q for entrypoint %q", ep.Kernel, ep.Name)
	}
	if err := ctx.Err(); err != nil {
		return &StatusError{Status: StatusTimeout, Op: op, Detail: "deadline passed before start", Err: err}
	}

	inputs := make([]Tensor, len(ep.Input.Layouts))
	for i := range ep.Input.Layouts {
		l := &ep.Input.Layouts[i]
		inputs[i] = Tensor{Name: l.Name, DType: l.DType, Dims: l.Dims, Data: make([]byte, l.HostSize)}
		if err := toHost(l, ep.Input.Size, inSlot, inputs[i].Data); err != nil {
			return err
		}
	}
	outputs := make([]Tensor, len(ep.Output.Layouts))
	for i := range ep.Output.Layouts {
		l := &ep.Output.Layouts[i]
		outputs[i] = Tensor{Name: l.Name, DType: l.DType, Dims: l.Dims, Data: make([]byte, l.HostSize)}
	}

	startedAt := time.Now()
	done := make(chan error, 1)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		if d.latency > 0 {
			time.Sleep(d.latency)
		}
		done <- kernel.Run(ctx, ep.Attrs, inputs, outputs)
	}()

	select {
	case err := <-done:
		if err != nil {
			return &StatusError{Status: StatusKernel, Op: op, Detail: ep.Kernel, Err: err}
		}
	case <-ctx.Done():
		d.mu.Lock()
		d.faulted = true
		d.mu.Unlock()
		log.Debug().Int("device", d.id).Str("entrypoint", ep.Name).Dur("waited", time.Since(startedAt)).Msg("execution timed out")
		return &StatusError{Status: StatusTimeout, Op: "wait for completion", Err: ctx.Err()}
	}

	for i := range ep.Output.Layouts {
		if err := fromHost(&ep.Output.Layouts[i], ep.Output.Size, outputs[i].Data, outSlot); err != nil {
			return err
		}
	}
	log.Debug().Int("device", d.id).Str("entrypoint", ep.Name).Str("kernel", ep.Kernel).Dur("duration", time.Since(startedAt)).Msg("executed entrypoint")
	return nil
}

type bufferArray struct {
	dev    *Device
	dir    driver.Direction
	target driver.Target
	slots  [][]byte
	freed  bool
}

func (a *bufferArray) Data(slot int) ([]byte, error) {
	a.dev.mu.Lock()
	defer a.dev.mu.Unlock()
	if a.freed {
		return nil, status(StatusInvalidHandle, "get data handle")
	}
	if slot < 0 || slot >= len(a.slots) {
		return nil, statusf(StatusInvalidArgument, "get data handle", "slot %d of %d", slot, len(a.slots))
	}
	return a.slots[slot], nil
}

func (a *bufferArray) Free() error {
	a.dev.mu.Lock()
	defer a.dev.mu.Unlock()
	if a.freed {
		return status(StatusInvalidHandle, "deallocate iobuffer array")
	}
	a.freed = true
	for _, slot := range a.slots {
		a.dev.allocated -= len(slot)
	}
	delete(a.dev.arrays, a)
	return nil
}

// Allocated is the number of device bytes held by live buffer arrays.
func (d *Device) Allocated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}
