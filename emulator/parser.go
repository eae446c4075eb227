package emulator

import (
	"github.com/gomithril/iopruntime/driver"
	"github.com/gomithril/iopruntime/iop"
)

// Parser implements driver.Parser for emulator IOP files.
type Parser struct{}

var _ driver.Parser = Parser{}

func (Parser) Parse(data []byte) (driver.ContainerHandle, error) {
	pkg, err := Decode(data)
	if err != nil {
		return nil, statusf(StatusMalformed, "parse", "%v", err)
	}
	return &containerHandle{pkg: pkg}, nil
}

type containerHandle struct {
	pkg      *Package
	released bool
}

var _ driver.ContainerHandle = (*containerHandle)(nil)

func (c *containerHandle) live(op string) error {
	if c.released {
		return status(StatusInvalidHandle, op)
	}
	return nil
}

func (c *containerHandle) NumPrograms() (int, error) {
	if err := c.live("number of programs"); err != nil {
		return 0, err
	}
	return len(c.pkg.Programs), nil
}

func (c *containerHandle) Program(n int) (driver.ProgramHandle, error) {
	if err := c.live("nth program"); err != nil {
		return nil, err
	}
	if n < 0 || n >= len(c.pkg.Programs) {
		return nil, statusf(StatusInvalidArgument, "nth program", "index %d", n)
	}
	return &programHandle{root: c, spec: &c.pkg.Programs[n]}, nil
}

func (c *containerHandle) ProgramName(n int) (string, error) {
	if err := c.live("program name"); err != nil {
		return "", err
	}
	if n < 0 || n >= len(c.pkg.Programs) {
		return "", statusf(StatusInvalidArgument, "program name", "index %d", n)
	}
	return c.pkg.Programs[n].Name, nil
}

func (c *containerHandle) Release() error {
	if err := c.live("release"); err != nil {
		return err
	}
	c.released = true
	return nil
}

type programHandle struct {
	root *containerHandle
	spec *ProgramSpec
}

func (p *programHandle) NumEntryPoints() (int, error) {
	if err := p.root.live("number of entrypoints"); err != nil {
		return 0, err
	}
	return len(p.spec.EntryPoints), nil
}

func (p *programHandle) EntryPoint(n int) (driver.EntryPointHandle, error) {
	if err := p.root.live("nth entrypoint"); err != nil {
		return nil, err
	}
	if n < 0 || n >= len(p.spec.EntryPoints) {
		return nil, statusf(StatusInvalidArgument, "nth entrypoint", "index %d", n)
	}
	return &entryPointHandle{root: p.root, spec: &p.spec.EntryPoints[n]}, nil
}

type entryPointHandle struct {
	root *containerHandle
	spec *EntryPointSpec
}

func (e *entryPointHandle) Name() (string, error) {
	if err := e.root.live("entrypoint name"); err != nil {
		return "", err
	}
	return e.spec.Name, nil
}

func (e *entryPointHandle) Input() (driver.DescriptorHandle, error) {
	if err := e.root.live("input iodescriptor"); err != nil {
		return nil, err
	}
	return &descriptorHandle{root: e.root, spec: &e.spec.Input}, nil
}

func (e *entryPointHandle) Output() (driver.DescriptorHandle, error) {
	if err := e.root.live("output iodescriptor"); err != nil {
		return nil, err
	}
	return &descriptorHandle{root: e.root, spec: &e.spec.Output}, nil
}

func (e *entryPointHandle) InputSize() (int, error) {
	if err := e.root.live("input size"); err != nil {
		return 0, err
	}
	return int(e.spec.Input.Size), nil
}

func (e *entryPointHandle) OutputSize() (int, error) {
	if err := e.root.live("output size"); err != nil {
		return 0, err
	}
	return int(e.spec.Output.Size), nil
}

type descriptorHandle struct {
	root *containerHandle
	spec *DescriptorSpec
}

func (d *descriptorHandle) NumLayouts() (int, error) {
	if err := d.root.live("number of tensor layouts"); err != nil {
		return 0, err
	}
	return len(d.spec.Layouts), nil
}

func (d *descriptorHandle) Layout(n int) (driver.LayoutHandle, error) {
	if err := d.root.live("nth tensor layout"); err != nil {
		return nil, err
	}
	if n < 0 || n >= len(d.spec.Layouts) {
		return nil, statusf(StatusInvalidArgument, "nth tensor layout", "index %d", n)
	}
	return &layoutHandle{root: d.root, spec: &d.spec.Layouts[n], size: d.spec.Size}, nil
}

type layoutHandle struct {
	root *containerHandle
	spec *LayoutSpec
	size uint64
}

func (l *layoutHandle) Name() (string, error) {
	if err := l.root.live("tensor layout name"); err != nil {
		return "", err
	}
	return l.spec.Name, nil
}

func (l *layoutHandle) Format() (int32, error) {
	if err := l.root.live("tensor layout format"); err != nil {
		return 0, err
	}
	return int32(l.spec.Format), nil
}

func (l *layoutHandle) DType() (int32, error) {
	if err := l.root.live("tensor layout dtype"); err != nil {
		return 0, err
	}
	return int32(l.spec.DType), nil
}

func (l *layoutHandle) Size() (int, error) {
	if err := l.root.live("tensor layout size"); err != nil {
		return 0, err
	}
	return int(l.spec.HostSize), nil
}

func (l *layoutHandle) NumDimensions() (int, error) {
	if err := l.root.live("number of dimensions"); err != nil {
		return 0, err
	}
	return len(l.spec.Dims), nil
}

func (l *layoutHandle) Dimension(n int) (uint32, error) {
	if err := l.root.live("nth dimension"); err != nil {
		return 0, err
	}
	if n < 0 || n >= len(l.spec.Dims) {
		return 0, statusf(StatusInvalidArgument, "nth dimension", "index %d", n)
	}
	return l.spec.Dims[n], nil
}

func (l *layoutHandle) ToHost(device, host []byte) error {
	if err := l.root.live("tensor layout to host"); err != nil {
		return err
	}
	return toHost(l.spec, l.size, device, host)
}

func (l *layoutHandle) FromHost(host, device []byte) error {
	if err := l.root.live("tensor layout from host"); err != nil {
		return err
	}
	return fromHost(l.spec, l.size, host, device)
}

// toHost copies a tensor out of a whole device slot.
func toHost(l *LayoutSpec, size uint64, device, host []byte) error {
	if uint64(len(device)) != size || uint64(len(host)) != l.HostSize {
		return statusf(StatusInvalidArgument, "tensor layout to host", "tensor %q: sizes %d/%d", l.Name, len(device), len(host))
	}
	if l.Format == iop.Contiguous {
		copy(host, device[l.Offset:l.Offset+l.HostSize])
		return nil
	}
	rowBytes := l.rowBytes()
	pitch := uint64(l.RowPitch)
	for r := uint64(0); r < l.rows(); r++ {
		src := l.Offset + r*pitch
		copy(host[r*rowBytes:(r+1)*rowBytes], device[src:src+rowBytes])
	}
	return nil
}

// fromHost writes a tensor into a whole device slot. Row padding is zeroed;
// bytes outside the tensor's footprint are left alone.
func fromHost(l *LayoutSpec, size uint64, host, device []byte) error {
	if uint64(len(device)) != size || uint64(len(host)) != l.HostSize {
		return statusf(StatusInvalidArgument, "tensor layout from host", "tensor %q: sizes %d/%d", l.Name, len(host), len(device))
	}
	if l.Format == iop.Contiguous {
		copy(device[l.Offset:l.Offset+l.HostSize], host)
		return nil
	}
	rowBytes := l.rowBytes()
	pitch := uint64(l.RowPitch)
	for r := uint64(0); r < l.rows(); r++ {
		dst := device[l.Offset+r*pitch : l.Offset+(r+1)*pitch]
		n := copy(dst, host[r*rowBytes:(r+1)*rowBytes])
		clear(dst[n:])
	}
	return nil
}
