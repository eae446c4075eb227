package iop_test

import (
	"errors"

	"github.com/gomithril/iopruntime/driver"
)

var errInjected = errors.New("injected failure")

type fakeTensor struct {
	name   string
	format int32
	dtype  int32
	size   int
	dims   []uint32
}

type fakeEntryPoint struct {
	name    string
	inSize  int
	outSize int
	inputs  []fakeTensor
	outputs []fakeTensor
}

type fakeProgram struct {
	name        string
	entrypoints []fakeEntryPoint
}

// fakeParser serves a fixed tree and fails the first call to the method
// named by fail.
type fakeParser struct {
	programs []fakeProgram
	fail     string

	data       []byte
	releases   int
	conversion []string
}

func (f *fakeParser) check(method string) error {
	if f.fail == method {
		return errInjected
	}
	return nil
}

func (f *fakeParser) Parse(data []byte) (driver.ContainerHandle, error) {
	if err := f.check("Parse"); err != nil {
		return nil, err
	}
	f.data = data
	return &fakeContainer{f: f}, nil
}

type fakeContainer struct{ f *fakeParser }

func (c *fakeContainer) NumPrograms() (int, error) {
	return len(c.f.programs), c.f.check("NumPrograms")
}

func (c *fakeContainer) Program(n int) (driver.ProgramHandle, error) {
	if err := c.f.check("Program"); err != nil {
		return nil, err
	}
	return &fakeProgramHandle{f: c.f, p: &c.f.programs[n]}, nil
}

func (c *fakeContainer) ProgramName(n int) (string, error) {
	return c.f.programs[n].name, c.f.check("ProgramName")
}

func (c *fakeContainer) Release() error {
	c.f.releases++
	return nil
}

type fakeProgramHandle struct {
	f *fakeParser
	p *fakeProgram
}

func (p *fakeProgramHandle) NumEntryPoints() (int, error) {
	return len(p.p.entrypoints), p.f.check("NumEntryPoints")
}

func (p *fakeProgramHandle) EntryPoint(n int) (driver.EntryPointHandle, error) {
	if err := p.f.check("EntryPoint"); err != nil {
		return nil, err
	}
	return &fakeEntryPointHandle{f: p.f, e: &p.p.entrypoints[n]}, nil
}

type fakeEntryPointHandle struct {
	f *fakeParser
	e *fakeEntryPoint
}

func (e *fakeEntryPointHandle) Name() (string, error) { return e.e.name, e.f.check("EntryPointName") }

func (e *fakeEntryPointHandle) Input() (driver.DescriptorHandle, error) {
	return &fakeDescriptor{f: e.f, tensors: e.e.inputs}, e.f.check("Input")
}

func (e *fakeEntryPointHandle) Output() (driver.DescriptorHandle, error) {
	return &fakeDescriptor{f: e.f, tensors: e.e.outputs}, e.f.check("Output")
}

func (e *fakeEntryPointHandle) InputSize() (int, error) { return e.e.inSize, e.f.check("InputSize") }
func (e *fakeEntryPointHandle) OutputSize() (int, error) { return e.e.outSize, e.f.check("OutputSize") }

type fakeDescriptor struct {
	f       *fakeParser
	tensors []fakeTensor
}

func (d *fakeDescriptor) NumLayouts() (int, error) { return len(d.tensors), d.f.check("NumLayouts") }

func (d *fakeDescriptor) Layout(n int) (driver.LayoutHandle, error) {
	if err := d.f.check("Layout"); err != nil {
		return nil, err
	}
	return &fakeLayout{f: d.f, t: &d.tensors[n]}, nil
}

type fakeLayout struct {
	f *fakeParser
	t *fakeTensor
}

func (l *fakeLayout) Name() (string, error) { return l.t.name, l.f.check("LayoutName") }
func (l *fakeLayout) Format() (int32, error) { return l.t.format, l.f.check("Format") }
func (l *fakeLayout) DType() (int32, error) { return l.t.dtype, l.f.check("DType") }
func (l *fakeLayout) Size() (int, error) { return l.t.size, l.f.check("Size") }
func (l *fakeLayout) NumDimensions() (int, error) { return len(l.t.dims), l.f.check("NumDimensions") }

func (l *fakeLayout) Dimension(n int) (uint32, error) {
	return l.t.dims[n], l.f.check("Dimension")
}

// ToHost copies the head of the slot so tests can see the call happened.
func (l *fakeLayout) ToHost(device, host []byte) error {
	l.f.conversion = append(l.f.conversion, "to "+l.t.name)
	if err := l.f.check("ToHost"); err != nil {
		return err
	}
	copy(host, device)
	return nil
}

func (l *fakeLayout) FromHost(host, device []byte) error {
	l.f.conversion = append(l.f.conversion, "from "+l.t.name)
	if err := l.f.check("FromHost"); err != nil {
		return err
	}
	copy(device, host)
	return nil
}

// twoProgramTree has programs with one and two entrypoints.
func twoProgramTree() []fakeProgram {
	return []fakeProgram{
		{
			name: "matmul",
			entrypoints: []fakeEntryPoint{{
				name:    "mm",
				inSize:  640,
				outSize: 320,
				inputs: []fakeTensor{
					{name: "A", format: 0, dtype: 0, size: 6, dims: []uint32{2, 3}},
					{name: "B", format: 0, dtype: 0, size: 12, dims: []uint32{4, 3}},
				},
				outputs: []fakeTensor{
					{name: "C", format: 1, dtype: 4, size: 32, dims: []uint32{2, 4}},
				},
			}},
		},
		{
			name: "caf\u00e9",
			entrypoints: []fakeEntryPoint{
				{name: "first", inSize: 4, outSize: 4,
					inputs:  []fakeTensor{{name: "x", format: 1, dtype: 1, size: 4, dims: []uint32{4}}},
					outputs: []fakeTensor{{name: "y", format: 1, dtype: 1, size: 4, dims: []uint32{4}}}},
				{name: "second", inSize: 0, outSize: 0},
			},
		},
	}
}
