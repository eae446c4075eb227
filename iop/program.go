package iop

import (
	"fmt"
	"slices"

	"github.com/gomithril/iopruntime/driver"
	"golang.org/x/text/unicode/norm"
)

// IODescriptor is the ordered set of tensors for one direction of an
// entrypoint. Index i always denotes the i-th tensor declared in the
// container.
type IODescriptor struct {
	layouts []*TensorLayout
	size    int
}

func newIODescriptor(h driver.DescriptorHandle, size int) (IODescriptor, error) {
	d := IODescriptor{size: size}
	n, err := h.NumLayouts()
	if err != nil {
		return d, &ParseError{Step: "layouts", Err: err}
	}
	for nth := 0; nth < n; nth++ {
		lh, err := h.Layout(nth)
		if err != nil {
			return d, &ParseError{Step: fmt.Sprintf("layout %d", nth), Err: err}
		}
		layout, err := newTensorLayout(lh, size)
		if err != nil {
			return d, err
		}
		d.layouts = append(d.layouts, &layout)
	}
	return d, nil
}

// Layouts returns the tensors in declaration order.
func (d *IODescriptor) Layouts() []*TensorLayout { return slices.Clone(d.layouts) }

func (d *IODescriptor) Len() int { return len(d.layouts) }

// Size is the aggregate device buffer size for this direction.
func (d *IODescriptor) Size() int { return d.size }

func (d *IODescriptor) Layout(index int) (*TensorLayout, error) {
	if err := checkIndex("tensor", index, len(d.layouts)); err != nil {
		return nil, err
	}
	return d.layouts[index], nil
}

// LayoutByName returns the index and layout of the named tensor.
func (d *IODescriptor) LayoutByName(name string) (int, *TensorLayout, bool) {
	for i, l := range d.layouts {
		if sameName(l.name, name) {
			return i, l, true
		}
	}
	return -1, nil, false
}

// HostSize sums the host sizes of all tensors.
func (d *IODescriptor) HostSize() int {
	total := 0
	for _, l := range d.layouts {
		total += l.hostSize
	}
	return total
}

// EntryPoint is a callable unit of a program.
type EntryPoint struct {
	name   string
	input  IODescriptor
	output IODescriptor
}

func newEntryPoint(h driver.EntryPointHandle) (*EntryPoint, error) {
	name, err := h.Name()
	if err != nil {
		return nil, &ParseError{Step: "entrypoint name", Err: err}
	}
	ep := &EntryPoint{name: name}

	inputIod, err := h.Input()
	if err != nil {
		return nil, &ParseError{Step: "input descriptor", Err: err}
	}
	outputIod, err := h.Output()
	if err != nil {
		return nil, &ParseError{Step: "output descriptor", Err: err}
	}
	inputSize, err := h.InputSize()
	if err != nil {
		return nil, &ParseError{Step: "input size", Err: err}
	}
	outputSize, err := h.OutputSize()
	if err != nil {
		return nil, &ParseError{Step: "output size", Err: err}
	}

	if ep.input, err = newIODescriptor(inputIod, inputSize); err != nil {
		return nil, err
	}
	if ep.output, err = newIODescriptor(outputIod, outputSize); err != nil {
		return nil, err
	}
	return ep, nil
}

func (e *EntryPoint) Name() string { return e.name }

func (e *EntryPoint) Input() *IODescriptor { return &e.input }

func (e *EntryPoint) Output() *IODescriptor { return &e.output }

// Descriptor returns the input or output descriptor.
func (e *EntryPoint) Descriptor(dir driver.Direction) *IODescriptor {
	if dir == driver.Output {
		return &e.output
	}
	return &e.input
}

// Program is a compiled unit holding one or more entrypoints.
type Program struct {
	name        string
	entrypoints []*EntryPoint
}

func newProgram(h driver.ProgramHandle, name string) (*Program, error) {
	p := &Program{name: name}
	n, err := h.NumEntryPoints()
	if err != nil {
		return nil, &ParseError{Step: "entrypoints", Err: err}
	}
	for nth := 0; nth < n; nth++ {
		eh, err := h.EntryPoint(nth)
		if err != nil {
			return nil, &ParseError{Step: fmt.Sprintf("entrypoint %d", nth), Err: err}
		}
		ep, err := newEntryPoint(eh)
		if err != nil {
			return nil, err
		}
		p.entrypoints = append(p.entrypoints, ep)
	}
	return p, nil
}

func (p *Program) Name() string { return p.name }

func (p *Program) EntryPoints() []*EntryPoint { return slices.Clone(p.entrypoints) }

func (p *Program) NumEntryPoints() int { return len(p.entrypoints) }

func (p *Program) EntryPoint(index int) (*EntryPoint, error) {
	if err := checkIndex("entrypoint", index, len(p.entrypoints)); err != nil {
		return nil, err
	}
	return p.entrypoints[index], nil
}

// EntryPointByName returns the index of the named entrypoint.
func (p *Program) EntryPointByName(name string) (int, *EntryPoint, bool) {
	for i, ep := range p.entrypoints {
		if sameName(ep.name, name) {
			return i, ep, true
		}
	}
	return -1, nil, false
}

// Names coming out of the compiler are not guaranteed to be NFC.
func sameName(a, b string) bool {
	return norm.NFC.String(a) == norm.NFC.String(b)
}
