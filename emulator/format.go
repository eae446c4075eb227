package emulator

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"math/bits"
	"slices"

	"github.com/gomithril/iopruntime/iop"
)

var magic = [4]byte{'I', 'O', 'P', 0x01}

const formatVersion = 1

// LaneWidth is the default row pitch granularity of strided tensors.
const LaneWidth = 320

// Package is the decoded form of an emulator IOP file.
type Package struct {
	Programs []ProgramSpec
}

type ProgramSpec struct {
	Name        string
	EntryPoints []EntryPointSpec
}

type EntryPointSpec struct {
	Name   string
	Kernel string
	Attrs  map[string]string
	Input  DescriptorSpec
	Output DescriptorSpec
}

type DescriptorSpec struct {
	Size    uint64
	Layouts []LayoutSpec
}

type LayoutSpec struct {
	Name     string
	Format   iop.Format
	DType    iop.DType
	Dims     []uint32
	HostSize uint64
	Offset   uint64
	RowPitch uint32
}

// rows and rowBytes split the tensor into the unit a strided layout pads.
// Products that overflow saturate at math.MaxUint64 and never validate.
func (l *LayoutSpec) rows() uint64 {
	if len(l.Dims) <= 1 {
		return 1
	}
	n, ok := product(l.Dims[:len(l.Dims)-1], 1)
	if !ok {
		return math.MaxUint64
	}
	return n
}

func (l *LayoutSpec) rowBytes() uint64 {
	if len(l.Dims) == 0 {
		return l.HostSize
	}
	return uint64(l.Dims[len(l.Dims)-1]) * uint64(l.DType.Size())
}

// Footprint is the number of device bytes the tensor occupies from Offset.
func (l *LayoutSpec) Footprint() uint64 {
	if l.Format == iop.Strided {
		n, ok := mul64(l.rows(), uint64(l.RowPitch))
		if !ok {
			return math.MaxUint64
		}
		return n
	}
	return l.HostSize
}

// TensorBytes is the host size of a dense tensor with the given shape.
func TensorBytes(dims []uint32, dtype iop.DType) (uint64, error) {
	n, ok := product(dims, uint64(dtype.Size()))
	if !ok {
		return 0, fmt.Errorf("%v x %s overflows 64 bits", dims, dtype)
	}
	return n, nil
}

func mul64(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

func product(dims []uint32, scale uint64) (uint64, bool) {
	n := scale
	for _, d := range dims {
		var ok bool
		if n, ok = mul64(n, uint64(d)); !ok {
			return 0, false
		}
	}
	return n, true
}

// DefaultPitch rounds a row up to the lane width.
func DefaultPitch(rowBytes uint64) uint32 {
	if rowBytes == 0 {
		return LaneWidth
	}
	return uint32((rowBytes + LaneWidth - 1) / LaneWidth * LaneWidth)
}

func (l *LayoutSpec) validate(size uint64) error {
	elem := l.DType.Size()
	if elem == 0 {
		return fmt.Errorf("tensor %q: unknown dtype %d", l.Name, l.DType)
	}
	want, err := TensorBytes(l.Dims, l.DType)
	if err != nil {
		return fmt.Errorf("tensor %q: %w", l.Name, err)
	}
	if want != l.HostSize {
		return fmt.Errorf("tensor %q: host size %d does not match %v x %s (%d bytes)", l.Name, l.HostSize, l.Dims, l.DType, want)
	}
	switch l.Format {
	case iop.Contiguous:
	case iop.Strided:
		if uint64(l.RowPitch) < l.rowBytes() {
			return fmt.Errorf("tensor %q: row pitch %d is smaller than a row of %d bytes", l.Name, l.RowPitch, l.rowBytes())
		}
		if l.rows() == math.MaxUint64 || l.Footprint() == math.MaxUint64 {
			return fmt.Errorf("tensor %q: %v rows of pitch %d overflow 64 bits", l.Name, l.Dims, l.RowPitch)
		}
	default:
		return fmt.Errorf("tensor %q: unknown format %d", l.Name, l.Format)
	}
	if end := l.Offset + l.Footprint(); end > size || end < l.Offset {
		return fmt.Errorf("tensor %q: bytes [%d, %d) exceed descriptor size %d", l.Name, l.Offset, end, size)
	}
	return nil
}

func (d *DescriptorSpec) validate() error {
	for i := range d.Layouts {
		if err := d.Layouts[i].validate(d.Size); err != nil {
			return err
		}
	}
	for i := range d.Layouts {
		a := &d.Layouts[i]
		for j := i + 1; j < len(d.Layouts); j++ {
			b := &d.Layouts[j]
			if a.Offset < b.Offset+b.Footprint() && b.Offset < a.Offset+a.Footprint() {
				return fmt.Errorf("tensors %q and %q overlap", a.Name, b.Name)
			}
		}
	}
	return nil
}

// Validate checks every layout against its descriptor.
func (p *Package) Validate() error {
	for _, program := range p.Programs {
		for _, ep := range program.EntryPoints {
			if err := ep.Input.validate(); err != nil {
				return fmt.Errorf("program %q entrypoint %q input: %w", program.Name, ep.Name, err)
			}
			if err := ep.Output.validate(); err != nil {
				return fmt.Errorf("program %q entrypoint %q output: %w", program.Name, ep.Name, err)
			}
		}
	}
	return nil
}

// Encode serialises a package into IOP bytes.
func Encode(p *Package) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid package: %w", err)
	}
	return encode(p), nil
}

func encode(p *Package) []byte {
	w := &writer{}
	w.buf.Write(magic[:])
	w.u32(formatVersion)
	w.u32(uint32(len(p.Programs)))
	for _, program := range p.Programs {
		w.str(program.Name)
		w.u32(uint32(len(program.EntryPoints)))
		for _, ep := range program.EntryPoints {
			w.str(ep.Name)
			w.str(ep.Kernel)
			keys := sortedKeys(ep.Attrs)
			w.u32(uint32(len(keys)))
			for _, k := range keys {
				w.str(k)
				w.str(ep.Attrs[k])
			}
			w.descriptor(&ep.Input)
			w.descriptor(&ep.Output)
		}
	}
	return w.buf.Bytes()
}

// Decode parses IOP bytes produced by Encode.
func Decode(data []byte) (*Package, error) {
	r := &reader{r: bytes.NewReader(data)}

	var m [4]byte
	r.read(m[:])
	if r.err == nil && m != magic {
		return nil, errors.New("bad magic")
	}
	if v := r.u32(); r.err == nil && v != formatVersion {
		return nil, fmt.Errorf("unsupported version %d", v)
	}

	p := &Package{}
	nPrograms := r.count()
	for i := 0; i < nPrograms && r.err == nil; i++ {
		program := ProgramSpec{Name: r.str()}
		nEntryPoints := r.count()
		for j := 0; j < nEntryPoints && r.err == nil; j++ {
			ep := EntryPointSpec{Name: r.str(), Kernel: r.str()}
			nAttrs := r.count()
			for k := 0; k < nAttrs && r.err == nil; k++ {
				if ep.Attrs == nil {
					ep.Attrs = make(map[string]string, nAttrs)
				}
				key := r.str()
				ep.Attrs[key] = r.str()
			}
			ep.Input = r.descriptor()
			ep.Output = r.descriptor()
			program.EntryPoints = append(program.EntryPoints, ep)
		}
		p.Programs = append(p.Programs, program)
	}
	if r.err != nil {
		return nil, fmt.Errorf("truncated package: %w", r.err)
	}
	if r.r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.r.Len())
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v uint8) { w.buf.WriteByte(v) }

func (w *writer) u32(v uint32) { w.buf.Write(binary.LittleEndian.AppendUint32(nil, v)) }

func (w *writer) u64(v uint64) { w.buf.Write(binary.LittleEndian.AppendUint64(nil, v)) }

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *writer) descriptor(d *DescriptorSpec) {
	w.u64(d.Size)
	w.u32(uint32(len(d.Layouts)))
	for _, l := range d.Layouts {
		w.str(l.Name)
		w.u8(uint8(l.Format))
		w.u8(uint8(l.DType))
		w.u32(uint32(len(l.Dims)))
		for _, dim := range l.Dims {
			w.u32(dim)
		}
		w.u64(l.HostSize)
		w.u64(l.Offset)
		w.u32(l.RowPitch)
	}
}

// reader keeps the first error; later reads return zero values.
type reader struct {
	r   *bytes.Reader
	err error
}

func (r *reader) read(p []byte) {
	if r.err != nil {
		return
	}
	if _, err := io.ReadFull(r.r, p); err != nil {
		r.err = err
	}
}

func (r *reader) u8() uint8 {
	var b [1]byte
	r.read(b[:])
	return b[0]
}

func (r *reader) u32() uint32 {
	var b [4]byte
	r.read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (r *reader) u64() uint64 {
	var b [8]byte
	r.read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// count reads a u32 element count and rejects counts the remaining bytes
// cannot possibly hold.
func (r *reader) count() int {
	n := r.u32()
	if r.err == nil && uint64(n) > uint64(r.r.Len()) {
		r.err = fmt.Errorf("count %d exceeds remaining %d bytes: %w", n, r.r.Len(), io.ErrUnexpectedEOF)
		return 0
	}
	return int(n)
}

func (r *reader) str() string {
	n := r.count()
	if r.err != nil {
		return ""
	}
	b := make([]byte, n)
	r.read(b)
	return string(b)
}

func (r *reader) descriptor() DescriptorSpec {
	d := DescriptorSpec{Size: r.u64()}
	if r.err == nil && d.Size > math.MaxInt32*2 {
		r.err = fmt.Errorf("descriptor size %d too large", d.Size)
	}
	n := r.count()
	for i := 0; i < n && r.err == nil; i++ {
		l := LayoutSpec{Name: r.str()}
		l.Format = iop.Format(r.u8())
		l.DType = iop.DType(r.u8())
		nDims := r.count()
		for j := 0; j < nDims && r.err == nil; j++ {
			l.Dims = append(l.Dims, r.u32())
		}
		l.HostSize = r.u64()
		l.Offset = r.u64()
		l.RowPitch = r.u32()
		d.Layouts = append(d.Layouts, l)
	}
	return d
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
