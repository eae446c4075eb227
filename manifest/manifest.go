// Package manifest describes IOP packages in YAML and packs them into the
// emulator container format.
//
// A manifest is validated against an embedded CUE schema before packing,
// which also fills in defaults such as the strided format.
package manifest

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/gomithril/iopruntime/emulator"
	"github.com/gomithril/iopruntime/iop"
)

//go:embed schema.cue
var schemaCUE string

type Manifest struct {
	Programs []Program `json:"programs"`
}

type Program struct {
	Name        string       `json:"name"`
	EntryPoints []EntryPoint `json:"entrypoints"`
}

type EntryPoint struct {
	Name    string            `json:"name"`
	Kernel  string            `json:"kernel"`
	Attrs   map[string]string `json:"attrs,omitempty"`
	Inputs  []Tensor          `json:"inputs"`
	Outputs []Tensor          `json:"outputs"`
}

type Tensor struct {
	Name   string   `json:"name"`
	DType  string   `json:"dtype"`
	Shape  []uint32 `json:"shape"`
	Format string   `json:"format"`
	Pitch  uint32   `json:"pitch,omitempty"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, validates it against the schema and applies defaults.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]any
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("failed to parse YAML: empty manifest")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compiling manifest schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Manifest")).Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	var m Manifest
	if err := v.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

// Package lays out every tensor and returns the emulator package. Tensors
// are placed in declaration order, each starting on a lane boundary.
func (m *Manifest) Package() (*emulator.Package, error) {
	pkg := &emulator.Package{}
	for _, p := range m.Programs {
		program := emulator.ProgramSpec{Name: norm.NFC.String(p.Name)}
		for _, ep := range p.EntryPoints {
			in, err := layoutDescriptor(ep.Inputs)
			if err != nil {
				return nil, fmt.Errorf("program %q entrypoint %q inputs: %w", p.Name, ep.Name, err)
			}
			out, err := layoutDescriptor(ep.Outputs)
			if err != nil {
				return nil, fmt.Errorf("program %q entrypoint %q outputs: %w", p.Name, ep.Name, err)
			}
			program.EntryPoints = append(program.EntryPoints, emulator.EntryPointSpec{
				Name:   norm.NFC.String(ep.Name),
				Kernel: ep.Kernel,
				Attrs:  ep.Attrs,
				Input:  in,
				Output: out,
			})
		}
		pkg.Programs = append(pkg.Programs, program)
	}
	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	return pkg, nil
}

// Pack returns the IOP bytes for m.
func (m *Manifest) Pack() ([]byte, error) {
	pkg, err := m.Package()
	if err != nil {
		return nil, err
	}
	return emulator.Encode(pkg)
}

func layoutDescriptor(tensors []Tensor) (emulator.DescriptorSpec, error) {
	var d emulator.DescriptorSpec
	offset := uint64(0)
	for _, t := range tensors {
		dtype, err := iop.ParseDType(t.DType)
		if err != nil {
			return d, fmt.Errorf("tensor %q: %w", t.Name, err)
		}

		l := emulator.LayoutSpec{
			Name:   norm.NFC.String(t.Name),
			DType:  dtype,
			Dims:   t.Shape,
			Offset: offset,
		}
		if l.HostSize, err = emulator.TensorBytes(t.Shape, dtype); err != nil {
			return d, fmt.Errorf("tensor %q: %w", t.Name, err)
		}

		switch t.Format {
		case "contiguous":
			l.Format = iop.Contiguous
		case "strided":
			l.Format = iop.Strided
			rowBytes := l.HostSize
			if len(t.Shape) > 0 {
				rowBytes = uint64(t.Shape[len(t.Shape)-1]) * uint64(dtype.Size())
			}
			l.RowPitch = t.Pitch
			if l.RowPitch == 0 {
				l.RowPitch = emulator.DefaultPitch(rowBytes)
			}
		default:
			return d, fmt.Errorf("tensor %q: unknown format %q", t.Name, t.Format)
		}

		footprint := l.Footprint()
		if footprint > math.MaxUint64-emulator.LaneWidth-offset {
			return d, fmt.Errorf("tensor %q: descriptor size overflows 64 bits", t.Name)
		}
		offset = alignUp(offset+footprint, emulator.LaneWidth)
		d.Layouts = append(d.Layouts, l)
	}
	d.Size = offset
	return d, nil
}

func alignUp(n, to uint64) uint64 {
	return (n + to - 1) / to * to
}
