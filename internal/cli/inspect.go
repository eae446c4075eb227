package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/gomithril/iopruntime/emulator"
	"github.com/gomithril/iopruntime/iop"
)

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <iop>",
		Short: "Print the programs, entrypoints and tensors of an IOP package",
		Long: `Print the programs, entrypoints and tensors of an IOP package.

The package may be a local path, a gs:// object or an http(s):// URL.

Example:
  iopctl inspect mm_example.iop --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := iop.Load(cmd.Context(), emulator.Parser{}, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load package", err)
			}
			defer c.Close()
			return rootOpts.formatter(cmd).Success(Summarize(c))
		},
	}
	return cmd
}

type ContainerSummary struct {
	Bytes    int              `json:"bytes"`
	Programs []ProgramSummary `json:"programs"`
}

type ProgramSummary struct {
	Name        string              `json:"name"`
	EntryPoints []EntryPointSummary `json:"entrypoints"`
}

type EntryPointSummary struct {
	Name   string            `json:"name"`
	Input  DescriptorSummary `json:"input"`
	Output DescriptorSummary `json:"output"`
}

type DescriptorSummary struct {
	Size    int             `json:"size"`
	Tensors []TensorSummary `json:"tensors"`
}

type TensorSummary struct {
	Name       string   `json:"name"`
	Format     string   `json:"format"`
	DType      string   `json:"dtype"`
	Dimensions []uint32 `json:"dimensions"`
	HostSize   int      `json:"host_size"`
	IOSize     int      `json:"io_size"`
}

// Summarize captures the parsed tree for output.
func Summarize(c *iop.Container) *ContainerSummary {
	s := &ContainerSummary{Bytes: c.Size(), Programs: []ProgramSummary{}}
	for _, p := range c.Programs() {
		ps := ProgramSummary{Name: p.Name(), EntryPoints: []EntryPointSummary{}}
		for _, ep := range p.EntryPoints() {
			ps.EntryPoints = append(ps.EntryPoints, EntryPointSummary{
				Name:   ep.Name(),
				Input:  summarizeDescriptor(ep.Input()),
				Output: summarizeDescriptor(ep.Output()),
			})
		}
		s.Programs = append(s.Programs, ps)
	}
	return s
}

func summarizeDescriptor(d *iop.IODescriptor) DescriptorSummary {
	ds := DescriptorSummary{Size: d.Size(), Tensors: []TensorSummary{}}
	for _, l := range d.Layouts() {
		ds.Tensors = append(ds.Tensors, TensorSummary{
			Name:       l.Name(),
			Format:     l.Format().String(),
			DType:      l.DType().String(),
			Dimensions: l.Dimensions(),
			HostSize:   l.HostSize(),
			IOSize:     l.IOSize(),
		})
	}
	return ds
}

func (s *ContainerSummary) Text(w io.Writer) {
	fmt.Fprintf(w, "package: %d bytes, %d programs\n", s.Bytes, len(s.Programs))
	for i, p := range s.Programs {
		fmt.Fprintf(w, "program %d %q\n", i, p.Name)
		for j, ep := range p.EntryPoints {
			fmt.Fprintf(w, "  entrypoint %d %q\n", j, ep.Name)
			ep.Input.text(w, "input")
			ep.Output.text(w, "output")
		}
	}
}

func (d *DescriptorSummary) text(w io.Writer, dir string) {
	fmt.Fprintf(w, "    %s: %d bytes\n", dir, d.Size)
	for i, t := range d.Tensors {
		fmt.Fprintf(w, "      [%d] %-12s %-10s %-7s %v host=%d\n", i, t.Name, t.Format, t.DType, t.Dimensions, t.HostSize)
	}
}
