package cli

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/spf13/cobra"

	"github.com/gomithril/iopruntime/driver"
	"github.com/gomithril/iopruntime/emulator"
	"github.com/gomithril/iopruntime/iop"
	"github.com/gomithril/iopruntime/manifest"
	"github.com/gomithril/iopruntime/matrix"
	"github.com/gomithril/iopruntime/runner"
)

// matmulManifest multiplies A by the transpose of B on the emulator.
const matmulManifest = `
programs:
  - name: mm_example
    entrypoints:
      - name: matmul
        kernel: matmul_nt
        attrs:
          lhs: A
          rhs: B
        inputs:
          - name: A
            dtype: int8
            shape: [100, 1000]
          - name: B
            dtype: int8
            shape: [400, 1000]
        outputs:
          - name: C
            dtype: int32
            shape: [100, 400]
            format: contiguous
`

// MatmulOptions holds flags for the matmul command.
type MatmulOptions struct {
	*RootOptions
	IOP  string
	Seed uint64
}

// NewMatmulCommand creates the matmul command.
func NewMatmulCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MatmulOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "matmul",
		Short: "Multiply two random int8 matrices on the emulator and check the result",
		Long: `Multiply two random int8 matrices on the emulator and check the result.

The package must have inputs named A and B and an int32 output named C
holding A x transpose(B). Without --iop a built-in 100x1000 by 400x1000
package is used.

Example:
  iopctl matmul --seed 7`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return matmul(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.IOP, "iop", "", "IOP package to run instead of the built-in one")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 1, "random seed for the input matrices")

	return cmd
}

// MatmulResult reports the comparison against the host result.
type MatmulResult struct {
	Shape      [3]int `json:"shape"`
	Mismatches int    `json:"mismatches"`
	OK         bool   `json:"ok"`
}

func (r *MatmulResult) Text(w io.Writer) {
	status := "OK"
	if !r.OK {
		status = "FAIL"
	}
	fmt.Fprintf(w, "matmul %dx%d by %dx%d: %s", r.Shape[0], r.Shape[1], r.Shape[2], r.Shape[1], status)
	if r.Mismatches > 0 {
		fmt.Fprintf(w, " (%d mismatched elements)", r.Mismatches)
	}
	fmt.Fprintln(w)
}

func matmul(ctx context.Context, opts *MatmulOptions, cmd *cobra.Command) error {
	c, err := loadMatmulPackage(ctx, opts.IOP)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load package", err)
	}
	defer c.Close()

	cfg := opts.Config
	ep, err := c.EntryPoint(driver.Target{})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to select entrypoint", err)
	}
	aIndex, aLayout, okA := ep.Input().LayoutByName("A")
	bIndex, bLayout, okB := ep.Input().LayoutByName("B")
	cIndex, cLayout, okC := ep.Output().LayoutByName("C")
	if !okA || !okB || !okC {
		return NewExitError(ExitCommandError, "package needs inputs A and B and output C")
	}
	aDims, bDims := aLayout.Dimensions(), bLayout.Dimensions()
	if len(aDims) != 2 || len(bDims) != 2 || aDims[1] != bDims[1] {
		return NewExitError(ExitCommandError, fmt.Sprintf("A%v and B%v are not [m,k] and [n,k]", aDims, bDims))
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed))
	a := matrix.RandomInt8(int(aDims[0]), int(aDims[1]), rng)
	b := matrix.RandomInt8(int(bDims[0]), int(bDims[1]), rng)
	want, err := matrix.Mult[int32](a, b.Transpose())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compute host product", err)
	}
	opts.formatter(cmd).VerboseLog("A %dx%d, B %dx%d, seed %d", a.Rows, a.Cols, b.Rows, b.Cols, opts.Seed)

	dev, cleanup, err := openDevice(cfg, c, 0)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to prepare device", err)
	}
	defer cleanup()

	r, err := runner.New(dev, c, runner.WithTimeout(cfg.Timeout))
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create runner", err)
	}
	defer r.Close()

	result := make([]byte, cLayout.HostSize())
	if err := r.AddInputBuffer(a.Bytes(), aIndex); err != nil {
		return WrapExitError(ExitCommandError, "failed to bind A", err)
	}
	if err := r.AddInputBuffer(b.Bytes(), bIndex); err != nil {
		return WrapExitError(ExitCommandError, "failed to bind B", err)
	}
	if err := r.AddOutputBuffer(result, cIndex); err != nil {
		return WrapExitError(ExitCommandError, "failed to bind C", err)
	}
	if err := r.Invoke(ctx); err != nil {
		return WrapExitError(ExitFailure, "invocation failed", err)
	}

	got, err := matrix.FromBytes[int32](want.Rows, want.Cols, result)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to decode C", err)
	}
	res := &MatmulResult{Shape: [3]int{a.Rows, a.Cols, b.Rows}}
	for i := range got.Data {
		if got.Data[i] != want.Data[i] {
			res.Mismatches++
		}
	}
	res.OK = res.Mismatches == 0

	if err := opts.formatter(cmd).Success(res); err != nil {
		return err
	}
	if !res.OK {
		return NewExitError(ExitFailure, "result does not match the host product")
	}
	return nil
}

func loadMatmulPackage(ctx context.Context, path string) (*iop.Container, error) {
	if path != "" {
		return iop.Load(ctx, emulator.Parser{}, path)
	}
	m, err := manifest.Parse([]byte(matmulManifest))
	if err != nil {
		return nil, err
	}
	data, err := m.Pack()
	if err != nil {
		return nil, err
	}
	return iop.Parse(emulator.Parser{}, data)
}
