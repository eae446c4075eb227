package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gomithril/iopruntime/blobs"
	"github.com/gomithril/iopruntime/driver"
	"github.com/gomithril/iopruntime/emulator"
	"github.com/gomithril/iopruntime/internal/config"
	"github.com/gomithril/iopruntime/iop"
	"github.com/gomithril/iopruntime/journal"
	"github.com/gomithril/iopruntime/onnx"
	"github.com/gomithril/iopruntime/runner"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Program    int
	EntryPoint int
	Timeout    time.Duration
	Inputs     []string
	Outputs    []string
	Journal    string
	Partial    bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [iop]",
		Short: "Run one entrypoint of an IOP package on the emulator",
		Long: `Run one entrypoint of an IOP package on the emulator.

Inputs and outputs are bound as <tensor>=<path>, where <tensor> is a tensor
index or name. Input files must hold exactly the tensor's host bytes.
The package defaults to IOP_PATH.

Example:
  iopctl run mm_example.iop --input A=a.bin --input B=b.bin --output 0=result.bin`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config
			if len(args) == 1 {
				cfg.IOPPath = args[0]
			}
			if cmd.Flags().Changed("program") {
				cfg.Program = opts.Program
			}
			if cmd.Flags().Changed("entrypoint") {
				cfg.EntryPoint = opts.EntryPoint
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Timeout = opts.Timeout
			}
			if cmd.Flags().Changed("journal") {
				cfg.JournalPath = opts.Journal
			}
			return run(cmd.Context(), opts, cfg, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Program, "program", 0, "program index (default IOP_PROGRAM or 0)")
	cmd.Flags().IntVar(&opts.EntryPoint, "entrypoint", 0, "entrypoint index (default IOP_ENTRYPOINT or 0)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", runner.DefaultTimeout, "execution timeout (default IOP_TIMEOUT or 30s)")
	cmd.Flags().StringArrayVar(&opts.Inputs, "input", nil, "input binding <tensor>=<path>")
	cmd.Flags().StringArrayVar(&opts.Outputs, "output", nil, "output binding <tensor>=<path>")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "SQLite journal to record the invocation in (default IOP_JOURNAL)")
	cmd.Flags().BoolVar(&opts.Partial, "partial", false, "allow unbound tensors")

	return cmd
}

// RunResult is printed after a successful run.
type RunResult struct {
	Program    string            `json:"program"`
	EntryPoint string            `json:"entrypoint"`
	Duration   string            `json:"duration"`
	Outputs    map[string]string `json:"outputs"`
}

func (r *RunResult) Text(w io.Writer) {
	fmt.Fprintf(w, "ran %s/%s in %s\n", r.Program, r.EntryPoint, r.Duration)
	for name, path := range r.Outputs {
		fmt.Fprintf(w, "  %s -> %s\n", name, path)
	}
}

type binding struct {
	index int
	path  string
}

func run(ctx context.Context, opts *RunOptions, cfg *config.Config, cmd *cobra.Command) error {
	if cfg.IOPPath == "" {
		return NewExitError(ExitCommandError, "no IOP package given (argument or IOP_PATH)")
	}

	c, err := iop.Load(ctx, emulator.Parser{}, cfg.IOPPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load package", err)
	}
	defer c.Close()

	ep, err := c.EntryPoint(targetOf(cfg))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to select entrypoint", err)
	}
	inputs, err := parseBindings(opts.Inputs, ep.Input())
	if err != nil {
		return WrapExitError(ExitCommandError, "bad --input", err)
	}
	outputs, err := parseBindings(opts.Outputs, ep.Output())
	if err != nil {
		return WrapExitError(ExitCommandError, "bad --output", err)
	}

	dev, cleanup, err := openDevice(cfg, c, cfg.Program)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to prepare device", err)
	}
	defer cleanup()

	runnerOpts := []runner.Option{
		runner.WithProgram(cfg.Program),
		runner.WithEntryPoint(cfg.EntryPoint),
		runner.WithTimeout(cfg.Timeout),
	}
	if opts.Partial {
		runnerOpts = append(runnerOpts, runner.WithPartialBinding())
	}
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer j.Close()
		runnerOpts = append(runnerOpts, runner.WithJournal(j))
	}

	r, err := runner.New(dev, c, runnerOpts...)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create runner", err)
	}
	defer r.Close()

	for _, b := range inputs {
		data, err := blobs.Read(ctx, b.path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read input", err)
		}
		if err := r.AddInputBuffer(data, b.index); err != nil {
			return WrapExitError(ExitCommandError, "failed to bind input", err)
		}
	}
	results := make([][]byte, len(outputs))
	for i, b := range outputs {
		layout, _ := ep.Output().Layout(b.index)
		results[i] = make([]byte, layout.HostSize())
		if err := r.AddOutputBuffer(results[i], b.index); err != nil {
			return WrapExitError(ExitCommandError, "failed to bind output", err)
		}
	}

	startedAt := time.Now()
	if err := r.Invoke(ctx); err != nil {
		return WrapExitError(ExitFailure, "invocation failed", err)
	}
	duration := time.Since(startedAt)

	res := &RunResult{
		Program:    r.Program().Name(),
		EntryPoint: ep.Name(),
		Duration:   duration.String(),
		Outputs:    make(map[string]string, len(outputs)),
	}
	for i, b := range outputs {
		if err := blobs.WriteFile(b.path, results[i]); err != nil {
			return WrapExitError(ExitCommandError, "failed to write output", err)
		}
		layout, _ := ep.Output().Layout(b.index)
		res.Outputs[layout.Name()] = b.path
	}
	return opts.formatter(cmd).Success(res)
}

func targetOf(cfg *config.Config) driver.Target {
	return driver.Target{Program: cfg.Program, EntryPoint: cfg.EntryPoint}
}

// parseBindings resolves <tensor>=<path> pairs against d.
func parseBindings(specs []string, d *iop.IODescriptor) ([]binding, error) {
	var out []binding
	for _, spec := range specs {
		key, path, ok := strings.Cut(spec, "=")
		if !ok || key == "" || path == "" {
			return nil, fmt.Errorf("%q is not <tensor>=<path>", spec)
		}
		index, err := strconv.Atoi(key)
		if err != nil {
			i, _, found := d.LayoutByName(key)
			if !found {
				return nil, fmt.Errorf("no tensor named %q", key)
			}
			index = i
		}
		if _, err := d.Layout(index); err != nil {
			return nil, err
		}
		out = append(out, binding{index: index, path: path})
	}
	return out, nil
}

// openDevice opens an emulated device and loads program n of c onto it, the
// way a driving program prepares a device before creating a runner.
func openDevice(cfg *config.Config, c *iop.Container, n int) (*emulator.Device, func(), error) {
	var deviceOpts []emulator.Option
	var kernel *onnx.Kernel
	if cfg.ONNXRuntime != "" {
		k, err := onnx.NewKernel(cfg.ONNXRuntime)
		if err != nil {
			return nil, nil, err
		}
		kernel = k
		deviceOpts = append(deviceOpts, emulator.WithKernel(onnx.KernelName, k))
	}

	cleanup := func() {
		if kernel != nil {
			kernel.Close()
		}
	}

	dev, err := emulator.NewDriver(1, deviceOpts...).NextAvailableDevice()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if err := dev.Open(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("opening device: %w", err)
	}
	closeDevice := func() {
		if err := dev.Close(); err != nil {
			log.Debug().Err(err).Msg("closing device")
		}
		cleanup()
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"resetting device", dev.Reset},
		{"clearing device memory", dev.ClearMemory},
		{"loading program", func() error { return dev.LoadProgram(c, n, false) }},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			closeDevice()
			return nil, nil, fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return dev, closeDevice, nil
}
