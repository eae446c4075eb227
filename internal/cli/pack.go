package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gomithril/iopruntime/blobs"
	"github.com/gomithril/iopruntime/manifest"
)

// PackOptions holds flags for the pack command.
type PackOptions struct {
	*RootOptions
	Output string
}

// NewPackCommand creates the pack command.
func NewPackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PackOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pack <manifest.yaml>",
		Short: "Pack a YAML manifest into an IOP package",
		Long: `Pack a YAML manifest into an IOP package for the emulator.

Example:
  iopctl pack mm_example.yaml -o mm_example.iop`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pack(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output path (default: manifest name with .iop)")

	return cmd
}

func pack(opts *PackOptions, manifestPath string, cmd *cobra.Command) error {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load manifest", err)
	}
	data, err := m.Pack()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to pack manifest", err)
	}

	out := opts.Output
	if out == "" {
		out = strings.TrimSuffix(manifestPath, filepath.Ext(manifestPath)) + ".iop"
	}
	if err := blobs.WriteFile(out, data); err != nil {
		return WrapExitError(ExitCommandError, "failed to write package", err)
	}

	return opts.formatter(cmd).Success(fmt.Sprintf("wrote %s (%d bytes)", out, len(data)))
}
