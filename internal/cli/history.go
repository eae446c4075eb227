package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/gomithril/iopruntime/journal"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Journal string
	Limit   int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent invocations from a journal",
		Long: `List recent invocations recorded by "iopctl run --journal".

Example:
  iopctl history --journal runs.db --limit 5`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.Journal
			if path == "" {
				path = opts.Config.JournalPath
			}
			if path == "" {
				return NewExitError(ExitCommandError, "no journal given (--journal or IOP_JOURNAL)")
			}
			if opts.Limit <= 0 {
				return NewExitError(ExitCommandError, "--limit must be positive")
			}

			j, err := journal.Open(path)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open journal", err)
			}
			defer j.Close()

			entries, err := j.Recent(cmd.Context(), opts.Limit)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read journal", err)
			}
			return opts.formatter(cmd).Success(historyOf(entries))
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "SQLite journal path (default IOP_JOURNAL)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of invocations to list")

	return cmd
}

// History is the list printed by the history command.
type History struct {
	Invocations []HistoryEntry `json:"invocations"`
}

type HistoryEntry struct {
	ID         string    `json:"id"`
	Program    string    `json:"program"`
	EntryPoint string    `json:"entrypoint"`
	StartedAt  time.Time `json:"started_at"`
	Duration   string    `json:"duration"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

func historyOf(entries []journal.Entry) *History {
	h := &History{Invocations: []HistoryEntry{}}
	for _, e := range entries {
		h.Invocations = append(h.Invocations, HistoryEntry{
			ID:         e.ID,
			Program:    e.Program,
			EntryPoint: e.EntryPoint,
			StartedAt:  e.StartedAt.UTC(),
			Duration:   e.Duration.String(),
			Status:     e.Status,
			Error:      e.Error,
		})
	}
	return h
}

func (h *History) Text(w io.Writer) {
	if len(h.Invocations) == 0 {
		fmt.Fprintln(w, "no invocations")
		return
	}
	for _, e := range h.Invocations {
		fmt.Fprintf(w, "%s  %s  %s/%s  %-17s %s", e.ID, e.StartedAt.Format(time.RFC3339), e.Program, e.EntryPoint, e.Status, e.Duration)
		if e.Error != "" {
			fmt.Fprintf(w, "  %s", e.Error)
		}
		fmt.Fprintln(w)
	}
}
