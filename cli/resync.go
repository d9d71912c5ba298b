package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tak-kam/cognito-dr/replicator"
)

// ResyncOptions holds flags for the resync command.
type ResyncOptions struct {
	*RootOptions
	DryRun bool
	Force  bool
}

type resyncResult struct {
	Scanned  int            `json:"scanned"`
	DryRun   bool           `json:"dry_run"`
	Outcomes map[string]int `json:"outcomes"`
}

// NewResyncCommand creates the resync command.
func NewResyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Replay every stored record into the secondary directory",
		Long: `Scan the record table and apply each live record to the secondary user pool.

Records whose sequence was already applied are skipped unless --force is set.
Missing identities are created.

Exit codes:
  0 - Every record replicated or was already current
  1 - Some records failed or were rejected
  2 - Command error (config, storage or directory unreachable)

Examples:
  idrctl resync --dry-run
  idrctl resync --force --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResync(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "only count the records that would be replayed")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "replay records even when already applied")

	return cmd
}

func runResync(opts *ResyncOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	records, err := opts.Deps.OpenRecords(ctx, opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "open record store", err)
	}

	var d *replicator.Dispatcher
	if !opts.DryRun {
		var closeFn func()
		d, closeFn, err = opts.Deps.OpenDispatcher(ctx, opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "open directory", err)
		}
		defer closeFn()
	}

	rep, err := replicator.Resync(ctx, records, d, replicator.ResyncOptions{DryRun: opts.DryRun, Force: opts.Force})
	out := resyncResult{Scanned: rep.Scanned, DryRun: opts.DryRun, Outcomes: map[string]int{}}
	for o, n := range rep.Outcomes {
		out.Outcomes[string(o)] = n
	}
	if rerr := render(cmd.OutOrStdout(), opts.Format, out, func(w io.Writer) { printResync(w, out) }); rerr != nil {
		return rerr
	}
	if err != nil {
		return WrapExitError(ExitFailure, "resync interrupted", err)
	}
	if bad := rep.Outcomes[replicator.OutcomeFailed] + rep.Outcomes[replicator.OutcomeRejected] + rep.Outcomes[replicator.OutcomeNotAttempted]; bad > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d records did not replicate", bad))
	}
	return nil
}

func printResync(w io.Writer, r resyncResult) {
	if r.DryRun {
		fmt.Fprintf(w, "%d records would be replayed\n", r.Scanned)
		return
	}
	fmt.Fprintf(w, "scanned %d records\n", r.Scanned)
	names := make([]string, 0, len(r.Outcomes))
	for name := range r.Outcomes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-14s %d\n", name, r.Outcomes[name])
	}
}
