package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tak-kam/cognito-dr/storage"
)

// RejectedOptions holds flags shared by the rejected subcommands.
type RejectedOptions struct {
	*RootOptions
	Limit int32
}

// NewRejectedCommand creates the rejected command group.
func NewRejectedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RejectedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rejected",
		Short: "Inspect and requeue parked change records",
	}
	cmd.PersistentFlags().Int32Var(&opts.Limit, "limit", 32, "maximum number of records (1-32)")

	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "Show parked records without removing them",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRejectedList(opts, cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "requeue",
		Short: "Move parked records back onto the change feed",
		Long: `Move parked records back onto the change feed so the replicator applies
them again. Run it after fixing the cause of the rejection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRejectedRequeue(opts, cmd)
		},
	})

	return cmd
}

func (o *RejectedOptions) validate() error {
	if o.Limit < 1 || o.Limit > 32 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid limit %d: must be between 1 and 32", o.Limit))
	}
	return nil
}

func runRejectedList(opts *RejectedOptions, cmd *cobra.Command) error {
	if err := opts.validate(); err != nil {
		return err
	}
	q, err := opts.Deps.OpenRejected(cmd.Context(), opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "open rejected queue", err)
	}
	recs, err := q.PeekRejected(cmd.Context(), opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "peek rejected queue", err)
	}
	return render(cmd.OutOrStdout(), opts.Format, recs, func(w io.Writer) { printParked(w, recs) })
}

func printParked(w io.Writer, recs []storage.ParkedRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No parked records")
		return
	}
	for _, r := range recs {
		fmt.Fprintf(w, "%s  %s  dequeued=%d  %s\n", r.ParkedAt.UTC().Format(time.RFC3339), r.MessageID, r.DequeueCount, r.Reason)
		fmt.Fprintf(w, "    %s\n", r.Body)
	}
}

func runRejectedRequeue(opts *RejectedOptions, cmd *cobra.Command) error {
	if err := opts.validate(); err != nil {
		return err
	}
	q, err := opts.Deps.OpenRejected(cmd.Context(), opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "open rejected queue", err)
	}
	moved, err := q.RequeueRejected(cmd.Context(), opts.Limit)
	if rerr := render(cmd.OutOrStdout(), opts.Format, map[string]int{"requeued": moved}, func(w io.Writer) {
		fmt.Fprintf(w, "requeued %d records\n", moved)
	}); rerr != nil {
		return rerr
	}
	if err != nil {
		return WrapExitError(ExitFailure, "requeue", err)
	}
	return nil
}
