package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewInitStorageCommand creates the init-storage command.
func NewInitStorageCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init-storage",
		Short: "Create the record table and the change feed queues",
		Long: `Create the record table, the change feed queue and the rejected queue.
Resources that already exist are left untouched, so the command can be rerun.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			if cfg.Storage.ConnectionString == "" {
				return NewExitError(ExitCommandError, "missing STORAGE_CONNECTION_STRING")
			}
			if err := rootOpts.Deps.Provision(cmd.Context(), cfg.StorageConfig()); err != nil {
				return WrapExitError(ExitCommandError, "provision storage", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "storage ready: table %s, queues %s, %s\n",
				cfg.Storage.RecordsTable, cfg.Storage.ChangeFeedQueue, cfg.Storage.RejectedQueue)
			return nil
		},
	}
}
