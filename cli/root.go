// Package cli implements idrctl, the operator tool for the identity
// replication pipeline.
package cli

import (
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tak-kam/cognito-dr/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	Config *config.Config
	Deps   *Deps
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for idrctl. A nil deps uses the
// production wiring.
func NewRootCommand(deps *Deps) *cobra.Command {
	if deps == nil {
		deps = DefaultDeps()
	}
	opts := &RootOptions{Deps: deps}

	cmd := &cobra.Command{
		Use:   "idrctl",
		Short: "Operate the identity replication pipeline",
		Long: `idrctl inspects and repairs the replication of identities from the
primary user pool to the secondary user pool.

Configuration is read from --config (or CONFIG_FILE) and the environment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			cfg, err := deps.LoadConfig(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}
			if opts.Verbose {
				cfg.Debug = true
			}
			cfg.ApplyLogging(log.StandardLogger())
			opts.Config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewResyncCommand(opts))
	cmd.AddCommand(NewRejectedCommand(opts))
	cmd.AddCommand(NewInitStorageCommand(opts))

	return cmd
}
