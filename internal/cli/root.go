// Package cli implements the syncd command line: the daemon itself and the
// operator commands that talk to it.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Addr       string // daemon address; empty uses server.addr from config
	Format     string // "text" | "json" | "yaml"
	Verbose    bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command for the syncd CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncd",
		Short: "syncd - offline-first sync daemon",
		Long: `syncd queues local changes durably and delivers them to a remote
service whenever the device is online, retrying with backoff.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./syncd.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "", "daemon address (default server.addr from config)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func loadConfig(opts *RootOptions) (*config.Manager, error) {
	m, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load configuration", err)
	}
	return m, nil
}

// newClient resolves the daemon address from --addr or the configuration.
func newClient(opts *RootOptions) (*Client, error) {
	addr := opts.Addr
	if addr == "" {
		m, err := loadConfig(opts)
		if err != nil {
			return nil, err
		}
		addr = m.Config().Server.Addr
	}
	return NewClient(addr, nil), nil
}
