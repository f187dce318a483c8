package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/config"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/logging"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon: restore the persisted queue, follow connectivity,
drain the queue while online and serve the local REST and WebSocket API.

Stops gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	m, err := loadConfig(opts)
	if err != nil {
		return err
	}
	cfg := m.Config()
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}

	logging.Configure(cfg.Log)
	if opts.Verbose {
		logging.Get().SetLevel(logging.LevelDebug)
	}
	logging.Info("Starting syncd", map[string]interface{}{
		"config":  m.Path(),
		"backend": cfg.Store.Backend,
		"remote":  cfg.Transport.BaseURL,
	})

	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitFailure, "build daemon", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logging.Error("Failed to close store", err, nil)
		}
	}()

	m.Watch(func(prev, next *config.Config) {
		config.ApplyLogLevel(prev, next)
		if prev.Telemetry.Enabled != next.Telemetry.Enabled {
			rt.Telemetry.SetEnabled(next.Telemetry.Enabled)
			logging.Info("Telemetry toggled", map[string]interface{}{"enabled": next.Telemetry.Enabled})
		}
	})

	if err := rt.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "daemon stopped", err)
	}
	logging.Info("syncd stopped", nil)
	return nil
}
