package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"corebridge/internal/app"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Open the database and run maintenance until interrupted",
		Long: `Open the configured database, run the sweep and compaction schedules and,
when HTTP_ADDR is set, serve /healthz, /debug/stats and /debug/handles.

Example:
  corebridge serve --db ./data/app.db
  HTTP_ADDR=127.0.0.1:8080 corebridge serve -c corebridge.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.New(cfg).Run(ctx)
		},
	}
}
