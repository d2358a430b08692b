package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/robustfetch/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Starts the fetch workers and serves the HTTP API until SIGINT or SIGTERM.
Fetches submitted over HTTP are queued and processed in the background.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, e, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			a.Start(cmd.Context())
			return server.Run(cmd.Context(), server.Config{
				Port:            e.cfg.Server.Port,
				ShutdownTimeout: e.cfg.ShutdownTimeout(),
			}, a.Handler(), e.logger.Named("server"))
		},
	}
}
