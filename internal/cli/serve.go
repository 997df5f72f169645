package cli

import (
	"github.com/spf13/cobra"

	"galion/internal/app"
	"galion/internal/config"
)

func newServeCmd(configPath *string) *cobra.Command {
	var (
		listen  string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the acquisition service",
		Long: `Start the queue, worker pool, and REST/WebSocket API and run until
interrupted. Configuration comes from galion.conf plus GALION_* environment
overrides; the flags below override both.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				settings.Server.Listen = listen
			}
			if cmd.Flags().Changed("workers") {
				settings.Workers.Count = workers
			}

			a, err := app.New(settings)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8333", "Listen address for the REST/WebSocket API")
	cmd.Flags().IntVar(&workers, "workers", 0, "Worker pool size (overrides workers.count)")

	return cmd
}
