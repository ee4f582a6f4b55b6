package main

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var consumers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the CDC pipeline until interrupted",
		Long: "Starts one replication capture worker per cdc-enabled source instance " +
			"and the queue consumer, supervised with restart backoff. " +
			"Runs until SIGINT/SIGTERM.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			ctx := shutdownContext(cmd.Context(), app.logger)

			statusf("starting CDC pipeline with %d consumer(s)\n", consumers)

			return app.orch.Serve(ctx, consumers)
		},
	}

	cmd.Flags().IntVar(&consumers, "consumers", 1, "number of queue consumers (currently limited to 1)")

	return cmd
}
