package main

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	var (
		limit  int
		events bool
	)

	cmd := &cobra.Command{
		Use:   "runs <definition-id>",
		Short: "Show recent runs for a sync definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defID, err := parseUUID(args[0])
			if err != nil {
				return err
			}

			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			ctx := shutdownContext(cmd.Context(), app.logger)

			runs, err := app.store.ListRuns(ctx, defID, limit)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(runs)
			}

			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					r.ID.String()[:8],
					string(r.Kind),
					string(r.Status),
					strconv.Itoa(r.ItemsProcessed),
					strconv.Itoa(r.ItemsFailed),
					formatTime(r.StartTime),
				})
			}

			printTable(os.Stdout, []string{"RUN", "KIND", "STATUS", "PROCESSED", "FAILED", "STARTED"}, rows)

			if !events {
				return nil
			}

			for _, r := range runs {
				evs, err := app.store.ListEvents(ctx, r.ID)
				if err != nil {
					return err
				}

				for _, ev := range evs {
					statusf("  %s [%s] %s: %s\n", r.ID.String()[:8], ev.Severity, ev.EventType, ev.Message)
				}
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to show")
	cmd.Flags().BoolVar(&events, "events", false, "also print per-run events")

	return cmd
}
