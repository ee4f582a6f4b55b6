package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/arcore-io/arcore/internal/engine"
)

// parseUUID wraps uuid.Parse with a friendlier error.
func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%q is not a valid UUID", s)
	}

	return id, nil
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push <definition-id>",
		Short: "Run one push cycle for a sync definition",
		Long:  "Fetches source rows changed since the stored watermark and mirrors them onto their target lists.",
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

			res, err := app.orch.Push(ctx, defID)
			if err != nil {
				return err
			}

			return printPushResult(res)
		},
	}
}

func printPushResult(res *engine.PushResult) error {
	if flagJSON {
		return printJSON(res)
	}

	statusf("processed %d rows: %d succeeded, %d failed, %d skipped\n",
		res.Processed, res.Succeeded, res.Failed, res.Skipped)

	if res.CursorAdvanced {
		statusf("watermark advanced\n")
	}

	return nil
}

func newIngressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingress <definition-id>",
		Short: "Run one ingress cycle for a two-way sync definition",
		Long:  "Enumerates target-side changes through the delta feed and applies them back to the source table.",
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

			res, err := app.orch.Ingress(ctx, defID)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(res)
			}

			statusf("processed %d changes: %d applied, %d deleted, %d skipped, %d conflicts\n",
				res.Processed, res.Applied, res.Deleted, res.Skipped, res.Conflicts)

			return nil
		},
	}
}
