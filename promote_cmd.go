package main

import (
	"github.com/spf13/cobra"
)

func newPromoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote <from-instance-id> <to-instance-id>",
		Short: "Fail sync sources over to a promoted instance",
		Long: "Rebinds every source binding from a failed instance to the promoted one " +
			"and drops cached routing so the next run reads from the new primary.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseUUID(args[0])
			if err != nil {
				return err
			}

			to, err := parseUUID(args[1])
			if err != nil {
				return err
			}

			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			ctx := shutdownContext(cmd.Context(), app.logger)

			rebound, err := app.orch.PromoteSource(ctx, from, to)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(map[string]any{"rebound": rebound, "to": to.String()})
			}

			statusf("rebound %d source binding(s) to instance %s\n", rebound, to)

			return nil
		},
	}
}
