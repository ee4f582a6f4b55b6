package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/arcore-io/arcore/internal/engine"
)

func newDriftCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "drift <definition-id>",
		Short: "Report divergence between the ledger and the target lists",
		Long: "ledger_validity checks that every tracked target item still exists; " +
			"full_reconcile additionally lists target items the ledger does not track. " +
			"The report is read-only.",
		Args: cobra.ExactArgs(1),
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

			report, err := app.orch.Drift(ctx, defID, engine.DriftKind(kind))
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(report)
			}

			statusf("checked %d items, %d findings\n", report.Checked, len(report.Findings))

			if len(report.Findings) == 0 {
				return nil
			}

			rows := make([][]string, 0, len(report.Findings))
			for _, f := range report.Findings {
				rows = append(rows, []string{
					f.Kind, f.ListID, itoa64(f.TargetItemID), f.SourceIdentity,
				})
			}

			printTable(os.Stdout, []string{"KIND", "LIST", "ITEM", "IDENTITY"}, rows)

			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(engine.DriftLedgerValidity),
		"report kind: ledger_validity or full_reconcile")

	return cmd
}
