package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arcore-io/arcore/internal/rowvalue"
	"github.com/arcore-io/arcore/internal/state"
)

func newMoveCmd() *cobra.Command {
	var toListID string

	cmd := &cobra.Command{
		Use:   "move <definition-id> <identity>",
		Short: "Relocate a tracked row's target item to another list",
		Long: "Creates the item on the destination list, rebinds the tracking ledger, " +
			"and deletes the original. Every attempt is recorded in the move audit trail.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defID, err := parseUUID(args[0])
			if err != nil {
				return err
			}

			if toListID == "" {
				return fmt.Errorf("--to is required")
			}

			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			ctx := shutdownContext(cmd.Context(), app.logger)

			res, err := app.orch.Move(ctx, defID, rowvalue.HashIdentity(args[1]), toListID)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(res)
			}

			switch res.Status {
			case state.MoveStatusSuccess:
				statusf("moved %s -> %s (item %d)\n", res.FromListID, res.ToListID, res.NewItemID)
			case state.MoveStatusSuccessOrphan:
				statusf("moved %s -> %s (item %d); old item not deleted, see move audit\n",
					res.FromListID, res.ToListID, res.NewItemID)
			default:
				statusf("move ended with status %s\n", res.Status)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&toListID, "to", "", "destination list ID")

	return cmd
}
