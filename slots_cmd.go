package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func newSlotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Manage logical replication slots on source instances",
	}

	cmd.AddCommand(newSlotsListCmd())
	cmd.AddCommand(newSlotsCreateCmd())
	cmd.AddCommand(newSlotsDropCmd())

	return cmd
}

func newSlotsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <instance-id>",
		Short: "List logical replication slots on an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			ctx := shutdownContext(cmd.Context(), app.logger)

			db, inst, err := app.sourceDB(ctx, args[0])
			if err != nil {
				return err
			}
			defer db.Close()

			slots, err := db.ListSlots(ctx)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(slots)
			}

			statusf("%d slot(s) on %s\n", len(slots), inst.Label)

			rows := make([][]string, 0, len(slots))
			for _, s := range slots {
				rows = append(rows, []string{
					s.Name, s.Plugin, strconv.FormatBool(s.Active), s.RestartLSN, s.RetainedWAL,
				})
			}

			printTable(os.Stdout, []string{"SLOT", "PLUGIN", "ACTIVE", "RESTART_LSN", "RETAINED"}, rows)

			return nil
		},
	}
}

func newSlotsCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <instance-id>",
		Short: "Create the instance's replication slot and publication",
		Long: "Creates the pgoutput slot named by the instance configuration and the " +
			"publication covering its cdc-enabled tables. Both are idempotent.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			ctx := shutdownContext(cmd.Context(), app.logger)

			db, inst, err := app.sourceDB(ctx, args[0])
			if err != nil {
				return err
			}
			defer db.Close()

			routes, err := app.repo.EnumerateCDC(ctx)
			if err != nil {
				return err
			}

			var tables []string

			for _, r := range routes {
				if r.InstanceID == inst.ID {
					tables = append(tables, fmt.Sprintf("%q.%q", r.Schema, r.Table))
				}
			}

			if err := db.EnsurePublication(ctx, app.cfg.Source.Publication, tables); err != nil {
				return err
			}

			if err := db.CreateSlot(ctx, inst.SlotNameOrDefault()); err != nil {
				return err
			}

			statusf("slot %s and publication %s ready on %s (%d tables)\n",
				inst.SlotNameOrDefault(), app.cfg.Source.Publication, inst.Label, len(tables))

			return nil
		},
	}
}

func newSlotsDropCmd() *cobra.Command {
	var slotName string

	cmd := &cobra.Command{
		Use:   "drop <instance-id>",
		Short: "Drop a replication slot on an instance",
		Long: "Drops the named slot, or the instance's configured slot when --slot is " +
			"omitted. A dropped slot releases retained WAL; capture restarted afterwards " +
			"re-snapshots from the current position.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			ctx := shutdownContext(cmd.Context(), app.logger)

			db, inst, err := app.sourceDB(ctx, args[0])
			if err != nil {
				return err
			}
			defer db.Close()

			name := slotName
			if name == "" {
				name = inst.SlotNameOrDefault()
			}

			if err := db.DropSlot(ctx, name); err != nil {
				return err
			}

			statusf("dropped slot %s on %s\n", name, inst.Label)

			return nil
		},
	}

	cmd.Flags().StringVar(&slotName, "slot", "", "slot name (defaults to the instance's configured slot)")

	return cmd
}
