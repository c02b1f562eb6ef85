package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datasync/engine"
)

var (
	flagResync bool
	flagLive   bool
)

var registerCmd = &cobra.Command{
	Use:   "register [table]",
	Short: "Register one table, or every eligible table, for sync",
	Long: `With no argument, enumerates every user table and calls sync_database.
With a table name, calls sync_table for that table alone.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		if len(args) == 1 {
			if err := e.SyncTable(args[0], flagLive); err != nil {
				return fmt.Errorf("sync_table: %w", err)
			}
			fmt.Printf("Registered table %q for sync.\n", args[0])
			return nil
		}

		var flags []engine.SyncFlag
		flags = append(flags, engine.SyncAllTables)
		if flagResync {
			flags = append(flags, engine.ResyncTables)
		}
		if err := e.SyncDatabase(flags...); err != nil {
			return fmt.Errorf("sync_database: %w", err)
		}
		fmt.Println("Registered all eligible tables for sync.")
		return nil
	},
}

func init() {
	registerCmd.Flags().BoolVar(&flagResync, "resync", false, "force-recreate shadow schema for already-registered tables")
	registerCmd.Flags().BoolVar(&flagLive, "live", false, "start this table in LiveSync mode (only with a table argument)")
}
