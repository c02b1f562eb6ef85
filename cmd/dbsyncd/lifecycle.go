package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/datasync/engine/internal/syncmodel"
)

var flagStopTimeout time.Duration

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Sign in and begin syncing every registered table",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		if err := e.Start(cmd.Context()); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		fmt.Println("Engine started.")
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop every table and log out",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), flagStopTimeout)
		defer cancel()
		if err := e.Stop(ctx); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		if err := e.WaitForStopped(flagStopTimeout); err != nil {
			return err
		}
		fmt.Println("Engine stopped.")
		return nil
	},
}

func init() {
	stopCmd.Flags().DurationVar(&flagStopTimeout, "timeout", 30*time.Second, "how long to wait for every table to exit")
}

var resyncCmd = &cobra.Command{
	Use:   "resync [table]",
	Short: "Re-derive local sync state for a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		flags := syncmodel.ResyncDownload | syncmodel.ResyncUpload | syncmodel.ResyncCheckLocalData
		if err := e.Resync(args[0], flags); err != nil {
			return fmt.Errorf("resync: %w", err)
		}
		fmt.Printf("Resynced table %q.\n", args[0])
		return nil
	},
}

var triggerSyncCmd = &cobra.Command{
	Use:   "trigger-sync [table]",
	Short: "Request an out-of-band sync pass, for one table or all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		table := ""
		if len(args) == 1 {
			table = args[0]
		}
		e.TriggerSync(table)
		fmt.Println("Sync triggered.")
		return nil
	},
}

var deleteAccountCmd = &cobra.Command{
	Use:   "delete-account",
	Short: "Stop every table, delete the account, and erase local sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		if err := e.DeleteAccount(cmd.Context()); err != nil {
			return fmt.Errorf("delete_account: %w", err)
		}
		fmt.Println("Account deleted and local sync state cleared.")
		return nil
	},
}
