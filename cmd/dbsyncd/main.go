// Command dbsyncd is the administrative CLI over the engine façade:
// register tables, start/stop sync, trigger passes, resync, and watch a
// live status dashboard. Grounded on marcus-td's cmd/root.go (rootCmd
// wiring, persistent flags, SilenceErrors) and cmd/sync.go/cmd/auth.go
// (subcommand shape).
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/datasync/engine"
	"github.com/datasync/engine/internal/connector"
)

var (
	flagDB      string
	flagBaseURL string
	flagKVDir   string
)

var rootCmd = &cobra.Command{
	Use:   "dbsyncd",
	Short: "Administer a local data-sync engine instance",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "sync.db", "path to the SQLite database")
	rootCmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "http://localhost:8080", "sync backend base URL")
	rootCmd.PersistentFlags().StringVar(&flagKVDir, "kv-dir", "", "directory for the engine's key/value store (default: OS config dir)")
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(triggerSyncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(deleteAccountCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openEngine builds an *engine.Engine from the persistent flags, wiring a
// DeviceCodeAuthenticator whose verification prompt prints to stdout
// exactly as `td auth login` does.
func openEngine() (*engine.Engine, error) {
	kvDir := flagKVDir
	if kvDir == "" {
		dir, err := os.UserConfigDir()
		if err == nil {
			kvDir = dir + "/dbsyncd"
		} else {
			kvDir = ".dbsyncd"
		}
	}

	auth := connector.NewDeviceCodeAuthenticator(flagBaseURL, func(uri, code string) {
		fmt.Printf("Open %s and enter code: %s\n", uri, code)
	})

	return engine.Open(engine.Config{
		DatabasePath:    flagDB,
		RemoteBaseURL:   flagBaseURL,
		KVStoreDir:      kvDir,
		Authenticator:   auth,
		Log:             slog.Default(),
		ChangePollEvery: 2 * time.Second,
	})
}
