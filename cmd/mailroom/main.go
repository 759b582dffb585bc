// mailroom is the agent coordination server: a message hub with advisory
// file reservations, contact gating, and a git-backed archive.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harborline/mailroom/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "mailroom",
	Short: "Coordination server for coding agents",
	Long: `mailroom runs the agent coordination server: project mailboxes with
threading and acknowledgements, advisory file reservations, contact
policies, and a human-browsable git archive mirroring every message.

Configuration resolves environment (MAILROOM_*) over .mailroom/config.yaml
over built-in defaults. Flags override everything.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		bindFlag(cmd, "storage-root", "storage-root")
		bindFlag(cmd, "database-url", "database-url")
		bindFlag(cmd, "log-file", "log-file")
		return nil
	},
}

// bindFlag copies an explicitly set persistent flag into the config
// singleton so flags outrank env and file values.
func bindFlag(cmd *cobra.Command, flagName, configKey string) {
	flag := cmd.Flags().Lookup(flagName)
	if flag == nil {
		flag = cmd.InheritedFlags().Lookup(flagName)
	}
	if flag != nil && flag.Changed {
		config.Set(configKey, flag.Value.String())
	}
}

func init() {
	rootCmd.PersistentFlags().String("storage-root", "", "archive root directory (default ~/mailroom)")
	rootCmd.PersistentFlags().String("database-url", "", "sqlite database path (default <storage-root>/mailroom.db)")
	rootCmd.PersistentFlags().String("log-file", "", "log file path (default stderr)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
