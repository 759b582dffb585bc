package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/harborline/mailroom/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Print the merged configuration after applying environment variables,
the config file, and defaults. The output is valid config-file content.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Load resolves the environment-dependent defaults so the printed
		// values match what the server would actually use.
		settings, err := config.Load()
		if err != nil {
			return err
		}
		all := config.AllSettings()
		all["storage-root"] = settings.StorageRoot
		all["database-url"] = settings.DatabaseURL

		out, err := yaml.Marshal(all)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
