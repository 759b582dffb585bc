package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harborline/mailroom/internal/archive"
	"github.com/harborline/mailroom/internal/config"
	"github.com/harborline/mailroom/internal/mail"
	"github.com/harborline/mailroom/internal/storage/sqlite"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Register a project for the given directory",
	Long: `Create (or fetch) the project whose human key is the given absolute
directory path, defaulting to the current directory. Prints the project
record as JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := config.Load()
		if err != nil {
			return err
		}
		humanKey := ""
		if len(args) > 0 {
			humanKey = args[0]
		} else if humanKey, err = os.Getwd(); err != nil {
			return err
		}
		if humanKey, err = filepath.Abs(humanKey); err != nil {
			return err
		}

		store, err := sqlite.New(cmd.Context(), settings.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()
		archives, err := archive.NewManager(settings.StorageRoot, settings.GitAuthorName, settings.GitAuthorEmail, slog.Default())
		if err != nil {
			return err
		}

		svc := mail.NewService(store, archives, settings, nil, slog.Default())
		info, err := svc.EnsureProject(cmd.Context(), humanKey)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
