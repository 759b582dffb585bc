package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harborline/mailroom/internal/archive"
	"github.com/harborline/mailroom/internal/config"
)

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Manage the reservation pre-commit hook",
	Long: `The guard is a pre-commit hook that blocks commits whose staged paths
overlap another agent's active exclusive reservation. It reads the
reservation records in the project archive; the database is not touched.

Agents identify themselves via the MAILROOM_AGENT environment variable;
an agent's own reservations never block its commits.`,
}

var guardInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the pre-commit hook into a repository",
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings, err := config.Load()
		if err != nil {
			return err
		}
		repo, slug, err := guardTarget(cmd)
		if err != nil {
			return err
		}
		hookPath, err := archive.InstallGuard(repo, settings.StorageRoot, slug)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Installed %s\n", hookPath)
		return nil
	},
}

var guardUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the pre-commit hook from a repository",
	RunE: func(cmd *cobra.Command, _ []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		if repo == "" {
			var err error
			if repo, err = os.Getwd(); err != nil {
				return err
			}
		}
		removed, err := archive.UninstallGuard(repo)
		if err != nil {
			return err
		}
		if removed {
			fmt.Fprintln(cmd.OutOrStdout(), "Removed pre-commit hook")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "No mailroom hook installed")
		}
		return nil
	},
}

var guardCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check staged paths against active reservations",
	Long: `Evaluate the staged paths of the current repository against the
project's reservation records. Exits non-zero when a foreign exclusive
reservation matches, which is how the installed hook blocks the commit.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		storageRoot, _ := cmd.Flags().GetString("storage-root")
		if storageRoot == "" {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			storageRoot = settings.StorageRoot
		}
		slug, _ := cmd.Flags().GetString("project")
		if slug == "" {
			return fmt.Errorf("--project is required")
		}

		staged, err := stagedPaths()
		if err != nil {
			return err
		}
		if len(staged) == 0 {
			return nil
		}

		archives, err := archive.NewManager(storageRoot, "", "", nil)
		if err != nil {
			return err
		}
		project, err := archives.Project(slug)
		if err != nil {
			return err
		}
		violations, err := project.CheckStagedPaths(os.Getenv("MAILROOM_AGENT"), staged, time.Now().UTC())
		if err != nil {
			return err
		}
		if len(violations) == 0 {
			return nil
		}
		for _, v := range violations {
			fmt.Fprintf(cmd.ErrOrStderr(), "blocked: %s is reserved by %s (%s, expires %s)\n",
				v.Path, v.Holder, v.Pattern, v.ExpiresTS.Format(time.RFC3339))
		}
		return fmt.Errorf("%d staged path(s) hit another agent's reservation", len(violations))
	},
}

// guardTarget resolves the repository path and project slug for install.
func guardTarget(cmd *cobra.Command) (repo, slug string, err error) {
	repo, _ = cmd.Flags().GetString("repo")
	if repo == "" {
		if repo, err = os.Getwd(); err != nil {
			return "", "", err
		}
	}
	slug, _ = cmd.Flags().GetString("project")
	if slug == "" {
		return "", "", fmt.Errorf("--project is required")
	}
	return repo, slug, nil
}

func stagedPaths() ([]string, error) {
	out, err := exec.Command("git", "diff", "--cached", "--name-only").Output()
	if err != nil {
		return nil, fmt.Errorf("listing staged paths: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

func init() {
	guardInstallCmd.Flags().String("repo", "", "repository path (default current directory)")
	guardInstallCmd.Flags().String("project", "", "project slug")
	guardUninstallCmd.Flags().String("repo", "", "repository path (default current directory)")
	guardCheckCmd.Flags().String("project", "", "project slug")
	guardCheckCmd.Flags().String("storage-root", "", "archive root holding the reservation records")
	guardCmd.AddCommand(guardInstallCmd, guardUninstallCmd, guardCheckCmd)
	rootCmd.AddCommand(guardCmd)
}
