package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harborline/mailroom/internal/reserve"
)

// The precommit guard is a small POSIX sh hook installed into a working
// repository. It defers the actual reservation check to the mailroom
// binary so the hook itself never needs updating.

const guardMarker = "mailroom reservation guard"

// GuardScript renders the pre-commit hook body.
func GuardScript(archiveRoot, projectSlug string) string {
	return fmt.Sprintf(`#!/bin/sh
# %s - do not edit; reinstall with "mailroom guard install".
# Blocks commits touching paths exclusively reserved by other agents.
if ! command -v mailroom >/dev/null 2>&1; then
    exit 0
fi
exec mailroom guard check --storage-root %q --project %q
`, guardMarker, archiveRoot, projectSlug)
}

// InstallGuard writes the hook into repoPath/.git/hooks/pre-commit. An
// existing foreign hook is preserved as pre-commit.pre-mailroom.
func InstallGuard(repoPath, archiveRoot, projectSlug string) (string, error) {
	hooksDir := filepath.Join(repoPath, ".git", "hooks")
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); err != nil {
		return "", fmt.Errorf("%s is not a git repository: %w", repoPath, err)
	}
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return "", fmt.Errorf("creating hooks dir: %w", err)
	}
	hookPath := filepath.Join(hooksDir, "pre-commit")
	if existing, err := os.ReadFile(hookPath); err == nil && !strings.Contains(string(existing), guardMarker) {
		backup := hookPath + ".pre-mailroom"
		if err := os.WriteFile(backup, existing, 0o755); err != nil {
			return "", fmt.Errorf("backing up existing hook: %w", err)
		}
	}
	if err := os.WriteFile(hookPath, []byte(GuardScript(archiveRoot, projectSlug)), 0o755); err != nil {
		return "", fmt.Errorf("writing pre-commit hook: %w", err)
	}
	return hookPath, nil
}

// UninstallGuard removes the hook when it is ours, restoring any backup.
func UninstallGuard(repoPath string) (bool, error) {
	hookPath := filepath.Join(repoPath, ".git", "hooks", "pre-commit")
	existing, err := os.ReadFile(hookPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading pre-commit hook: %w", err)
	}
	if !strings.Contains(string(existing), guardMarker) {
		return false, nil
	}
	if err := os.Remove(hookPath); err != nil {
		return false, fmt.Errorf("removing pre-commit hook: %w", err)
	}
	backup := hookPath + ".pre-mailroom"
	if data, err := os.ReadFile(backup); err == nil {
		if err := os.WriteFile(hookPath, data, 0o755); err != nil {
			return false, fmt.Errorf("restoring previous hook: %w", err)
		}
		_ = os.Remove(backup)
	}
	return true, nil
}

// GuardViolation reports one staged path hitting a foreign exclusive
// reservation.
type GuardViolation struct {
	Path      string    `json:"path"`
	Pattern   string    `json:"pattern"`
	Holder    string    `json:"holder"`
	ExpiresTS time.Time `json:"expires_ts"`
}

// CheckStagedPaths evaluates staged paths against the project's on-disk
// reservation records. Released and expired records never block; the
// committing agent's own reservations never block.
func (p *ProjectArchive) CheckStagedPaths(agentName string, staged []string, now time.Time) ([]GuardViolation, error) {
	records, err := p.ReadReservationRecords()
	if err != nil {
		return nil, err
	}
	var violations []GuardViolation
	for _, r := range records {
		if !r.Exclusive || !r.Active(now) {
			continue
		}
		if agentName != "" && strings.EqualFold(r.AgentName, agentName) {
			continue
		}
		for _, path := range staged {
			if reserve.PatternsOverlap(r.PathPattern, path) {
				violations = append(violations, GuardViolation{
					Path:      path,
					Pattern:   r.PathPattern,
					Holder:    r.AgentName,
					ExpiresTS: r.ExpiresTS,
				})
			}
		}
	}
	return violations, nil
}
