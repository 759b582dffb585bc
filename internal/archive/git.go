package archive

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// CommitInfo identifies the commit that last touched an archive path.
type CommitInfo struct {
	SHA      string    `json:"sha"`
	Author   string    `json:"author"`
	AuthorTS time.Time `json:"author_ts"`
	Subject  string    `json:"subject,omitempty"`
}

// git runs one git command rooted at the archive.
func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// ensureRepo initializes the archive repository on first use.
func (m *Manager) ensureRepo() error {
	if _, err := os.Stat(filepath.Join(m.root, ".git")); err == nil {
		return nil
	}
	ctx := context.Background()
	if _, err := m.git(ctx, "init"); err != nil {
		return fmt.Errorf("initializing archive repository: %w", err)
	}
	gitignore := filepath.Join(m.root, ".gitignore")
	if _, err := os.Stat(gitignore); os.IsNotExist(err) {
		content := "*.db\n*.db-wal\n*.db-shm\n*.lock\n*.lock.owner\n"
		if err := os.WriteFile(gitignore, []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing archive .gitignore: %w", err)
		}
	}
	if _, err := m.git(ctx, "add", ".gitignore"); err != nil {
		return err
	}
	_, err := m.git(ctx, "-c", "user.name="+m.authorName, "-c", "user.email="+m.authorEmail,
		"commit", "-m", "Initialize archive", "--allow-empty")
	if err != nil {
		return fmt.Errorf("creating initial archive commit: %w", err)
	}
	return nil
}

// Commit stages the given repo-relative paths and commits whatever is
// staged with the archive author identity. Callers hold the project lock,
// so the staged set is exactly this operation's writes. A clean index is
// not an error.
func (m *Manager) Commit(ctx context.Context, message string, paths ...string) error {
	args := append([]string{"add", "-A", "--"}, paths...)
	if _, err := m.git(ctx, args...); err != nil {
		return fmt.Errorf("staging archive paths: %w", err)
	}
	_, err := m.git(ctx, "-c", "user.name="+m.authorName, "-c", "user.email="+m.authorEmail,
		"commit", "-m", message)
	if err != nil {
		if strings.Contains(err.Error(), "nothing to commit") ||
			strings.Contains(err.Error(), "nothing added to commit") {
			return nil
		}
		return fmt.Errorf("committing archive change: %w", err)
	}
	return nil
}

// CommitInfoForPath returns the newest commit touching the repo-relative
// path, or nil when the path has no history yet.
func (m *Manager) CommitInfoForPath(ctx context.Context, relPath string) (*CommitInfo, error) {
	out, err := m.git(ctx, "log", "-n", "1", "--format=%H%x1f%an%x1f%aI%x1f%s", "--", relPath)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	parts := strings.SplitN(out, "\x1f", 4)
	if len(parts) < 3 {
		return nil, fmt.Errorf("unexpected git log output %q", out)
	}
	info := &CommitInfo{SHA: parts[0], Author: parts[1]}
	if len(parts) == 4 {
		info.Subject = parts[3]
	}
	if ts, err := time.Parse(time.RFC3339, parts[2]); err == nil {
		info.AuthorTS = ts
	}
	return info, nil
}

// RecentCommits lists the newest n commits in the archive.
func (m *Manager) RecentCommits(ctx context.Context, n int) ([]*CommitInfo, error) {
	if n <= 0 {
		n = 10
	}
	out, err := m.git(ctx, "log", "-n", fmt.Sprint(n), "--format=%H%x1f%an%x1f%aI%x1f%s")
	if err != nil {
		return nil, err
	}
	var commits []*CommitInfo
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\x1f", 4)
		if len(parts) < 4 {
			continue
		}
		info := &CommitInfo{SHA: parts[0], Author: parts[1], Subject: parts[3]}
		if ts, err := time.Parse(time.RFC3339, parts[2]); err == nil {
			info.AuthorTS = ts
		}
		commits = append(commits, info)
	}
	return commits, nil
}
