package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harborline/mailroom/internal/types"
)

func TestGuardInstallUninstall(t *testing.T) {
	repo := t.TempDir()
	if err := os.MkdirAll(filepath.Join(repo, ".git", "hooks"), 0o755); err != nil {
		t.Fatalf("seeding fake repo: %v", err)
	}
	hookPath := filepath.Join(repo, ".git", "hooks", "pre-commit")

	// Existing foreign hook gets backed up.
	foreign := "#!/bin/sh\necho existing\n"
	if err := os.WriteFile(hookPath, []byte(foreign), 0o755); err != nil {
		t.Fatalf("writing foreign hook: %v", err)
	}

	installed, err := InstallGuard(repo, "/srv/mail", "backend")
	if err != nil {
		t.Fatalf("InstallGuard failed: %v", err)
	}
	if installed != hookPath {
		t.Errorf("hook path = %q", installed)
	}
	content, _ := os.ReadFile(hookPath)
	if !strings.Contains(string(content), guardMarker) {
		t.Error("installed hook missing marker")
	}
	if !strings.Contains(string(content), `--project "backend"`) {
		t.Errorf("hook = %s", content)
	}
	backup, err := os.ReadFile(hookPath + ".pre-mailroom")
	if err != nil || string(backup) != foreign {
		t.Errorf("backup = %q, %v", backup, err)
	}

	removed, err := UninstallGuard(repo)
	if err != nil || !removed {
		t.Fatalf("UninstallGuard = %v, %v", removed, err)
	}
	restored, err := os.ReadFile(hookPath)
	if err != nil || string(restored) != foreign {
		t.Errorf("restored hook = %q, %v", restored, err)
	}

	// Uninstalling a foreign hook is a no-op.
	removed, err = UninstallGuard(repo)
	if err != nil || removed {
		t.Errorf("foreign uninstall = %v, %v, want false, nil", removed, err)
	}
}

func TestCheckStagedPaths(t *testing.T) {
	m := newTestManager(t)
	p, _ := m.Project("backend")

	now := time.Now().UTC()
	write := func(agent, pattern string, exclusive bool, expires time.Time, released *time.Time) {
		t.Helper()
		r := &types.FileReservation{
			AgentName:   agent,
			PathPattern: pattern,
			Exclusive:   exclusive,
			CreatedTS:   now,
			ExpiresTS:   expires,
			ReleasedTS:  released,
		}
		if _, err := p.WriteReservationRecord(r); err != nil {
			t.Fatalf("writing record: %v", err)
		}
	}
	write("GreenHill", "src/*", true, now.Add(time.Hour), nil)
	write("RedStone", "docs/*", false, now.Add(time.Hour), nil)            // shared never blocks
	write("PinkPond", "lib/*", true, now.Add(-time.Minute), nil)           // expired
	write("BlackBear", "cmd/*", true, now.Add(time.Hour), types.Ptr(now))  // released

	violations, err := p.CheckStagedPaths("BlueLake",
		[]string{"src/app.go", "docs/readme.md", "lib/x.go", "cmd/main.go", "other.txt"}, now)
	if err != nil {
		t.Fatalf("CheckStagedPaths failed: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("violations = %+v, want 1", violations)
	}
	v := violations[0]
	if v.Path != "src/app.go" || v.Holder != "GreenHill" || v.Pattern != "src/*" {
		t.Errorf("violation = %+v", v)
	}

	// The holder's own commit passes.
	violations, err = p.CheckStagedPaths("GreenHill", []string{"src/app.go"}, now)
	if err != nil {
		t.Fatalf("holder check failed: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("holder violations = %+v, want none", violations)
	}
}
