package mail

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/harborline/mailroom/internal/archive"
	"github.com/harborline/mailroom/internal/config"
	"github.com/harborline/mailroom/internal/storage/sqlite"
	"github.com/harborline/mailroom/internal/types"
)

type env struct {
	t        *testing.T
	ctx      context.Context
	store    *sqlite.Store
	settings *config.Settings
	svc      *Service
}

// newEnv builds a service over a real sqlite store and git archive in a
// temp dir. configure mutates the settings before the service is built.
func newEnv(t *testing.T, configure func(*config.Settings)) *env {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	ctx := context.Background()
	dir := t.TempDir()

	store, err := sqlite.New(ctx, filepath.Join(dir, "mailroom.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	settings := config.DefaultSettings(dir)
	if configure != nil {
		configure(settings)
	}
	archives, err := archive.NewManager(settings.StorageRoot, settings.GitAuthorName, settings.GitAuthorEmail, slog.Default())
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	svc := NewService(store, archives, settings, nil, slog.Default())
	return &env{t: t, ctx: ctx, store: store, settings: settings, svc: svc}
}

func (e *env) ensureProject(humanKey string) *ProjectInfo {
	e.t.Helper()
	info, err := e.svc.EnsureProject(e.ctx, humanKey)
	if err != nil {
		e.t.Fatalf("EnsureProject(%s) failed: %v", humanKey, err)
	}
	return info
}

func (e *env) register(projectKey, name string) *types.Agent {
	e.t.Helper()
	agent, err := e.svc.RegisterAgent(e.ctx, RegisterAgentArgs{
		ProjectKey: projectKey,
		Name:       name,
		Program:    "testprog",
		Model:      "testmodel",
	})
	if err != nil {
		e.t.Fatalf("RegisterAgent(%s) failed: %v", name, err)
	}
	return agent
}

func (e *env) send(projectKey, from string, to []string, subject, body string) *SendResult {
	e.t.Helper()
	res, err := e.svc.SendMessage(e.ctx, SendArgs{
		ProjectKey: projectKey,
		SenderName: from,
		To:         to,
		Subject:    subject,
		BodyMD:     body,
	})
	if err != nil {
		e.t.Fatalf("SendMessage(%s -> %v) failed: %v", from, to, err)
	}
	return res
}

func toolErr(t *testing.T, err error, kind types.ErrorKind) *types.ToolError {
	t.Helper()
	te, ok := types.AsToolError(err)
	if !ok {
		t.Fatalf("error %v is not a tool error", err)
	}
	if te.Kind != kind {
		t.Fatalf("error kind = %s, want %s (%v)", te.Kind, kind, err)
	}
	return te
}
