package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/harborline/mailroom/internal/storage"
	"github.com/harborline/mailroom/internal/types"
)

// testEnv provides a test environment with common setup and helpers.
// Use newTestEnv(t) to create one with automatic cleanup.
type testEnv struct {
	t     *testing.T
	Store *Store
	Ctx   context.Context
}

// newTestEnv creates a test environment backed by a private database.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{t: t, Store: newTestStore(t, ""), Ctx: context.Background()}
}

// CreateProject creates a project whose slug equals its human key.
func (e *testEnv) CreateProject(slug string) *types.Project {
	e.t.Helper()
	p, err := e.Store.CreateProject(e.Ctx, slug, "/work/"+slug)
	if err != nil {
		e.t.Fatalf("CreateProject(%q) failed: %v", slug, err)
	}
	return p
}

// CreateAgent registers an agent with defaults.
func (e *testEnv) CreateAgent(project *types.Project, name string) *types.Agent {
	e.t.Helper()
	agent := &types.Agent{ProjectID: project.ID, Name: name, Program: "claude-code"}
	if err := e.Store.CreateAgent(e.Ctx, agent); err != nil {
		e.t.Fatalf("CreateAgent(%q) failed: %v", name, err)
	}
	return agent
}

// Send inserts a message from sender to the given recipients (all kind to).
func (e *testEnv) Send(project *types.Project, sender *types.Agent, subject, body string, recipients ...*types.Agent) *types.Message {
	e.t.Helper()
	msg := &types.Message{
		ProjectID: project.ID,
		SenderID:  sender.ID,
		Subject:   subject,
		BodyMD:    body,
	}
	refs := make([]storage.RecipientRef, len(recipients))
	for i, r := range recipients {
		refs[i] = storage.RecipientRef{AgentID: r.ID, Kind: types.KindTo}
	}
	if err := e.Store.InsertMessage(e.Ctx, msg, refs); err != nil {
		e.t.Fatalf("InsertMessage(%q) failed: %v", subject, err)
	}
	return msg
}

// Reserve creates an unexpired reservation for the agent.
func (e *testEnv) Reserve(project *types.Project, agent *types.Agent, pattern string, exclusive bool, ttl time.Duration) *types.FileReservation {
	e.t.Helper()
	r := &types.FileReservation{
		ProjectID:   project.ID,
		AgentID:     agent.ID,
		PathPattern: pattern,
		Exclusive:   exclusive,
		ExpiresTS:   time.Now().UTC().Add(ttl),
	}
	if err := e.Store.CreateReservation(e.Ctx, r); err != nil {
		e.t.Fatalf("CreateReservation(%q) failed: %v", pattern, err)
	}
	return r
}

// newTestStore opens a store for testing.
//
// By default each test gets a file-backed database under t.TempDir():
// private in-memory databases do not survive the connection pool opening
// a second connection. Pass a custom dbPath to override.
func newTestStore(t *testing.T, dbPath string) *Store {
	t.Helper()
	if dbPath == "" {
		dbPath = t.TempDir() + "/test.db"
	}
	store, err := New(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})
	return store
}
