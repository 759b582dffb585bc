package sqlite

import (
	"errors"
	"testing"
	"time"

	"github.com/harborline/mailroom/internal/storage"
	"github.com/harborline/mailroom/internal/types"
)

func TestUpsertLinkTransitions(t *testing.T) {
	env := newTestEnv(t)
	p := env.CreateProject("backend")
	a := env.CreateAgent(p, "BlueLake")
	b := env.CreateAgent(p, "GreenHill")

	link := &types.AgentLink{
		AProjectID: p.ID, AAgentID: a.ID,
		BProjectID: p.ID, BAgentID: b.ID,
		Status: types.LinkPending, Reason: "intro",
	}
	if err := env.Store.UpsertLink(env.Ctx, link); err != nil {
		t.Fatalf("UpsertLink failed: %v", err)
	}

	got, err := env.Store.Link(env.Ctx, p.ID, a.ID, p.ID, b.ID)
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if got.Status != types.LinkPending {
		t.Errorf("status = %s, want pending", got.Status)
	}

	link.Status = types.LinkApproved
	if err := env.Store.UpsertLink(env.Ctx, link); err != nil {
		t.Fatalf("approve upsert failed: %v", err)
	}
	got, err = env.Store.Link(env.Ctx, p.ID, a.ID, p.ID, b.ID)
	if err != nil {
		t.Fatalf("Link after approve failed: %v", err)
	}
	if got.Status != types.LinkApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}

	// Reverse direction is a distinct edge.
	if _, err := env.Store.Link(env.Ctx, p.ID, b.ID, p.ID, a.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("reverse edge = %v, want ErrNotFound", err)
	}
}

func TestApprovedTarget(t *testing.T) {
	env := newTestEnv(t)
	home := env.CreateProject("backend")
	remote := env.CreateProject("frontend")
	me := env.CreateAgent(home, "BlueLake")
	them := env.CreateAgent(remote, "GreenHill")

	// No link yet.
	if _, _, err := env.Store.ApprovedTarget(env.Ctx, home.ID, me.ID, "GreenHill"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("no-link lookup = %v, want ErrNotFound", err)
	}

	link := &types.AgentLink{
		AProjectID: home.ID, AAgentID: me.ID,
		BProjectID: remote.ID, BAgentID: them.ID,
		Status: types.LinkApproved,
	}
	if err := env.Store.UpsertLink(env.Ctx, link); err != nil {
		t.Fatalf("UpsertLink failed: %v", err)
	}

	agent, project, err := env.Store.ApprovedTarget(env.Ctx, home.ID, me.ID, "greenhill")
	if err != nil {
		t.Fatalf("ApprovedTarget failed: %v", err)
	}
	if agent.ID != them.ID || project.Slug != "frontend" {
		t.Errorf("target = %s@%s", agent.Name, project.Slug)
	}

	// Expired links do not resolve.
	link.ExpiresTS = types.Ptr(time.Now().UTC().Add(-time.Minute))
	if err := env.Store.UpsertLink(env.Ctx, link); err != nil {
		t.Fatalf("expiring upsert failed: %v", err)
	}
	if _, _, err := env.Store.ApprovedTarget(env.Ctx, home.ID, me.ID, "GreenHill"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired-link lookup = %v, want ErrNotFound", err)
	}
}

func TestListContacts(t *testing.T) {
	env := newTestEnv(t)
	p := env.CreateProject("backend")
	me := env.CreateAgent(p, "BlueLake")
	b := env.CreateAgent(p, "GreenHill")
	c := env.CreateAgent(p, "RedStone")

	for _, edge := range []struct {
		to     *types.Agent
		status types.LinkStatus
	}{
		{b, types.LinkApproved},
		{c, types.LinkBlocked},
	} {
		link := &types.AgentLink{
			AProjectID: p.ID, AAgentID: me.ID,
			BProjectID: p.ID, BAgentID: edge.to.ID,
			Status: edge.status,
		}
		if err := env.Store.UpsertLink(env.Ctx, link); err != nil {
			t.Fatalf("UpsertLink failed: %v", err)
		}
	}

	contacts, err := env.Store.ListContacts(env.Ctx, p.ID, me.ID)
	if err != nil {
		t.Fatalf("ListContacts failed: %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("contacts = %d, want 2", len(contacts))
	}
	byName := map[string]types.LinkStatus{}
	for _, e := range contacts {
		byName[e.AgentName] = e.Status
	}
	if byName["GreenHill"] != types.LinkApproved || byName["RedStone"] != types.LinkBlocked {
		t.Errorf("contacts = %+v", byName)
	}
}
