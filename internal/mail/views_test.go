package mail

import (
	"testing"

	"github.com/harborline/mailroom/internal/config"
)

func TestListProjectsIgnoresTestPatterns(t *testing.T) {
	e := newEnv(t, func(s *config.Settings) {
		s.RetentionIgnorePatterns = []string{"demo", "scratch-*"}
	})
	e.ensureProject("/data/projects/backend")
	e.ensureProject("/demo")
	e.ensureProject("/scratch-one")

	projects, err := e.svc.ListProjects(e.ctx)
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if len(projects) != 1 || projects[0].Slug != "data-projects-backend" {
		t.Errorf("projects = %+v", projects)
	}
}

func TestAgentDirectoryUnreadCounts(t *testing.T) {
	e := newEnv(t, nil)
	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "BlueLake")
	e.register(p.Slug, "GreenHill")
	e.send(p.Slug, "BlueLake", []string{"GreenHill"}, "one", "x")
	e.send(p.Slug, "BlueLake", []string{"GreenHill"}, "two", "x")

	dir, err := e.svc.AgentDirectory(e.ctx, p.Slug)
	if err != nil {
		t.Fatalf("AgentDirectory failed: %v", err)
	}
	counts := map[string]int{}
	for _, entry := range dir {
		counts[entry.Agent.Name] = entry.Unread
	}
	if counts["GreenHill"] != 2 || counts["BlueLake"] != 0 {
		t.Errorf("unread counts = %v", counts)
	}
}

func TestAckRequiredViewClearsOnAcknowledge(t *testing.T) {
	e := newEnv(t, nil)
	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "BlueLake")
	e.register(p.Slug, "GreenHill")

	res, err := e.svc.SendMessage(e.ctx, SendArgs{
		ProjectKey: p.Slug, SenderName: "BlueLake", To: []string{"GreenHill"},
		Subject: "confirm rollout", BodyMD: "x", AckRequired: true,
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	id := res.Deliveries[0].MessageID

	pending, err := e.svc.AckRequired(e.ctx, p.Slug, "GreenHill")
	if err != nil {
		t.Fatalf("AckRequired failed: %v", err)
	}
	if len(pending) != 1 || pending[0].MessageID != id {
		t.Fatalf("pending = %+v", pending)
	}

	first, err := e.svc.AcknowledgeMessage(e.ctx, p.Slug, "GreenHill", id)
	if err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	pending, err = e.svc.AckRequired(e.ctx, p.Slug, "GreenHill")
	if err != nil {
		t.Fatalf("AckRequired after ack failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("view should clear after ack: %+v", pending)
	}

	// A repeat acknowledge returns the original timestamp.
	second, err := e.svc.AcknowledgeMessage(e.ctx, p.Slug, "GreenHill", id)
	if err != nil || second.First || !second.Timestamp.Equal(first.Timestamp) {
		t.Errorf("repeat ack = %+v, %v", second, err)
	}
}

func TestUrgentUnreadView(t *testing.T) {
	e := newEnv(t, nil)
	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "BlueLake")
	e.register(p.Slug, "GreenHill")

	if _, err := e.svc.SendMessage(e.ctx, SendArgs{
		ProjectKey: p.Slug, SenderName: "BlueLake", To: []string{"GreenHill"},
		Subject: "urgent thing", BodyMD: "x", Importance: "urgent",
	}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	e.send(p.Slug, "BlueLake", []string{"GreenHill"}, "normal thing", "x")

	urgent, err := e.svc.UrgentUnread(e.ctx, p.Slug, "GreenHill")
	if err != nil {
		t.Fatalf("UrgentUnread failed: %v", err)
	}
	if len(urgent) != 1 || urgent[0].Subject != "urgent thing" {
		t.Errorf("urgent = %+v", urgent)
	}
}

func TestAckOverdueCutoff(t *testing.T) {
	e := newEnv(t, nil)
	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "BlueLake")
	e.register(p.Slug, "GreenHill")
	if _, err := e.svc.SendMessage(e.ctx, SendArgs{
		ProjectKey: p.Slug, SenderName: "BlueLake", To: []string{"GreenHill"},
		Subject: "ack me", BodyMD: "x", AckRequired: true,
	}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// A just-sent message is pending but not overdue.
	overdue, err := e.svc.AckOverdue(e.ctx, p.Slug, "GreenHill", 30)
	if err != nil {
		t.Fatalf("AckOverdue failed: %v", err)
	}
	if len(overdue) != 0 {
		t.Errorf("overdue = %+v, want none", overdue)
	}
}

func TestSearchMessages(t *testing.T) {
	e := newEnv(t, nil)
	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "BlueLake")
	e.send(p.Slug, "BlueLake", []string{"BlueLake"}, "deploy plan", "rollout at noon")
	e.send(p.Slug, "BlueLake", []string{"BlueLake"}, "lunch", "sandwiches")

	hits, err := e.svc.SearchMessages(e.ctx, p.Slug, "rollout", 10)
	if err != nil {
		t.Fatalf("SearchMessages failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Subject != "deploy plan" {
		t.Errorf("hits = %+v", hits)
	}
	if hits[0].From != "BlueLake" || hits[0].ThreadKey == "" {
		t.Errorf("hit fields = %+v", hits[0])
	}
}

func TestMailboxWithCommits(t *testing.T) {
	e := newEnv(t, nil)
	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "BlueLake")
	e.register(p.Slug, "GreenHill")
	e.send(p.Slug, "BlueLake", []string{"GreenHill"}, "tracked", "x")

	entries, err := e.svc.MailboxWithCommits(e.ctx, p.Slug, "GreenHill", 10)
	if err != nil {
		t.Fatalf("MailboxWithCommits failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	commit := entries[0].Commit
	if commit == nil || commit.SHA == "" {
		t.Fatalf("commit = %+v", commit)
	}
	if commit.Author != e.settings.GitAuthorName {
		t.Errorf("author = %q", commit.Author)
	}
}
