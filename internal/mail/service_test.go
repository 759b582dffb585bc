package mail

import (
	"strings"
	"testing"

	"github.com/harborline/mailroom/internal/config"
	"github.com/harborline/mailroom/internal/names"
	"github.com/harborline/mailroom/internal/types"
)

func TestEnsureProjectIdempotent(t *testing.T) {
	e := newEnv(t, nil)

	first := e.ensureProject("/data/projects/backend")
	if !first.Created {
		t.Error("first ensure should create")
	}
	if first.Slug != names.Slugify("/data/projects/backend") {
		t.Errorf("slug = %q", first.Slug)
	}

	second := e.ensureProject("/data/projects/backend")
	if second.Created {
		t.Error("second ensure should not create")
	}
	if second.ID != first.ID || second.Slug != first.Slug {
		t.Errorf("second ensure = %+v, want same project", second)
	}
}

func TestEnsureProjectRejectsRelativePath(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.svc.EnsureProject(e.ctx, "projects/backend")
	toolErr(t, err, types.ErrInvalidArgument)
}

func TestEnsureProjectSlugCollision(t *testing.T) {
	e := newEnv(t, nil)
	e.ensureProject("/data/my.project")
	// A different human key deriving the same slug is rejected, not merged.
	_, err := e.svc.EnsureProject(e.ctx, "/data/my_project")
	toolErr(t, err, types.ErrInvalidArgument)
}

func TestRegisterAgentUpsert(t *testing.T) {
	e := newEnv(t, nil)
	p := e.ensureProject("/data/projects/backend")

	agent := e.register(p.Slug, "BlueLake")
	if agent.Name != "BlueLake" {
		t.Errorf("name = %q", agent.Name)
	}
	if agent.ContactPolicy != types.PolicyAuto || agent.AttachPolicy != types.AttachAuto {
		t.Errorf("defaults = %+v", agent)
	}

	// Re-registration updates fields, keeps the id, and is case-insensitive.
	again, err := e.svc.RegisterAgent(e.ctx, RegisterAgentArgs{
		ProjectKey:      p.Slug,
		Name:            "bluelake",
		TaskDescription: "refactoring the API",
	})
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	if again.ID != agent.ID {
		t.Errorf("re-register allocated new id %d, want %d", again.ID, agent.ID)
	}
	if again.TaskDescription != "refactoring the API" {
		t.Errorf("task = %q", again.TaskDescription)
	}
}

func TestRegisterAgentNameEnforcement(t *testing.T) {
	t.Run("strict rejects malformed", func(t *testing.T) {
		e := newEnv(t, func(s *config.Settings) { s.NameEnforcement = "strict" })
		p := e.ensureProject("/data/projects/backend")
		_, err := e.svc.RegisterAgent(e.ctx, RegisterAgentArgs{ProjectKey: p.Slug, Name: "not-a-pair"})
		toolErr(t, err, types.ErrInvalidArgument)
	})

	t.Run("coerce keeps malformed after sanitizing", func(t *testing.T) {
		e := newEnv(t, func(s *config.Settings) { s.NameEnforcement = "coerce" })
		p := e.ensureProject("/data/projects/backend")
		agent, err := e.svc.RegisterAgent(e.ctx, RegisterAgentArgs{ProjectKey: p.Slug, Name: "my agent!"})
		if err != nil {
			t.Fatalf("coerce register failed: %v", err)
		}
		if agent.Name != "myagent" {
			t.Errorf("coerced name = %q", agent.Name)
		}
	})

	t.Run("empty name generates", func(t *testing.T) {
		e := newEnv(t, nil)
		p := e.ensureProject("/data/projects/backend")
		agent, err := e.svc.RegisterAgent(e.ctx, RegisterAgentArgs{ProjectKey: p.Slug})
		if err != nil {
			t.Fatalf("register failed: %v", err)
		}
		if !names.Valid(agent.Name) {
			t.Errorf("generated name %q is not a valid pair", agent.Name)
		}
	})

	t.Run("always_auto ignores the caller's name", func(t *testing.T) {
		e := newEnv(t, func(s *config.Settings) { s.NameEnforcement = "always_auto" })
		p := e.ensureProject("/data/projects/backend")
		agent, err := e.svc.RegisterAgent(e.ctx, RegisterAgentArgs{ProjectKey: p.Slug, Name: "BlueLake"})
		if err != nil {
			t.Fatalf("register failed: %v", err)
		}
		if !names.Valid(agent.Name) {
			t.Errorf("generated name %q is not a valid pair", agent.Name)
		}
	})
}

func TestCreateAgentIdentity(t *testing.T) {
	e := newEnv(t, nil)
	p := e.ensureProject("/data/projects/backend")

	a, err := e.svc.CreateAgentIdentity(e.ctx, RegisterAgentArgs{ProjectKey: p.Slug, Program: "cli"})
	if err != nil {
		t.Fatalf("CreateAgentIdentity failed: %v", err)
	}
	b, err := e.svc.CreateAgentIdentity(e.ctx, RegisterAgentArgs{ProjectKey: p.Slug, Program: "cli"})
	if err != nil {
		t.Fatalf("second identity failed: %v", err)
	}
	if a.Name == b.Name {
		t.Errorf("identities collide on %q", a.Name)
	}
}

func TestWhois(t *testing.T) {
	e := newEnv(t, nil)
	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "BlueLake")
	e.register(p.Slug, "GreenHill")
	e.send(p.Slug, "GreenHill", []string{"BlueLake"}, "ping", "hello")

	info, err := e.svc.Whois(e.ctx, p.Slug, "bluelake")
	if err != nil {
		t.Fatalf("Whois failed: %v", err)
	}
	if info.Agent.Name != "BlueLake" || info.Unread != 1 {
		t.Errorf("whois = %+v", info)
	}
	if !strings.Contains(info.Profile, "profile.json") {
		t.Errorf("profile path = %q", info.Profile)
	}

	_, err = e.svc.Whois(e.ctx, p.Slug, "NoSuchAgent")
	toolErr(t, err, types.ErrNotFound)
}

func TestSetContactPolicy(t *testing.T) {
	e := newEnv(t, nil)
	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "BlueLake")

	agent, err := e.svc.SetContactPolicy(e.ctx, p.Slug, "BlueLake", "contacts_only")
	if err != nil {
		t.Fatalf("SetContactPolicy failed: %v", err)
	}
	if agent.ContactPolicy != types.PolicyContactsOnly {
		t.Errorf("policy = %q", agent.ContactPolicy)
	}

	_, err = e.svc.SetContactPolicy(e.ctx, p.Slug, "BlueLake", "whatever")
	toolErr(t, err, types.ErrInvalidArgument)
}

func TestHealthCheck(t *testing.T) {
	e := newEnv(t, nil)
	e.ensureProject("/data/projects/backend")

	health, err := e.svc.HealthCheck(e.ctx)
	if err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
	if health.Status != "ok" || health.Projects != 1 {
		t.Errorf("health = %+v", health)
	}
}
