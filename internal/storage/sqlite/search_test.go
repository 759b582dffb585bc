package sqlite

import (
	"testing"
)

func TestSearchMessages(t *testing.T) {
	env := newTestEnv(t)
	p := env.CreateProject("backend")
	other := env.CreateProject("frontend")
	a := env.CreateAgent(p, "BlueLake")
	b := env.CreateAgent(p, "GreenHill")
	fa := env.CreateAgent(other, "RedStone")
	fb := env.CreateAgent(other, "PinkPond")

	env.Send(p, a, "database migration plan", "we move to WAL mode tonight", b)
	env.Send(p, a, "lunch", "tacos?", b)
	env.Send(other, fa, "database cleanup", "vacuum the frontend db", fb)

	hits, err := env.Store.SearchMessages(env.Ctx, p.ID, "database", 10)
	if err != nil {
		t.Fatalf("SearchMessages failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1 (project scoped)", len(hits))
	}
	if hits[0].Message.Subject != "database migration plan" {
		t.Errorf("hit subject = %q", hits[0].Message.Subject)
	}

	// Body terms are indexed too.
	hits, err = env.Store.SearchMessages(env.Ctx, p.ID, "tacos", 10)
	if err != nil {
		t.Fatalf("SearchMessages body failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Message.Subject != "lunch" {
		t.Fatalf("body hits = %+v", hits)
	}

	hits, err = env.Store.SearchMessages(env.Ctx, p.ID, "kubernetes", 10)
	if err != nil {
		t.Fatalf("SearchMessages miss failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("miss hits = %d, want 0", len(hits))
	}
}

func TestSearchRanking(t *testing.T) {
	env := newTestEnv(t)
	p := env.CreateProject("backend")
	a := env.CreateAgent(p, "BlueLake")
	b := env.CreateAgent(p, "GreenHill")

	env.Send(p, a, "mentions rollout once", "rollout", b)
	env.Send(p, a, "rollout rollout rollout", "rollout everywhere, rollout now", b)

	hits, err := env.Store.SearchMessages(env.Ctx, p.ID, "rollout", 10)
	if err != nil {
		t.Fatalf("SearchMessages failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].Message.Subject != "rollout rollout rollout" {
		t.Errorf("best match = %q, want the denser message first", hits[0].Message.Subject)
	}
}
