package mail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harborline/mailroom/internal/config"
	"github.com/harborline/mailroom/internal/types"
)

func threadMessages() []*types.Message {
	now := time.Now().UTC()
	return []*types.Message{
		{
			SenderName: "BlueLake",
			Subject:    "Deploy plan",
			BodyMD: "Plan for today:\n" +
				"- [x] freeze main\n" +
				"- [ ] run migration on `db/schema.sql`\n" +
				"- ship the API\n" +
				"TODO: ping @GreenHill before the cutover\n",
			CreatedTS: now.Add(-time.Hour),
		},
		{
			SenderName: "GreenHill",
			Subject:    "Re: Deploy plan",
			BodyMD: "Migration is BLOCKED on the index rebuild.\n" +
				"See `internal/storage/sqlite.go` and ping @BlueLake @BlueLake when done.\n",
			CreatedTS: now,
		},
	}
}

func TestSummarizeMessagesHeuristics(t *testing.T) {
	s := summarizeMessages("t-1", threadMessages())

	if s.MessageCount != 2 {
		t.Errorf("message count = %d", s.MessageCount)
	}
	if len(s.Participants) != 2 || s.Participants[0] != "BlueLake" || s.Participants[1] != "GreenHill" {
		t.Errorf("participants = %v", s.Participants)
	}
	if s.DoneCount != 1 || s.OpenCount != 1 {
		t.Errorf("checkbox counts = open %d done %d", s.OpenCount, s.DoneCount)
	}

	wantActions := map[string]bool{}
	for _, a := range s.ActionItems {
		wantActions[a] = true
	}
	if !wantActions["run migration on `db/schema.sql`"] {
		t.Errorf("open checkbox missing from actions: %v", s.ActionItems)
	}
	if !wantActions["TODO: ping @GreenHill before the cutover"] {
		t.Errorf("TODO line missing from actions: %v", s.ActionItems)
	}
	if !wantActions["Migration is BLOCKED on the index rebuild."] {
		t.Errorf("BLOCKED line missing from actions: %v", s.ActionItems)
	}

	if s.Mentions["BlueLake"] != 2 || s.Mentions["GreenHill"] != 1 {
		t.Errorf("mentions = %v", s.Mentions)
	}

	refs := map[string]bool{}
	for _, r := range s.CodeRefs {
		refs[r] = true
	}
	if !refs["db/schema.sql"] || !refs["internal/storage/sqlite.go"] {
		t.Errorf("code refs = %v", s.CodeRefs)
	}
	if s.FirstTS == nil || s.LastTS == nil || !s.LastTS.After(*s.FirstTS) {
		t.Errorf("timestamps = %v %v", s.FirstTS, s.LastTS)
	}
}

type stubLLM struct {
	refined  map[string]any
	complete string
	err      error
}

func (s *stubLLM) RefineSummary(context.Context, string, map[string]any) (map[string]any, error) {
	return s.refined, s.err
}

func (s *stubLLM) Complete(context.Context, string) (string, error) {
	return s.complete, s.err
}

func TestSummarizeThreadWithLLM(t *testing.T) {
	e := newEnv(t, func(s *config.Settings) { s.LLMEnabled = true })
	e.svc.llm = &stubLLM{refined: map[string]any{
		"summary":    "Deploy coordination between BlueLake and GreenHill.",
		"key_points": []any{"freeze main", "migration blocked"},
	}}

	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "BlueLake")
	res, err := e.svc.SendMessage(e.ctx, SendArgs{
		ProjectKey: p.Slug, SenderName: "BlueLake", To: []string{"BlueLake"},
		Subject: "Deploy plan", BodyMD: "- [ ] TODO: cut over", ThreadID: "t-1",
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	_ = res

	summary, err := e.svc.SummarizeThread(e.ctx, p.Slug, "t-1")
	if err != nil {
		t.Fatalf("SummarizeThread failed: %v", err)
	}
	if !summary.LLMRefined {
		t.Error("summary should be marked refined")
	}
	if summary.Summary != "Deploy coordination between BlueLake and GreenHill." {
		t.Errorf("summary = %q", summary.Summary)
	}
	if len(summary.KeyPoints) != 2 {
		t.Errorf("key points = %v", summary.KeyPoints)
	}
	// Heuristic fields outside the refinement survive.
	if summary.OpenCount != 1 {
		t.Errorf("open count = %d", summary.OpenCount)
	}
}

func TestSummarizeThreadLLMFailureFallsBack(t *testing.T) {
	e := newEnv(t, func(s *config.Settings) { s.LLMEnabled = true })
	e.svc.llm = &stubLLM{err: errors.New("model unavailable")}

	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "BlueLake")
	if _, err := e.svc.SendMessage(e.ctx, SendArgs{
		ProjectKey: p.Slug, SenderName: "BlueLake", To: []string{"BlueLake"},
		Subject: "notes", BodyMD: "- first point", ThreadID: "t-2",
	}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	summary, err := e.svc.SummarizeThread(e.ctx, p.Slug, "t-2")
	if err != nil {
		t.Fatalf("SummarizeThread must degrade, got %v", err)
	}
	if summary.LLMRefined {
		t.Error("failed refinement must not mark the summary refined")
	}
	if len(summary.KeyPoints) != 1 || summary.KeyPoints[0] != "first point" {
		t.Errorf("heuristic key points = %v", summary.KeyPoints)
	}
}

func TestSummarizeThreads(t *testing.T) {
	e := newEnv(t, nil)
	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "BlueLake")
	for _, tc := range []struct{ thread, body string }{
		{"t-1", "ping @GreenHill"},
		{"t-2", "ping @GreenHill and @RedStone"},
	} {
		if _, err := e.svc.SendMessage(e.ctx, SendArgs{
			ProjectKey: p.Slug, SenderName: "BlueLake", To: []string{"BlueLake"},
			Subject: "s", BodyMD: tc.body, ThreadID: tc.thread,
		}); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	digest, err := e.svc.SummarizeThreads(e.ctx, p.Slug, []string{"t-1", "t-2", "missing"})
	if err != nil {
		t.Fatalf("SummarizeThreads failed: %v", err)
	}
	if len(digest.Threads) != 2 {
		t.Errorf("threads = %d", len(digest.Threads))
	}
	if digest.Mentions["GreenHill"] != 2 || digest.Mentions["RedStone"] != 1 {
		t.Errorf("merged mentions = %v", digest.Mentions)
	}

	_, err = e.svc.SummarizeThreads(e.ctx, p.Slug, nil)
	toolErr(t, err, types.ErrInvalidArgument)
}

func TestSummarizeNumericKeyMatchesMessageID(t *testing.T) {
	e := newEnv(t, nil)
	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "BlueLake")
	res := e.send(p.Slug, "BlueLake", []string{"BlueLake"}, "solo", "unthreaded note")
	id := res.Deliveries[0].MessageID

	summary, err := e.svc.SummarizeThread(e.ctx, p.Slug, "1")
	if err != nil {
		t.Fatalf("SummarizeThread by id failed: %v", err)
	}
	if summary.MessageCount != 1 || id != 1 {
		t.Errorf("summary = %+v, id = %d", summary, id)
	}
}
