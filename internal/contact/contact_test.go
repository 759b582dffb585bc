package contact

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harborline/mailroom/internal/storage"
	"github.com/harborline/mailroom/internal/storage/sqlite"
	"github.com/harborline/mailroom/internal/types"
)

type gateEnv struct {
	t       *testing.T
	ctx     context.Context
	store   *sqlite.Store
	project *types.Project
}

func newGateEnv(t *testing.T) *gateEnv {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	project, err := store.CreateProject(ctx, "backend", "/repo/backend")
	if err != nil {
		t.Fatalf("creating project: %v", err)
	}
	return &gateEnv{t: t, ctx: ctx, store: store, project: project}
}

func (e *gateEnv) agent(name string, policy types.ContactPolicy) *types.Agent {
	e.t.Helper()
	now := time.Now().UTC()
	a := &types.Agent{
		ProjectID:     e.project.ID,
		Name:          name,
		InceptionTS:   now,
		LastActiveTS:  now,
		AttachPolicy:  types.AttachAuto,
		ContactPolicy: policy,
	}
	if err := e.store.CreateAgent(e.ctx, a); err != nil {
		e.t.Fatalf("creating agent %s: %v", name, err)
	}
	return a
}

func (e *gateEnv) approve(from, to *types.Agent, expires *time.Time) {
	e.t.Helper()
	now := time.Now().UTC()
	err := e.store.UpsertLink(e.ctx, &types.AgentLink{
		AProjectID: from.ProjectID,
		AAgentID:   from.ID,
		BProjectID: to.ProjectID,
		BAgentID:   to.ID,
		Status:     types.LinkApproved,
		CreatedTS:  now,
		UpdatedTS:  now,
		ExpiresTS:  expires,
	})
	if err != nil {
		e.t.Fatalf("approving link: %v", err)
	}
}

func TestGatePolicies(t *testing.T) {
	e := newGateEnv(t)
	now := time.Now().UTC()
	gate := NewGate(e.store, true, 24*time.Hour)

	sender := e.agent("BlueLake", types.PolicyAuto)
	open := e.agent("GreenHill", types.PolicyOpen)
	blocked := e.agent("RedStone", types.PolicyBlockAll)
	contactsOnly := e.agent("PinkPond", types.PolicyContactsOnly)
	auto := e.agent("BlackBear", types.PolicyAuto)

	check := func(recipient *types.Agent, want Decision) {
		t.Helper()
		res, err := gate.Check(e.ctx, sender, recipient, "", now)
		if err != nil {
			t.Fatalf("Check(%s) failed: %v", recipient.Name, err)
		}
		if res.Decision != want {
			t.Errorf("Check(%s) = %s (%s), want %s", recipient.Name, res.Decision, res.Reason, want)
		}
	}

	check(sender, Allow) // self
	check(open, Allow)
	check(blocked, Block)
	check(contactsOnly, Require)
	check(auto, Require) // no relationship evidence yet

	// An approved link opens contacts_only recipients, but an explicit
	// block stands even with one.
	e.approve(sender, contactsOnly, nil)
	e.approve(sender, blocked, nil)
	check(contactsOnly, Allow)
	check(blocked, Block)
}

func TestGateExpiredLink(t *testing.T) {
	e := newGateEnv(t)
	now := time.Now().UTC()
	gate := NewGate(e.store, true, 24*time.Hour)

	sender := e.agent("BlueLake", types.PolicyAuto)
	recipient := e.agent("PinkPond", types.PolicyContactsOnly)
	e.approve(sender, recipient, types.Ptr(now.Add(-time.Minute)))

	res, err := gate.Check(e.ctx, sender, recipient, "", now)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Decision != Require {
		t.Errorf("expired link decision = %s, want require", res.Decision)
	}
}

func TestGateEnforcementDisabled(t *testing.T) {
	e := newGateEnv(t)
	now := time.Now().UTC()
	gate := NewGate(e.store, false, 24*time.Hour)

	sender := e.agent("BlueLake", types.PolicyAuto)
	contactsOnly := e.agent("PinkPond", types.PolicyContactsOnly)
	blocked := e.agent("RedStone", types.PolicyBlockAll)

	res, err := gate.Check(e.ctx, sender, contactsOnly, "", now)
	if err != nil || res.Decision != Allow {
		t.Errorf("contacts_only with enforcement off = %v, %v, want allow", res, err)
	}
	// block_all holds even without enforcement.
	res, err = gate.Check(e.ctx, sender, blocked, "", now)
	if err != nil || res.Decision != Block {
		t.Errorf("block_all with enforcement off = %v, %v, want block", res, err)
	}
}

func TestGateAutoHeuristics(t *testing.T) {
	e := newGateEnv(t)
	now := time.Now().UTC()
	gate := NewGate(e.store, true, 24*time.Hour)

	sender := e.agent("BlueLake", types.PolicyAuto)
	recipient := e.agent("BlackBear", types.PolicyAuto)

	// Shared thread: the recipient already participates in the thread the
	// sender is replying on.
	msg := &types.Message{
		ProjectID:  e.project.ID,
		SenderID:   recipient.ID,
		ThreadID:   "t-99",
		Subject:    "plan",
		BodyMD:     "draft",
		Importance: types.ImportanceNormal,
	}
	err := e.store.InsertMessage(e.ctx, msg, []storage.RecipientRef{{AgentID: sender.ID, Kind: types.KindTo}})
	if err != nil {
		t.Fatalf("seeding thread message: %v", err)
	}
	res, err := gate.Check(e.ctx, sender, recipient, "t-99", now)
	if err != nil || res.Decision != Allow {
		t.Fatalf("shared thread = %v, %v, want allow", res, err)
	}

	// The same delivery is also recent contact, so an unthreaded send passes.
	res, err = gate.Check(e.ctx, sender, recipient, "", now)
	if err != nil || res.Decision != Allow || res.Reason != "recent contact" {
		t.Errorf("recent contact = %v, %v, want allow via recent contact", res, err)
	}
}

func TestGateReservationOverlap(t *testing.T) {
	e := newGateEnv(t)
	now := time.Now().UTC()
	gate := NewGate(e.store, true, time.Minute) // TTL too short for recent contact

	sender := e.agent("BlueLake", types.PolicyAuto)
	recipient := e.agent("BlackBear", types.PolicyAuto)

	reserve := func(agent *types.Agent, pattern string, expires time.Time) {
		t.Helper()
		err := e.store.CreateReservation(e.ctx, &types.FileReservation{
			ProjectID:   agent.ProjectID,
			AgentID:     agent.ID,
			PathPattern: pattern,
			Exclusive:   false,
			CreatedTS:   now,
			ExpiresTS:   expires,
		})
		if err != nil {
			t.Fatalf("reserving %s: %v", pattern, err)
		}
	}

	// An expired-but-unswept reservation carries no weight.
	reserve(sender, "src/api/*", now.Add(-time.Minute))
	reserve(recipient, "src/*", now.Add(time.Hour))
	res, err := gate.Check(e.ctx, sender, recipient, "", now)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Decision != Require {
		t.Errorf("expired overlap decision = %s (%s), want require", res.Decision, res.Reason)
	}

	reserve(sender, "src/api/*", now.Add(time.Hour))
	res, err = gate.Check(e.ctx, sender, recipient, "", now)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Decision != Allow || res.Reason != "overlapping reservations" {
		t.Errorf("overlap decision = %s (%s), want allow via overlapping reservations", res.Decision, res.Reason)
	}
}
