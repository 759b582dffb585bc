package mail

import (
	"testing"

	"github.com/harborline/mailroom/internal/config"
	"github.com/harborline/mailroom/internal/types"
)

func TestContactRequestDeliversIntro(t *testing.T) {
	e := newEnv(t, func(s *config.Settings) { s.ContactEnforcement = true })
	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "Alpha")
	e.register(p.Slug, "Beta")
	if _, err := e.svc.SetContactPolicy(e.ctx, p.Slug, "Beta", "contacts_only"); err != nil {
		t.Fatalf("SetContactPolicy failed: %v", err)
	}

	res, err := e.svc.RequestContact(e.ctx, ContactRequestArgs{
		ProjectKey: p.Slug, FromAgent: "Alpha", ToAgent: "Beta", Reason: "pairing on the API",
	})
	if err != nil {
		t.Fatalf("RequestContact failed: %v", err)
	}
	if res.Link.Status != types.LinkPending {
		t.Errorf("link status = %q", res.Link.Status)
	}
	// The intro bypasses the contacts_only gate via its ack flag.
	if res.Intro == nil || len(res.Intro.Deliveries) == 0 {
		t.Fatalf("intro = %+v", res.Intro)
	}

	inbox, err := e.svc.FetchInbox(e.ctx, InboxArgs{ProjectKey: p.Slug, AgentName: "Beta"})
	if err != nil || len(inbox) != 1 {
		t.Fatalf("target inbox = %v, %v", inbox, err)
	}
	if !inbox[0].AckRequired {
		t.Error("intro message should require ack")
	}
}

func TestRespondContactApprovesAndOpensSend(t *testing.T) {
	e := newEnv(t, func(s *config.Settings) { s.ContactEnforcement = true })
	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "Alpha")
	e.register(p.Slug, "Beta")
	if _, err := e.svc.SetContactPolicy(e.ctx, p.Slug, "Beta", "contacts_only"); err != nil {
		t.Fatalf("SetContactPolicy failed: %v", err)
	}

	_, err := e.svc.SendMessage(e.ctx, SendArgs{
		ProjectKey: p.Slug, SenderName: "Alpha", To: []string{"Beta"},
		Subject: "hi", BodyMD: "x",
	})
	toolErr(t, err, types.ErrContactRequired)

	// Accept-without-request: no pending link is needed.
	link, err := e.svc.RespondContact(e.ctx, ContactRespondArgs{
		ProjectKey: p.Slug, FromAgent: "Beta", ToAgent: "Alpha", Accept: true,
	})
	if err != nil {
		t.Fatalf("RespondContact failed: %v", err)
	}
	if link.Status != types.LinkApproved {
		t.Errorf("status = %q", link.Status)
	}

	e.send(p.Slug, "Alpha", []string{"Beta"}, "hi again", "x")
}

func TestRespondContactBlockOverridesRequests(t *testing.T) {
	e := newEnv(t, func(s *config.Settings) { s.ContactEnforcement = true })
	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "Alpha")
	e.register(p.Slug, "Beta")

	if _, err := e.svc.RespondContact(e.ctx, ContactRespondArgs{
		ProjectKey: p.Slug, FromAgent: "Beta", ToAgent: "Alpha", Accept: false,
	}); err != nil {
		t.Fatalf("block failed: %v", err)
	}

	// A new request against a blocked link fails hard.
	_, err := e.svc.RequestContact(e.ctx, ContactRequestArgs{
		ProjectKey: p.Slug, FromAgent: "Alpha", ToAgent: "Beta",
	})
	toolErr(t, err, types.ErrContactBlocked)
}

func TestListContacts(t *testing.T) {
	e := newEnv(t, nil)
	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "Alpha")
	e.register(p.Slug, "Beta")
	if _, err := e.svc.RespondContact(e.ctx, ContactRespondArgs{
		ProjectKey: p.Slug, FromAgent: "Beta", ToAgent: "Alpha", Accept: true,
	}); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	contacts, err := e.svc.ListContacts(e.ctx, p.Slug, "Alpha")
	if err != nil {
		t.Fatalf("ListContacts failed: %v", err)
	}
	if len(contacts) != 1 || contacts[0].Status != types.LinkApproved {
		t.Errorf("contacts = %+v", contacts)
	}
}

func TestSendAutoContactRetry(t *testing.T) {
	e := newEnv(t, func(s *config.Settings) { s.ContactEnforcement = true })
	p := e.ensureProject("/data/projects/backend")
	e.register(p.Slug, "Alpha")
	e.register(p.Slug, "Beta")
	if _, err := e.svc.SetContactPolicy(e.ctx, p.Slug, "Beta", "contacts_only"); err != nil {
		t.Fatalf("SetContactPolicy failed: %v", err)
	}

	// With auto_contact, the pipeline synthesizes an approval and retries.
	if _, err := e.svc.SendMessage(e.ctx, SendArgs{
		ProjectKey: p.Slug, SenderName: "Alpha", To: []string{"Beta"},
		Subject: "hi", BodyMD: "x", AutoContact: true,
	}); err != nil {
		t.Fatalf("auto-contact send failed: %v", err)
	}
}
