package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harborline/mailroom/internal/storage"
	"github.com/harborline/mailroom/internal/types"
)

// ContactRequestArgs are the request_contact inputs. TargetProject is
// optional; empty means the requester's own project.
type ContactRequestArgs struct {
	ProjectKey    string `json:"project_key"`
	FromAgent     string `json:"from_agent"`
	ToAgent       string `json:"to_agent"`
	TargetProject string `json:"target_project,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ContactRequestResult is the request_contact payload.
type ContactRequestResult struct {
	Link  *types.AgentLink `json:"link"`
	Intro *SendResult      `json:"intro,omitempty"`
}

// RequestContact creates or refreshes a pending link from the requester to
// the target and delivers an ack-required introduction message, which
// bypasses gating by virtue of its ack flag.
func (s *Service) RequestContact(ctx context.Context, args ContactRequestArgs) (*ContactRequestResult, error) {
	project, err := s.project(ctx, args.ProjectKey)
	if err != nil {
		return nil, err
	}
	from, err := s.agent(ctx, project, args.FromAgent)
	if err != nil {
		return nil, err
	}
	targetProject := project
	if args.TargetProject != "" {
		if targetProject, err = s.project(ctx, args.TargetProject); err != nil {
			return nil, err
		}
	}
	to, err := s.agent(ctx, targetProject, args.ToAgent)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	link := &types.AgentLink{
		AProjectID: project.ID,
		AAgentID:   from.ID,
		BProjectID: targetProject.ID,
		BAgentID:   to.ID,
		Status:     types.LinkPending,
		Reason:     args.Reason,
		CreatedTS:  now,
		UpdatedTS:  now,
	}
	// A blocked link is final; a fresh request must not resurrect it.
	if existing, err := s.store.Link(ctx, project.ID, from.ID, targetProject.ID, to.ID); err == nil {
		if existing.Status == types.LinkBlocked {
			return nil, contactBlockedError(to.Name)
		}
		if existing.Status == types.LinkApproved && !existing.Expired(now) {
			return &ContactRequestResult{Link: existing}, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err := s.store.UpsertLink(ctx, link); err != nil {
		return nil, err
	}

	reason := args.Reason
	if reason == "" {
		reason = "no reason given"
	}
	toAddr := to.Name
	if targetProject.ID != project.ID {
		toAddr = fmt.Sprintf("project:%s#%s", targetProject.Slug, to.Name)
	}
	intro, err := s.SendMessage(ctx, SendArgs{
		ProjectKey:  args.ProjectKey,
		SenderName:  from.Name,
		To:          []string{toAddr},
		Subject:     fmt.Sprintf("Contact request from %s", from.Name),
		BodyMD:      fmt.Sprintf("%s would like to exchange messages with you.\n\nReason: %s\n\nRespond with respond_contact.", from.Name, reason),
		AckRequired: true,
		tool:        "request_contact",
	})
	if err != nil {
		// The link is in place; a failed intro should not lose the request.
		s.log.Warn("contact intro delivery failed", "from", from.Name, "to", to.Name, "error", err)
		return &ContactRequestResult{Link: link}, nil
	}
	return &ContactRequestResult{Link: link, Intro: intro}, nil
}

// ContactRespondArgs are the respond_contact inputs. FromAgent is the
// responding target; ToAgent is the original requester.
type ContactRespondArgs struct {
	ProjectKey       string `json:"project_key"`
	FromAgent        string `json:"from_agent"`
	ToAgent          string `json:"to_agent"`
	RequesterProject string `json:"requester_project,omitempty"`
	Accept           bool   `json:"accept"`
	TTLSeconds       int    `json:"ttl_seconds,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// RespondContact approves or blocks the requester->target link. Accepting
// works even when no pending request exists.
func (s *Service) RespondContact(ctx context.Context, args ContactRespondArgs) (*types.AgentLink, error) {
	project, err := s.project(ctx, args.ProjectKey)
	if err != nil {
		return nil, err
	}
	responder, err := s.agent(ctx, project, args.FromAgent)
	if err != nil {
		return nil, err
	}
	requesterProject := project
	if args.RequesterProject != "" {
		if requesterProject, err = s.project(ctx, args.RequesterProject); err != nil {
			return nil, err
		}
	}
	requester, err := s.agent(ctx, requesterProject, args.ToAgent)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	link := &types.AgentLink{
		AProjectID: requesterProject.ID,
		AAgentID:   requester.ID,
		BProjectID: project.ID,
		BAgentID:   responder.ID,
		Status:     types.LinkBlocked,
		Reason:     args.Reason,
		CreatedTS:  now,
		UpdatedTS:  now,
	}
	if args.Accept {
		link.Status = types.LinkApproved
		if args.TTLSeconds > 0 {
			link.ExpiresTS = types.Ptr(now.Add(time.Duration(args.TTLSeconds) * time.Second))
		}
	}
	if err := s.store.UpsertLink(ctx, link); err != nil {
		return nil, err
	}
	s.log.Info("contact response recorded",
		"requester", requester.Name, "responder", responder.Name, "status", link.Status)
	return link, nil
}

// ListContacts returns the agent's contact list in both directions.
func (s *Service) ListContacts(ctx context.Context, projectKey, agentName string) ([]*storage.ContactEntry, error) {
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	agent, err := s.agent(ctx, project, agentName)
	if err != nil {
		return nil, err
	}
	return s.store.ListContacts(ctx, project.ID, agent.ID)
}

// approveLink writes an approved link from sender to recipient, used by
// the auto-handshake path of the send pipeline and by the handshake macro.
func (s *Service) approveLink(ctx context.Context, from, to *types.Agent, expires *time.Time, reason string) error {
	now := time.Now().UTC()
	return s.store.UpsertLink(ctx, &types.AgentLink{
		AProjectID: from.ProjectID,
		AAgentID:   from.ID,
		BProjectID: to.ProjectID,
		BAgentID:   to.ID,
		Status:     types.LinkApproved,
		Reason:     reason,
		CreatedTS:  now,
		UpdatedTS:  now,
		ExpiresTS:  expires,
	})
}

func contactBlockedError(recipient string) *types.ToolError {
	return types.NewToolError(types.ErrContactBlocked,
		fmt.Sprintf("agent %s has blocked contact", recipient),
		map[string]any{"recipient": recipient})
}
