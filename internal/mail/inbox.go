package mail

import (
	"context"
	"errors"
	"time"

	"github.com/harborline/mailroom/internal/storage"
	"github.com/harborline/mailroom/internal/types"
)

// InboxArgs are the fetch_inbox inputs.
type InboxArgs struct {
	ProjectKey    string     `json:"project_key"`
	AgentName     string     `json:"agent_name"`
	Limit         int        `json:"limit,omitempty"`
	UrgentOnly    bool       `json:"urgent_only,omitempty"`
	UnreadOnly    bool       `json:"unread_only,omitempty"`
	IncludeBodies bool       `json:"include_bodies,omitempty"`
	SinceTS       *time.Time `json:"since_ts,omitempty"`
}

// InboxEntry is one inbox listing row.
type InboxEntry struct {
	MessageID   int64               `json:"message_id"`
	From        string              `json:"from"`
	Kind        types.RecipientKind `json:"kind"`
	Subject     string              `json:"subject"`
	BodyMD      string              `json:"body_md,omitempty"`
	Importance  types.Importance    `json:"importance"`
	AckRequired bool                `json:"ack_required"`
	ThreadID    string              `json:"thread_id,omitempty"`
	CreatedTS   time.Time           `json:"created_ts"`
	ReadTS      *time.Time          `json:"read_ts,omitempty"`
	AckTS       *time.Time          `json:"ack_ts,omitempty"`
	Attachments []types.Attachment  `json:"attachments,omitempty"`
}

func entryFromItem(item *storage.InboxItem, includeBody bool) InboxEntry {
	e := InboxEntry{
		MessageID:   item.Message.ID,
		From:        item.Message.SenderName,
		Kind:        item.Kind,
		Subject:     item.Message.Subject,
		Importance:  item.Message.Importance,
		AckRequired: item.Message.AckRequired,
		ThreadID:    item.Message.ThreadID,
		CreatedTS:   item.Message.CreatedTS,
		ReadTS:      item.ReadTS,
		AckTS:       item.AckTS,
		Attachments: item.Message.Attachments,
	}
	if includeBody {
		e.BodyMD = item.Message.BodyMD
	}
	return e
}

// FetchInbox lists the agent's most recent inbound messages, newest first.
func (s *Service) FetchInbox(ctx context.Context, args InboxArgs) ([]InboxEntry, error) {
	project, err := s.project(ctx, args.ProjectKey)
	if err != nil {
		return nil, err
	}
	agent, err := s.agent(ctx, project, args.AgentName)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListInbox(ctx, project.ID, agent.ID, storage.InboxFilter{
		Limit:         args.Limit,
		UrgentOnly:    args.UrgentOnly,
		UnreadOnly:    args.UnreadOnly,
		IncludeBodies: args.IncludeBodies,
		SinceTS:       args.SinceTS,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.TouchAgent(ctx, agent.ID, time.Now().UTC()); err != nil {
		return nil, err
	}
	entries := make([]InboxEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, entryFromItem(item, args.IncludeBodies))
	}
	return entries, nil
}

// FetchOutbox lists the agent's sent messages, newest first.
func (s *Service) FetchOutbox(ctx context.Context, projectKey, agentName string, limit int, includeBodies bool) ([]InboxEntry, error) {
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	agent, err := s.agent(ctx, project, agentName)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListOutbox(ctx, project.ID, agent.ID, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]InboxEntry, 0, len(msgs))
	for _, m := range msgs {
		e := InboxEntry{
			MessageID:   m.ID,
			From:        m.SenderName,
			Subject:     m.Subject,
			Importance:  m.Importance,
			AckRequired: m.AckRequired,
			ThreadID:    m.ThreadID,
			CreatedTS:   m.CreatedTS,
			Attachments: m.Attachments,
		}
		if includeBodies {
			e.BodyMD = m.BodyMD
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MarkResult is the mark_message_read / acknowledge_message payload. First
// reports whether this call set the timestamp; a repeat returns the
// original value with First=false.
type MarkResult struct {
	MessageID int64     `json:"message_id"`
	Agent     string    `json:"agent"`
	Field     string    `json:"field"`
	Timestamp time.Time `json:"timestamp"`
	First     bool      `json:"first"`
}

// MarkMessageRead stamps the set-once read timestamp.
func (s *Service) MarkMessageRead(ctx context.Context, projectKey, agentName string, messageID int64) (*MarkResult, error) {
	return s.mark(ctx, projectKey, agentName, messageID, storage.FieldRead)
}

// AcknowledgeMessage stamps the set-once ack timestamp; the read timestamp
// is stamped alongside when still unset.
func (s *Service) AcknowledgeMessage(ctx context.Context, projectKey, agentName string, messageID int64) (*MarkResult, error) {
	return s.mark(ctx, projectKey, agentName, messageID, storage.FieldAck)
}

func (s *Service) mark(ctx context.Context, projectKey, agentName string, messageID int64, field storage.TimestampField) (*MarkResult, error) {
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	agent, err := s.agent(ctx, project, agentName)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.MessageByID(ctx, project.ID, messageID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.NotFoundf("message %d not found in project %s", messageID, project.Slug)
		}
		return nil, err
	}
	ts, first, err := s.store.MarkTimestamp(ctx, messageID, agent.ID, field, time.Now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.NotFoundf("agent %s is not a recipient of message %d", agent.Name, messageID)
		}
		return nil, err
	}
	return &MarkResult{
		MessageID: messageID,
		Agent:     agent.Name,
		Field:     string(field),
		Timestamp: ts,
		First:     first,
	}, nil
}

// ThreadEntry is one message of a thread listing, ascending by creation.
type ThreadEntry struct {
	MessageID   int64            `json:"message_id"`
	From        string           `json:"from"`
	Subject     string           `json:"subject"`
	BodyMD      string           `json:"body_md,omitempty"`
	Importance  types.Importance `json:"importance"`
	AckRequired bool             `json:"ack_required"`
	CreatedTS   time.Time        `json:"created_ts"`
}

// FetchThread returns the thread's messages in ascending order. The key
// matches either thread_id or, when numeric, the message id itself.
func (s *Service) FetchThread(ctx context.Context, projectKey, threadKey string, includeBodies bool, limit int) ([]ThreadEntry, error) {
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ThreadMessages(ctx, project.ID, threadKey, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]ThreadEntry, 0, len(msgs))
	for _, m := range msgs {
		e := ThreadEntry{
			MessageID:   m.ID,
			From:        m.SenderName,
			Subject:     m.Subject,
			Importance:  m.Importance,
			AckRequired: m.AckRequired,
			CreatedTS:   m.CreatedTS,
		}
		if includeBodies {
			e.BodyMD = m.BodyMD
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetMessage returns one message with its recipient states.
func (s *Service) GetMessage(ctx context.Context, projectKey string, messageID int64) (*types.Message, []*types.MessageRecipient, error) {
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, nil, err
	}
	msg, err := s.store.MessageByID(ctx, project.ID, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, types.NotFoundf("message %d not found in project %s", messageID, project.Slug)
		}
		return nil, nil, err
	}
	recipients, err := s.store.MessageRecipients(ctx, msg.ID)
	if err != nil {
		return nil, nil, err
	}
	return msg, recipients, nil
}
