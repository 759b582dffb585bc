package mail

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/harborline/mailroom/internal/archive"
	"github.com/harborline/mailroom/internal/contact"
	"github.com/harborline/mailroom/internal/names"
	"github.com/harborline/mailroom/internal/reserve"
	"github.com/harborline/mailroom/internal/storage"
	"github.com/harborline/mailroom/internal/types"
)

// SendArgs are the send_message inputs.
type SendArgs struct {
	ProjectKey      string   `json:"project_key"`
	SenderName      string   `json:"sender_name"`
	To              []string `json:"to"`
	CC              []string `json:"cc,omitempty"`
	BCC             []string `json:"bcc,omitempty"`
	Subject         string   `json:"subject"`
	BodyMD          string   `json:"body_md"`
	Importance      string   `json:"importance,omitempty"`
	AckRequired     bool     `json:"ack_required,omitempty"`
	ThreadID        string   `json:"thread_id,omitempty"`
	AttachmentPaths []string `json:"attachment_paths,omitempty"`
	AttachPolicy    string   `json:"attachments_policy,omitempty"`
	AutoContact     bool     `json:"auto_contact,omitempty"`

	tool string
}

// Delivery is the per-target-project outcome of a send.
type Delivery struct {
	ProjectSlug string             `json:"project"`
	MessageID   int64              `json:"message_id"`
	ThreadID    string             `json:"thread_id,omitempty"`
	Subject     string             `json:"subject"`
	CreatedTS   time.Time          `json:"created_ts"`
	To          []string           `json:"to,omitempty"`
	CC          []string           `json:"cc,omitempty"`
	BCC         []string           `json:"bcc,omitempty"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
	Paths       []string           `json:"archive_paths,omitempty"`
}

// SendResult is the send_message / reply_message payload. When exactly one
// local delivery exists its attachments are mirrored at the top level for
// older clients.
type SendResult struct {
	Deliveries  []Delivery         `json:"deliveries"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

// recipientRef is one fully resolved recipient.
type recipientRef struct {
	agent   *types.Agent
	project *types.Project
	kind    types.RecipientKind
}

// External addressing forms: "project:<key>#<Name>" and "<Name>@<key>".
var (
	projectHashForm = regexp.MustCompile(`^project:(.+)#([^#]+)$`)
	atForm          = regexp.MustCompile(`^([^@]+)@(.+)$`)
)

// SendMessage runs the canonical pipeline: resolve, gate, persist, archive,
// commit. No database or archive write happens unless every recipient
// resolves and passes gating.
func (s *Service) SendMessage(ctx context.Context, args SendArgs) (*SendResult, error) {
	if args.tool == "" {
		args.tool = "send_message"
	}
	if strings.TrimSpace(args.Subject) == "" {
		return nil, types.Invalidf("subject is required")
	}
	if len(args.To) == 0 {
		return nil, types.Invalidf("at least one recipient is required")
	}

	project, err := s.project(ctx, args.ProjectKey)
	if err != nil {
		return nil, err
	}
	sender, err := s.agent(ctx, project, args.SenderName)
	if err != nil {
		return nil, err
	}

	refs, err := s.resolveRecipients(ctx, project, sender, args.To, args.CC, args.BCC)
	if err != nil {
		return nil, err
	}

	// Contact gating. Ack-required sends to local recipients are the
	// contact request themselves and bypass the gate.
	now := time.Now().UTC()
	for _, ref := range refs {
		if args.AckRequired && ref.project.ID == project.ID {
			continue
		}
		if err := s.gateRecipient(ctx, sender, ref, args.ThreadID, args.AutoContact, now); err != nil {
			return nil, err
		}
	}

	// Reservation gating on the mailbox surfaces the write will touch.
	if s.settings.ReservationEnforcement {
		if err := s.checkWriteSurfaces(ctx, project, sender, refs, now); err != nil {
			return nil, err
		}
	}

	msgTemplate := &types.Message{
		SenderName:  sender.Name,
		ThreadID:    strings.TrimSpace(args.ThreadID),
		Subject:     strings.TrimSpace(args.Subject),
		BodyMD:      args.BodyMD,
		Importance:  types.NormalizeImportance(args.Importance),
		AckRequired: args.AckRequired,
	}

	// Group recipients by target project; the sender's own project is
	// always delivered first.
	buckets := groupByProject(project, refs)

	result := &SendResult{}
	localDeliveries := 0
	for _, b := range buckets {
		delivery, err := s.deliver(ctx, b.project, sender, msgTemplate, b.refs, args)
		if err != nil {
			return nil, err
		}
		result.Deliveries = append(result.Deliveries, *delivery)
		if b.project.ID == project.ID {
			localDeliveries++
			if localDeliveries == 1 {
				result.Attachments = delivery.Attachments
			}
		}
	}
	if localDeliveries != 1 {
		result.Attachments = nil
	}
	return result, nil
}

type bucket struct {
	project *types.Project
	refs    []recipientRef
}

func groupByProject(home *types.Project, refs []recipientRef) []bucket {
	var out []bucket
	index := map[int64]int{}
	// Seed the home bucket so it sorts first even if every recipient is
	// external (the canonical copy always lands in the sender's project).
	out = append(out, bucket{project: home})
	index[home.ID] = 0
	for _, ref := range refs {
		i, ok := index[ref.project.ID]
		if !ok {
			i = len(out)
			index[ref.project.ID] = i
			out = append(out, bucket{project: ref.project})
		}
		out[i].refs = append(out[i].refs, ref)
	}
	return out
}

// resolveRecipients normalizes, deduplicates, and routes every recipient.
// Any unresolvable identifier fails the whole send.
func (s *Service) resolveRecipients(ctx context.Context, project *types.Project, sender *types.Agent, to, cc, bcc []string) ([]recipientRef, error) {
	var refs []recipientRef
	var missing []string
	type agentKey struct{ project, agent int64 }
	resolved := map[agentKey]bool{}
	rawSeen := map[string]bool{}

	resolveList := func(list []string, kind types.RecipientKind) error {
		for _, raw := range list {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				return types.Invalidf("empty recipient in %s list", kind)
			}
			lower := strings.ToLower(raw)
			if rawSeen[lower] {
				continue
			}
			rawSeen[lower] = true
			ref, err := s.resolveRecipient(ctx, project, sender, raw, kind)
			if err != nil {
				var te *types.ToolError
				if errors.As(err, &te) && te.Kind == types.ErrRecipientNotFound {
					missing = append(missing, raw)
					continue
				}
				return err
			}
			// Spellings like "Blue Lake" and "BlueLake" sanitize to the
			// same agent; keep one reference per resolved identity.
			key := agentKey{ref.project.ID, ref.agent.ID}
			if resolved[key] {
				continue
			}
			resolved[key] = true
			refs = append(refs, *ref)
		}
		return nil
	}
	if err := resolveList(to, types.KindTo); err != nil {
		return nil, err
	}
	if err := resolveList(cc, types.KindCC); err != nil {
		return nil, err
	}
	if err := resolveList(bcc, types.KindBCC); err != nil {
		return nil, err
	}

	if len(missing) > 0 {
		return nil, types.NewToolError(types.ErrRecipientNotFound,
			fmt.Sprintf("unknown recipients: %s", strings.Join(missing, ", ")),
			map[string]any{
				"missing": missing,
				"hint":    "resource://agents/" + project.Slug,
			})
	}
	if len(refs) == 0 {
		return nil, types.Invalidf("no resolvable recipients")
	}
	return refs, nil
}

func (s *Service) resolveRecipient(ctx context.Context, project *types.Project, sender *types.Agent, raw string, kind types.RecipientKind) (*recipientRef, error) {
	notFound := func() error {
		return types.NewToolError(types.ErrRecipientNotFound,
			fmt.Sprintf("recipient %q not found", raw), map[string]any{"recipient": raw})
	}

	// Explicit cross-project forms.
	if m := projectHashForm.FindStringSubmatch(raw); m != nil {
		return s.resolveExternal(ctx, m[1], m[2], kind, notFound)
	}
	if m := atForm.FindStringSubmatch(raw); m != nil && !strings.Contains(m[1], ":") {
		return s.resolveExternal(ctx, m[2], m[1], kind, notFound)
	}

	// Bare name: local first, then an approved outbound link.
	name := names.Sanitize(raw)
	if agent, err := s.store.AgentByName(ctx, project.ID, name); err == nil {
		return &recipientRef{agent: agent, project: project, kind: kind}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	agent, target, err := s.store.ApprovedTarget(ctx, project.ID, sender.ID, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound()
		}
		return nil, err
	}
	return &recipientRef{agent: agent, project: target, kind: kind}, nil
}

func (s *Service) resolveExternal(ctx context.Context, projectKey, agentName string, kind types.RecipientKind, notFound func() error) (*recipientRef, error) {
	target, err := s.project(ctx, projectKey)
	if err != nil {
		var te *types.ToolError
		if errors.As(err, &te) && te.Kind == types.ErrNotFound {
			return nil, notFound()
		}
		return nil, err
	}
	agent, err := s.store.AgentByName(ctx, target.ID, names.Sanitize(agentName))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound()
		}
		return nil, err
	}
	return &recipientRef{agent: agent, project: target, kind: kind}, nil
}

// gateRecipient applies contact policy, retrying once through the
// handshake workflow when the caller asked for auto-contact.
func (s *Service) gateRecipient(ctx context.Context, sender *types.Agent, ref recipientRef, threadID string, autoContact bool, now time.Time) error {
	res, err := s.gate.Check(ctx, sender, ref.agent, threadID, now)
	if err != nil {
		return err
	}
	switch res.Decision {
	case contact.Allow:
		return nil
	case contact.Block:
		return contact.BlockError(ref.agent.Name)
	}

	if autoContact && s.settings.ContactAutoRetry {
		if err := s.approveLink(ctx, sender, ref.agent, nil, "auto handshake"); err != nil {
			return err
		}
		res, err = s.gate.Check(ctx, sender, ref.agent, threadID, now)
		if err != nil {
			return err
		}
		if res.Decision == contact.Allow {
			return nil
		}
	}
	return contact.RequireError(ref.agent.Name)
}

// checkWriteSurfaces rejects the send when a mailbox surface it will touch
// is covered by another agent's active exclusive reservation.
func (s *Service) checkWriteSurfaces(ctx context.Context, project *types.Project, sender *types.Agent, refs []recipientRef, now time.Time) error {
	if _, err := s.store.SweepExpiredReservations(ctx, project.ID, now); err != nil {
		return err
	}
	active, err := s.store.ActiveReservations(ctx, project.ID)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	month := now.Format("2006/01")
	surfaces := []string{fmt.Sprintf("agents/%s/outbox/%s/*.md", sender.Name, month)}
	for _, ref := range refs {
		if ref.project.ID == project.ID {
			surfaces = append(surfaces, fmt.Sprintf("agents/%s/inbox/%s/*.md", ref.agent.Name, month))
		}
	}

	var conflicts []map[string]any
	for _, r := range active {
		for _, surface := range surfaces {
			if reserve.Conflicts(r, surface, true, sender.ID) {
				conflicts = append(conflicts, map[string]any{
					"surface":    surface,
					"pattern":    r.PathPattern,
					"holder":     r.AgentName,
					"expires_ts": r.ExpiresTS,
				})
			}
		}
	}
	if len(conflicts) > 0 {
		return types.NewToolError(types.ErrReservationConflict,
			"write surfaces overlap another agent's exclusive reservation",
			map[string]any{"conflicts": conflicts})
	}
	return nil
}

// deliver persists and archives one per-project copy of the message.
func (s *Service) deliver(ctx context.Context, target *types.Project, sender *types.Agent, template *types.Message, refs []recipientRef, args SendArgs) (*Delivery, error) {
	// Cross-project copies are sent by an alias of the sender upserted
	// into the target project.
	localSender := sender
	if target.ID != sender.ProjectID {
		alias, err := s.upsertSenderAlias(ctx, target, sender)
		if err != nil {
			return nil, err
		}
		localSender = alias
	}

	p, err := s.archives.Project(target.Slug)
	if err != nil {
		return nil, err
	}

	// Attachment processing happens per archive so file attachments are
	// content-addressed inside the tree that references them.
	policy := s.effectiveAttachPolicy(localSender, args.AttachPolicy)
	processed, err := p.ProcessAttachments(args.BodyMD, args.AttachmentPaths, archive.ProcessOptions{
		Policy:         policy,
		ConvertImages:  s.settings.ConvertImages,
		InlineMaxBytes: s.settings.InlineImageMaxBytes,
	})
	if err != nil {
		return nil, err
	}

	msg := &types.Message{
		ProjectID:   target.ID,
		SenderID:    localSender.ID,
		SenderName:  localSender.Name,
		ThreadID:    template.ThreadID,
		Subject:     template.Subject,
		BodyMD:      processed.Body,
		Importance:  template.Importance,
		AckRequired: template.AckRequired,
		Attachments: processed.Attachments,
	}
	var recipientRows []storage.RecipientRef
	var toNames, ccNames, bccNames, allNames []string
	for _, ref := range refs {
		recipientRows = append(recipientRows, storage.RecipientRef{AgentID: ref.agent.ID, Kind: ref.kind})
		allNames = append(allNames, ref.agent.Name)
		switch ref.kind {
		case types.KindCC:
			ccNames = append(ccNames, ref.agent.Name)
		case types.KindBCC:
			bccNames = append(bccNames, ref.agent.Name)
		default:
			toNames = append(toNames, ref.agent.Name)
		}
	}
	if len(recipientRows) == 0 {
		// A canonical copy in the sender's project with every recipient
		// external: record the sender as sole recipient so the archive
		// bundle and thread digest stay well-formed.
		recipientRows = append(recipientRows, storage.RecipientRef{AgentID: localSender.ID, Kind: types.KindBCC})
		bccNames = append(bccNames, localSender.Name)
		allNames = append(allNames, localSender.Name)
	}

	// Transaction first; the archive is reconstructable from the DB.
	if err := s.store.InsertMessage(ctx, msg, recipientRows); err != nil {
		return nil, err
	}

	delivery := &Delivery{
		ProjectSlug: target.Slug,
		MessageID:   msg.ID,
		ThreadID:    msg.ThreadID,
		Subject:     msg.Subject,
		CreatedTS:   msg.CreatedTS,
		To:          toNames,
		CC:          ccNames,
		BCC:         bccNames,
		Attachments: msg.Attachments,
	}

	err = p.WithLock(ctx, func() error {
		rels, err := p.WriteMessageBundle(&archive.Bundle{
			Message:    msg,
			Sender:     localSender.Name,
			Recipients: allNames,
			ExtraPaths: processed.CommitPaths,
		})
		if err != nil {
			return err
		}
		delivery.Paths = rels
		panel := archive.CommitMessage(args.tool, localSender.Name, target.Slug, msg, allNames)
		return s.archives.Commit(ctx, panel, rels...)
	})
	if err != nil {
		// DB committed, archive stale. Surface the failure; the archive
		// can be rebuilt from the store.
		return nil, fmt.Errorf("archiving message %d: %w", msg.ID, err)
	}
	return delivery, nil
}

func (s *Service) upsertSenderAlias(ctx context.Context, target *types.Project, sender *types.Agent) (*types.Agent, error) {
	alias, err := s.store.AgentByName(ctx, target.ID, sender.Name)
	if err == nil {
		return alias, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	now := time.Now().UTC()
	alias = &types.Agent{
		ProjectID:       target.ID,
		Name:            sender.Name,
		Program:         sender.Program,
		Model:           sender.Model,
		TaskDescription: sender.TaskDescription,
		InceptionTS:     now,
		LastActiveTS:    now,
		AttachPolicy:    sender.AttachPolicy,
		ContactPolicy:   sender.ContactPolicy,
	}
	if err := s.store.CreateAgent(ctx, alias); err != nil {
		return nil, err
	}
	return alias, nil
}

// effectiveAttachPolicy resolves server default -> agent policy -> per-call
// override, lowest to highest precedence.
func (s *Service) effectiveAttachPolicy(agent *types.Agent, override string) types.AttachmentsPolicy {
	policy := types.AttachAuto
	if agent.AttachPolicy != "" {
		policy = agent.AttachPolicy
	}
	switch types.AttachmentsPolicy(override) {
	case types.AttachAuto, types.AttachInline, types.AttachFile:
		policy = types.AttachmentsPolicy(override)
	}
	return policy
}

// ReplyArgs are the reply_message inputs.
type ReplyArgs struct {
	ProjectKey      string   `json:"project_key"`
	SenderName      string   `json:"sender_name"`
	MessageID       int64    `json:"message_id"`
	BodyMD          string   `json:"body_md"`
	To              []string `json:"to,omitempty"`
	CC              []string `json:"cc,omitempty"`
	BCC             []string `json:"bcc,omitempty"`
	SubjectPrefix   string   `json:"subject_prefix,omitempty"`
	AttachmentPaths []string `json:"attachment_paths,omitempty"`
	AutoContact     bool     `json:"auto_contact,omitempty"`
}

// ReplyMessage sends a reply on the original's thread. The subject prefix
// is applied once, case-insensitively; importance and the ack flag are
// inherited; the default recipient is the original sender.
func (s *Service) ReplyMessage(ctx context.Context, args ReplyArgs) (*SendResult, error) {
	project, err := s.project(ctx, args.ProjectKey)
	if err != nil {
		return nil, err
	}
	original, err := s.store.MessageByID(ctx, project.ID, args.MessageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.NotFoundf("message %d not found in project %s", args.MessageID, project.Slug)
		}
		return nil, err
	}

	prefix := args.SubjectPrefix
	if prefix == "" {
		prefix = "Re:"
	}
	subject := original.Subject
	if !strings.HasPrefix(strings.ToLower(subject), strings.ToLower(prefix)) {
		subject = prefix + " " + subject
	}

	to := args.To
	if len(to) == 0 {
		to = []string{original.SenderName}
	}

	return s.SendMessage(ctx, SendArgs{
		ProjectKey:      args.ProjectKey,
		SenderName:      args.SenderName,
		To:              to,
		CC:              args.CC,
		BCC:             args.BCC,
		Subject:         subject,
		BodyMD:          args.BodyMD,
		Importance:      string(original.Importance),
		AckRequired:     original.AckRequired,
		ThreadID:        original.ThreadKey(),
		AttachmentPaths: args.AttachmentPaths,
		AutoContact:     args.AutoContact,
		tool:            "reply_message",
	})
}
