package mail

import (
	"context"
	"time"

	"github.com/harborline/mailroom/internal/archive"
	"github.com/harborline/mailroom/internal/reserve"
	"github.com/harborline/mailroom/internal/storage"
	"github.com/harborline/mailroom/internal/types"
)

// ListProjects returns projects in creation order, filtered against the
// configured ignore patterns (test/demo projects).
func (s *Service) ListProjects(ctx context.Context) ([]*types.Project, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	var out []*types.Project
	for _, p := range projects {
		if s.ignoredProject(p.Slug) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Service) ignoredProject(slug string) bool {
	for _, pattern := range s.settings.RetentionIgnorePatterns {
		if reserve.Match(pattern, slug) {
			return true
		}
	}
	return false
}

// ProjectDetail is the resource://project/{slug} payload.
type ProjectDetail struct {
	Project *types.Project `json:"project"`
	Agents  []*types.Agent `json:"agents"`
}

// GetProject returns a project with its embedded agent list.
func (s *Service) GetProject(ctx context.Context, projectKey string) (*ProjectDetail, error) {
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	agents, err := s.store.ListAgents(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	return &ProjectDetail{Project: project, Agents: agents}, nil
}

// DirectoryEntry is one agent of the directory listing with its unread
// count.
type DirectoryEntry struct {
	Agent  *types.Agent `json:"agent"`
	Unread int          `json:"unread_count"`
}

// AgentDirectory lists a project's agents with per-agent unread counts
// from a single aggregate query.
func (s *Service) AgentDirectory(ctx context.Context, projectKey string) ([]DirectoryEntry, error) {
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	agents, err := s.store.ListAgents(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.UnreadCounts(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	out := make([]DirectoryEntry, 0, len(agents))
	for _, a := range agents {
		out = append(out, DirectoryEntry{Agent: a, Unread: counts[a.ID]})
	}
	return out, nil
}

// UrgentUnread lists unread urgent messages for the agent.
func (s *Service) UrgentUnread(ctx context.Context, projectKey, agentName string) ([]InboxEntry, error) {
	return s.FetchInbox(ctx, InboxArgs{
		ProjectKey: projectKey,
		AgentName:  agentName,
		UrgentOnly: true,
		UnreadOnly: true,
	})
}

// AckPendingView lists ack-required messages not yet acknowledged,
// optionally only those older than the cutoff.
func (s *Service) AckPendingView(ctx context.Context, projectKey, agentName string, olderThan time.Time, limit int) ([]InboxEntry, error) {
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	agent, err := s.agent(ctx, project, agentName)
	if err != nil {
		return nil, err
	}
	items, err := s.store.AckPending(ctx, project.ID, agent.ID, olderThan, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]InboxEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, entryFromItem(item, false))
	}
	return entries, nil
}

// AckRequired lists every unacknowledged ack-required message.
func (s *Service) AckRequired(ctx context.Context, projectKey, agentName string) ([]InboxEntry, error) {
	return s.AckPendingView(ctx, projectKey, agentName, time.Now().UTC(), 0)
}

// AcksStale lists unacknowledged ack-required messages older than the
// configured ack TTL.
func (s *Service) AcksStale(ctx context.Context, projectKey, agentName string) ([]InboxEntry, error) {
	return s.AckPendingView(ctx, projectKey, agentName, time.Now().UTC().Add(-s.settings.AckTTL), 0)
}

// AckOverdue lists unacknowledged ack-required messages older than the
// given number of minutes.
func (s *Service) AckOverdue(ctx context.Context, projectKey, agentName string, minutes int) ([]InboxEntry, error) {
	if minutes <= 0 {
		minutes = 30
	}
	cutoff := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
	return s.AckPendingView(ctx, projectKey, agentName, cutoff, 0)
}

// MailboxEntry joins an inbox entry with the commit that produced its
// canonical archive file.
type MailboxEntry struct {
	InboxEntry
	Commit *archive.CommitInfo `json:"commit,omitempty"`
}

// MailboxWithCommits returns the agent's inbox enriched with git commit
// metadata per message. Messages whose archive file predates history (or
// whose write failed) carry a nil commit.
func (s *Service) MailboxWithCommits(ctx context.Context, projectKey, agentName string, limit int) ([]MailboxEntry, error) {
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	agent, err := s.agent(ctx, project, agentName)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListInbox(ctx, project.ID, agent.ID, storage.InboxFilter{Limit: limit})
	if err != nil {
		return nil, err
	}

	out := make([]MailboxEntry, 0, len(items))
	for _, item := range items {
		entry := MailboxEntry{InboxEntry: entryFromItem(item, false)}
		rel := "projects/" + project.Slug + "/messages/" +
			item.Message.CreatedTS.Format("2006/01") + "/" +
			archive.MessageFileName(item.Message.CreatedTS, item.Message.Subject, item.Message.ID)
		if info, err := s.archives.CommitInfoForPath(ctx, rel); err == nil {
			entry.Commit = info
		} else {
			s.log.Debug("commit lookup failed", "path", rel, "error", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// SearchHit is one full-text match.
type SearchHit struct {
	MessageID   int64            `json:"message_id"`
	Subject     string           `json:"subject"`
	From        string           `json:"from"`
	Importance  types.Importance `json:"importance"`
	AckRequired bool             `json:"ack_required"`
	ThreadKey   string           `json:"thread_key"`
	CreatedTS   time.Time        `json:"created_ts"`
	Rank        float64          `json:"rank"`
}

// SearchMessages runs a full-text query over subject+body, best match
// first. The query supports FTS5 phrase, prefix, and boolean syntax.
func (s *Service) SearchMessages(ctx context.Context, projectKey, query string, limit int) ([]SearchHit, error) {
	if query == "" {
		return nil, types.Invalidf("query is required")
	}
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	results, err := s.store.SearchMessages(ctx, project.ID, query, limit)
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{
			MessageID:   r.Message.ID,
			Subject:     r.Message.Subject,
			From:        r.Message.SenderName,
			Importance:  r.Message.Importance,
			AckRequired: r.Message.AckRequired,
			ThreadKey:   r.Message.ThreadKey(),
			CreatedTS:   r.Message.CreatedTS,
			Rank:        r.Rank,
		})
	}
	return hits, nil
}
