package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harborline/mailroom/internal/storage"
	"github.com/harborline/mailroom/internal/types"
)

// UpsertLink creates or updates the directed edge (a -> b). On conflict
// the status, reason, updated_ts, and expires_ts are replaced.
func (s *Store) UpsertLink(ctx context.Context, link *types.AgentLink) error {
	now := time.Now().UTC()
	if link.CreatedTS.IsZero() {
		link.CreatedTS = now
	}
	link.UpdatedTS = now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_links (a_project_id, a_agent_id, b_project_id,
			b_agent_id, status, reason, created_ts, updated_ts, expires_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (a_agent_id, b_agent_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			updated_ts = excluded.updated_ts,
			expires_ts = excluded.expires_ts`,
		link.AProjectID, link.AAgentID, link.BProjectID, link.BAgentID,
		string(link.Status), link.Reason, fmtTime(link.CreatedTS),
		fmtTime(link.UpdatedTS), fmtTimePtr(link.ExpiresTS))
	if err != nil {
		return fmt.Errorf("upserting agent link: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil && link.ID == 0 {
		link.ID = id
	}
	return nil
}

func (s *Store) Link(ctx context.Context, aProjectID, aAgentID, bProjectID, bAgentID int64) (*types.AgentLink, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, a_project_id, a_agent_id, b_project_id, b_agent_id,
			status, reason, created_ts, updated_ts, expires_ts
		FROM agent_links
		WHERE a_project_id = ? AND a_agent_id = ? AND b_project_id = ? AND b_agent_id = ?`,
		aProjectID, aAgentID, bProjectID, bAgentID)

	var l types.AgentLink
	var status, created, updated string
	var expires sql.NullString
	err := row.Scan(&l.ID, &l.AProjectID, &l.AAgentID, &l.BProjectID, &l.BAgentID,
		&status, &l.Reason, &created, &updated, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning agent link: %w", err)
	}
	l.Status = types.LinkStatus(status)
	if l.CreatedTS, err = parseTime(created); err != nil {
		return nil, err
	}
	if l.UpdatedTS, err = parseTime(updated); err != nil {
		return nil, err
	}
	if l.ExpiresTS, err = parseTimePtr(expires); err != nil {
		return nil, err
	}
	return &l, nil
}

// ListContacts lists the outbound edges of an agent with the remote
// agent's name and project slug.
func (s *Store) ListContacts(ctx context.Context, projectID, agentID int64) ([]*storage.ContactEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.name, p.slug, l.status, l.reason, l.updated_ts
		FROM agent_links l
		JOIN agents b ON b.id = l.b_agent_id
		JOIN projects p ON p.id = l.b_project_id
		WHERE l.a_project_id = ? AND l.a_agent_id = ?
		ORDER BY l.updated_ts DESC`, projectID, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	defer rows.Close()

	var out []*storage.ContactEntry
	for rows.Next() {
		var e storage.ContactEntry
		var status, updated string
		if err := rows.Scan(&e.AgentName, &e.ProjectSlug, &status, &e.Reason, &updated); err != nil {
			return nil, fmt.Errorf("scanning contact: %w", err)
		}
		e.Status = types.LinkStatus(status)
		if e.UpdatedTS, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ApprovedTarget resolves the most recently updated approved, unexpired
// outbound link from the agent to an agent with the given name
// (case-insensitive) in another project.
func (s *Store) ApprovedTarget(ctx context.Context, fromProjectID, fromAgentID int64, targetName string) (*types.Agent, *types.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT b.id FROM agent_links l
		JOIN agents b ON b.id = l.b_agent_id
		WHERE l.a_project_id = ? AND l.a_agent_id = ?
		  AND l.status = 'approved'
		  AND b.name = ?
		  AND l.b_project_id != ?
		  AND (l.expires_ts IS NULL OR l.expires_ts > ?)
		ORDER BY l.updated_ts DESC LIMIT 1`,
		fromProjectID, fromAgentID, targetName, fromProjectID,
		fmtTime(time.Now()))

	var agentID int64
	if err := row.Scan(&agentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, storage.ErrNotFound
		}
		return nil, nil, fmt.Errorf("resolving approved target: %w", err)
	}
	agent, err := s.AgentByID(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	project, err := s.ProjectByID(ctx, agent.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	return agent, project, nil
}
