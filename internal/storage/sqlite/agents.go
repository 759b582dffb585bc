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

const agentColumns = `id, project_id, name, program, model, task_description,
	inception_ts, last_active_ts, attachments_policy, contact_policy`

func (s *Store) CreateAgent(ctx context.Context, agent *types.Agent) error {
	now := time.Now().UTC()
	if agent.InceptionTS.IsZero() {
		agent.InceptionTS = now
	}
	if agent.LastActiveTS.IsZero() {
		agent.LastActiveTS = now
	}
	if agent.AttachPolicy == "" {
		agent.AttachPolicy = types.AttachAuto
	}
	if agent.ContactPolicy == "" {
		agent.ContactPolicy = types.PolicyAuto
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (project_id, name, program, model, task_description,
			inception_ts, last_active_ts, attachments_policy, contact_policy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ProjectID, agent.Name, agent.Program, agent.Model, agent.TaskDescription,
		fmtTime(agent.InceptionTS), fmtTime(agent.LastActiveTS),
		string(agent.AttachPolicy), string(agent.ContactPolicy))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("agent %q already registered in project: %w", agent.Name, err)
		}
		return fmt.Errorf("inserting agent: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading agent id: %w", err)
	}
	agent.ID = id
	return nil
}

func (s *Store) UpdateAgent(ctx context.Context, agent *types.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET program = ?, model = ?, task_description = ?,
			last_active_ts = ?, attachments_policy = ?, contact_policy = ?
		WHERE id = ?`,
		agent.Program, agent.Model, agent.TaskDescription,
		fmtTime(agent.LastActiveTS), string(agent.AttachPolicy),
		string(agent.ContactPolicy), agent.ID)
	if err != nil {
		return fmt.Errorf("updating agent %d: %w", agent.ID, err)
	}
	return nil
}

func (s *Store) AgentByName(ctx context.Context, projectID int64, name string) (*types.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project_id = ? AND name = ?`,
		projectID, name))
}

func (s *Store) AgentByID(ctx context.Context, id int64) (*types.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*types.Agent, error) {
	var a types.Agent
	var inception, lastActive, attach, contact string
	err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Program, &a.Model,
		&a.TaskDescription, &inception, &lastActive, &attach, &contact)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	if a.InceptionTS, err = parseTime(inception); err != nil {
		return nil, err
	}
	if a.LastActiveTS, err = parseTime(lastActive); err != nil {
		return nil, err
	}
	a.AttachPolicy = types.AttachmentsPolicy(attach)
	a.ContactPolicy = types.ContactPolicy(contact)
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context, projectID int64) ([]*types.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project_id = ? ORDER BY name`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []*types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) TouchAgent(ctx context.Context, agentID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_active_ts = ? WHERE id = ?`, fmtTime(at), agentID)
	if err != nil {
		return fmt.Errorf("touching agent %d: %w", agentID, err)
	}
	return nil
}

func (s *Store) SetContactPolicy(ctx context.Context, agentID int64, policy types.ContactPolicy) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET contact_policy = ? WHERE id = ?`, string(policy), agentID)
	if err != nil {
		return fmt.Errorf("setting contact policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UnreadCounts(ctx context.Context, projectID int64) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.agent_id, COUNT(*)
		FROM message_recipients r
		JOIN messages m ON m.id = r.message_id
		WHERE m.project_id = ? AND r.read_ts IS NULL
		GROUP BY r.agent_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("counting unread: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var agentID int64
		var n int
		if err := rows.Scan(&agentID, &n); err != nil {
			return nil, fmt.Errorf("scanning unread count: %w", err)
		}
		counts[agentID] = n
	}
	return counts, rows.Err()
}
