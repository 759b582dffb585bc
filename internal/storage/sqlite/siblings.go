package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/harborline/mailroom/internal/storage"
	"github.com/harborline/mailroom/internal/types"
)

// UpsertSibling records or refreshes a sibling suggestion. A refreshed
// suggestion keeps its status but picks up the new score and rationale.
func (s *Store) UpsertSibling(ctx context.Context, sug *types.ProjectSiblingSuggestion) error {
	now := time.Now().UTC()
	if sug.CreatedTS.IsZero() {
		sug.CreatedTS = now
	}
	sug.UpdatedTS = now
	if sug.Status == "" {
		sug.Status = types.SiblingSuggested
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_sibling_suggestions (project_id, sibling_project_id,
			score, rationale, status, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, sibling_project_id) DO UPDATE SET
			score = excluded.score,
			rationale = excluded.rationale,
			updated_ts = excluded.updated_ts`,
		sug.ProjectID, sug.SiblingID, sug.Score, sug.Rationale,
		string(sug.Status), fmtTime(sug.CreatedTS), fmtTime(sug.UpdatedTS))
	if err != nil {
		return fmt.Errorf("upserting sibling suggestion: %w", err)
	}
	return nil
}

func (s *Store) ListSiblings(ctx context.Context, projectID int64) ([]*types.ProjectSiblingSuggestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, sibling_project_id, score, rationale, status,
			created_ts, updated_ts
		FROM project_sibling_suggestions
		WHERE project_id = ? ORDER BY score DESC, id ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing siblings: %w", err)
	}
	defer rows.Close()

	var out []*types.ProjectSiblingSuggestion
	for rows.Next() {
		var sug types.ProjectSiblingSuggestion
		var status, created, updated string
		if err := rows.Scan(&sug.ID, &sug.ProjectID, &sug.SiblingID, &sug.Score,
			&sug.Rationale, &status, &created, &updated); err != nil {
			return nil, fmt.Errorf("scanning sibling: %w", err)
		}
		sug.Status = types.SiblingStatus(status)
		if sug.CreatedTS, err = parseTime(created); err != nil {
			return nil, err
		}
		if sug.UpdatedTS, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, &sug)
	}
	return out, rows.Err()
}

func (s *Store) SetSiblingStatus(ctx context.Context, projectID, siblingID int64, status types.SiblingStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE project_sibling_suggestions SET status = ?, updated_ts = ?
		WHERE project_id = ? AND sibling_project_id = ?`,
		string(status), fmtTime(time.Now()), projectID, siblingID)
	if err != nil {
		return fmt.Errorf("setting sibling status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
