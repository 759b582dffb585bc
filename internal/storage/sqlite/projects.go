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

func (s *Store) CreateProject(ctx context.Context, slug, humanKey string) (*types.Project, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (slug, human_key, created_ts) VALUES (?, ?, ?)`,
		slug, humanKey, fmtTime(now))
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, fmt.Errorf("project slug %q already exists: %w", slug, err)
		}
		return nil, fmt.Errorf("inserting project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading project id: %w", err)
	}
	return &types.Project{ID: id, Slug: slug, HumanKey: humanKey, CreatedTS: now}, nil
}

func (s *Store) ProjectBySlug(ctx context.Context, slug string) (*types.Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx,
		`SELECT id, slug, human_key, created_ts FROM projects WHERE slug = ?`, slug))
}

func (s *Store) ProjectByID(ctx context.Context, id int64) (*types.Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx,
		`SELECT id, slug, human_key, created_ts FROM projects WHERE id = ?`, id))
}

func (s *Store) scanProject(row *sql.Row) (*types.Project, error) {
	var p types.Project
	var created string
	if err := row.Scan(&p.ID, &p.Slug, &p.HumanKey, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning project: %w", err)
	}
	t, err := parseTime(created)
	if err != nil {
		return nil, err
	}
	p.CreatedTS = t
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, slug, human_key, created_ts FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	var out []*types.Project
	for rows.Next() {
		var p types.Project
		var created string
		if err := rows.Scan(&p.ID, &p.Slug, &p.HumanKey, &created); err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		t, err := parseTime(created)
		if err != nil {
			return nil, err
		}
		p.CreatedTS = t
		out = append(out, &p)
	}
	return out, rows.Err()
}
