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

const reservationColumns = `r.id, r.project_id, r.agent_id, a.name,
	r.path_pattern, r.exclusive, r.reason, r.created_ts, r.expires_ts, r.released_ts`

const reservationFrom = ` FROM file_reservations r JOIN agents a ON a.id = r.agent_id `

func (s *Store) CreateReservation(ctx context.Context, r *types.FileReservation) error {
	if r.CreatedTS.IsZero() {
		r.CreatedTS = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO file_reservations (project_id, agent_id, path_pattern,
			exclusive, reason, created_ts, expires_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ProjectID, r.AgentID, r.PathPattern, boolToInt(r.Exclusive),
		r.Reason, fmtTime(r.CreatedTS), fmtTime(r.ExpiresTS))
	if err != nil {
		return fmt.Errorf("inserting reservation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading reservation id: %w", err)
	}
	r.ID = id
	return nil
}

func scanReservation(row rowScanner) (*types.FileReservation, error) {
	var r types.FileReservation
	var exclusive int
	var created, expires string
	var released sql.NullString
	err := row.Scan(&r.ID, &r.ProjectID, &r.AgentID, &r.AgentName,
		&r.PathPattern, &exclusive, &r.Reason, &created, &expires, &released)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning reservation: %w", err)
	}
	r.Exclusive = exclusive != 0
	if r.CreatedTS, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.ExpiresTS, err = parseTime(expires); err != nil {
		return nil, err
	}
	if r.ReleasedTS, err = parseTimePtr(released); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) ReservationByID(ctx context.Context, projectID, id int64) (*types.FileReservation, error) {
	return scanReservation(s.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+reservationFrom+`WHERE r.project_id = ? AND r.id = ?`,
		projectID, id))
}

func (s *Store) ActiveReservations(ctx context.Context, projectID int64) ([]*types.FileReservation, error) {
	return s.queryReservations(ctx,
		`SELECT `+reservationColumns+reservationFrom+`
		WHERE r.project_id = ? AND r.released_ts IS NULL
		ORDER BY r.created_ts ASC, r.id ASC`, projectID)
}

func (s *Store) AllReservations(ctx context.Context, projectID int64) ([]*types.FileReservation, error) {
	return s.queryReservations(ctx,
		`SELECT `+reservationColumns+reservationFrom+`
		WHERE r.project_id = ?
		ORDER BY r.created_ts ASC, r.id ASC`, projectID)
}

func (s *Store) ActiveReservationsByAgent(ctx context.Context, projectID, agentID int64) ([]*types.FileReservation, error) {
	return s.queryReservations(ctx,
		`SELECT `+reservationColumns+reservationFrom+`
		WHERE r.project_id = ? AND r.agent_id = ? AND r.released_ts IS NULL
		ORDER BY r.created_ts ASC, r.id ASC`, projectID, agentID)
}

func (s *Store) queryReservations(ctx context.Context, query string, args ...any) ([]*types.FileReservation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reservations: %w", err)
	}
	defer rows.Close()

	var out []*types.FileReservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SweepExpiredReservations bulk-releases overdue rows: any unreleased
// reservation whose expiry is at or before now gets released_ts = now.
// Callers run this before listings and conflict checks so expiry is
// visible without a background job.
func (s *Store) SweepExpiredReservations(ctx context.Context, projectID int64, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE file_reservations SET released_ts = ?
		WHERE project_id = ? AND released_ts IS NULL AND expires_ts <= ?`,
		fmtTime(now), projectID, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("sweeping expired reservations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting swept reservations: %w", err)
	}
	return n, nil
}

func (s *Store) ReleaseReservation(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE file_reservations SET released_ts = ?
		WHERE id = ? AND released_ts IS NULL`, fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("releasing reservation %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateReservationExpiry(ctx context.Context, id int64, expires time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE file_reservations SET expires_ts = ?
		WHERE id = ? AND released_ts IS NULL`, fmtTime(expires), id)
	if err != nil {
		return fmt.Errorf("renewing reservation %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
