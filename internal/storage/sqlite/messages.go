package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harborline/mailroom/internal/storage"
	"github.com/harborline/mailroom/internal/types"
)

const messageColumns = `m.id, m.project_id, m.sender_id, a.name, m.thread_id,
	m.subject, m.body_md, m.importance, m.ack_required, m.attachments, m.created_ts`

const messageFrom = ` FROM messages m JOIN agents a ON a.id = m.sender_id `

// InsertMessage writes the message row, its recipient rows, and the
// sender's last-active bump in one transaction. The message never
// half-commits: any failure rolls back all three writes.
func (s *Store) InsertMessage(ctx context.Context, msg *types.Message, recipients []storage.RecipientRef) error {
	if msg.CreatedTS.IsZero() {
		msg.CreatedTS = time.Now().UTC()
	}
	if msg.Importance == "" {
		msg.Importance = types.ImportanceNormal
	}
	attachments := []byte("[]")
	if len(msg.Attachments) > 0 {
		var err error
		if attachments, err = json.Marshal(msg.Attachments); err != nil {
			return fmt.Errorf("encoding attachments: %w", err)
		}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var threadID any
		if msg.ThreadID != "" {
			threadID = msg.ThreadID
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (project_id, sender_id, thread_id, subject,
				body_md, importance, ack_required, attachments, created_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ProjectID, msg.SenderID, threadID, msg.Subject, msg.BodyMD,
			string(msg.Importance), boolToInt(msg.AckRequired),
			string(attachments), fmtTime(msg.CreatedTS))
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading message id: %w", err)
		}
		msg.ID = id
		for _, r := range recipients {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO message_recipients (message_id, agent_id, kind)
				VALUES (?, ?, ?)`, id, r.AgentID, string(r.Kind)); err != nil {
				return fmt.Errorf("inserting recipient %d: %w", r.AgentID, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET last_active_ts = ? WHERE id = ?`,
			fmtTime(msg.CreatedTS), msg.SenderID); err != nil {
			return fmt.Errorf("bumping sender activity: %w", err)
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var m types.Message
	var threadID sql.NullString
	var importance, attachments, created string
	var ack int
	err := row.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.SenderName, &threadID,
		&m.Subject, &m.BodyMD, &importance, &ack, &attachments, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	m.ThreadID = threadID.String
	m.Importance = types.Importance(importance)
	m.AckRequired = ack != 0
	if attachments != "" && attachments != "[]" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decoding attachments: %w", err)
		}
	}
	if m.CreatedTS, err = parseTime(created); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) MessageByID(ctx context.Context, projectID, messageID int64) (*types.Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+messageFrom+`WHERE m.project_id = ? AND m.id = ?`,
		projectID, messageID))
}

func (s *Store) ListInbox(ctx context.Context, projectID, agentID int64, f storage.InboxFilter) ([]*storage.InboxItem, error) {
	query := `SELECT ` + messageColumns + `, r.kind, r.read_ts, r.ack_ts` +
		messageFrom + `JOIN message_recipients r ON r.message_id = m.id
		WHERE m.project_id = ? AND r.agent_id = ?`
	args := []any{projectID, agentID}
	if f.UrgentOnly {
		query += ` AND m.importance IN ('high', 'urgent')`
	}
	if f.UnreadOnly {
		query += ` AND r.read_ts IS NULL`
	}
	if f.SinceTS != nil {
		// Strictly newer than the cursor, so pagination never repeats
		// the row the caller already has.
		query += ` AND m.created_ts > ?`
		args = append(args, fmtTime(*f.SinceTS))
	}
	query += ` ORDER BY m.created_ts DESC, m.id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing inbox: %w", err)
	}
	defer rows.Close()

	var out []*storage.InboxItem
	for rows.Next() {
		var m types.Message
		var threadID, readTS, ackTS sql.NullString
		var importance, attachments, created, kind string
		var ack int
		err := rows.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.SenderName, &threadID,
			&m.Subject, &m.BodyMD, &importance, &ack, &attachments, &created,
			&kind, &readTS, &ackTS)
		if err != nil {
			return nil, fmt.Errorf("scanning inbox row: %w", err)
		}
		m.ThreadID = threadID.String
		m.Importance = types.Importance(importance)
		m.AckRequired = ack != 0
		if attachments != "" && attachments != "[]" {
			if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
				return nil, fmt.Errorf("decoding attachments: %w", err)
			}
		}
		if m.CreatedTS, err = parseTime(created); err != nil {
			return nil, err
		}
		item := &storage.InboxItem{Message: m, Kind: types.RecipientKind(kind)}
		if item.ReadTS, err = parseTimePtr(readTS); err != nil {
			return nil, err
		}
		if item.AckTS, err = parseTimePtr(ackTS); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) ListOutbox(ctx context.Context, projectID, agentID int64, limit int) ([]*types.Message, error) {
	query := `SELECT ` + messageColumns + messageFrom +
		`WHERE m.project_id = ? AND m.sender_id = ? ORDER BY m.created_ts DESC, m.id DESC`
	args := []any{projectID, agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryMessages(ctx, query, args...)
}

// ThreadMessages returns the thread in chronological order. The thread
// root (a message whose own id is the thread key) is included.
func (s *Store) ThreadMessages(ctx context.Context, projectID int64, threadKey string, limit int) ([]*types.Message, error) {
	query := `SELECT ` + messageColumns + messageFrom + `
		WHERE m.project_id = ?
		  AND (m.thread_id = ? OR CAST(m.id AS TEXT) = ?)
		ORDER BY m.created_ts ASC, m.id ASC`
	args := []any{projectID, threadKey, threadKey}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryMessages(ctx, query, args...)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MessageRecipients(ctx context.Context, messageID int64) ([]*types.MessageRecipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, agent_id, kind, read_ts, ack_ts
		FROM message_recipients WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("listing recipients: %w", err)
	}
	defer rows.Close()

	var out []*types.MessageRecipient
	for rows.Next() {
		var r types.MessageRecipient
		var kind string
		var readTS, ackTS sql.NullString
		if err := rows.Scan(&r.MessageID, &r.AgentID, &kind, &readTS, &ackTS); err != nil {
			return nil, fmt.Errorf("scanning recipient: %w", err)
		}
		r.Kind = types.RecipientKind(kind)
		if r.ReadTS, err = parseTimePtr(readTS); err != nil {
			return nil, err
		}
		if r.AckTS, err = parseTimePtr(ackTS); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// MarkTimestamp stamps read_ts or ack_ts for one recipient. The first call
// sets the value; later calls leave it untouched and return the original.
// Acking a message also stamps read_ts when it is still unset.
func (s *Store) MarkTimestamp(ctx context.Context, messageID, agentID int64, field storage.TimestampField, at time.Time) (time.Time, bool, error) {
	var stamped time.Time
	var first bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var readTS, ackTS sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT read_ts, ack_ts FROM message_recipients
			WHERE message_id = ? AND agent_id = ?`, messageID, agentID).
			Scan(&readTS, &ackTS)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading recipient state: %w", err)
		}

		current := readTS
		if field == storage.FieldAck {
			current = ackTS
		}
		if current.Valid && current.String != "" {
			prior, err := parseTime(current.String)
			if err != nil {
				return err
			}
			stamped, first = prior, false
			return nil
		}

		stamped, first = at.UTC(), true
		if field == storage.FieldAck {
			if readTS.Valid && readTS.String != "" {
				_, err = tx.ExecContext(ctx, `
					UPDATE message_recipients SET ack_ts = ?
					WHERE message_id = ? AND agent_id = ?`,
					fmtTime(stamped), messageID, agentID)
			} else {
				_, err = tx.ExecContext(ctx, `
					UPDATE message_recipients SET ack_ts = ?, read_ts = ?
					WHERE message_id = ? AND agent_id = ?`,
					fmtTime(stamped), fmtTime(stamped), messageID, agentID)
			}
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE message_recipients SET read_ts = ?
				WHERE message_id = ? AND agent_id = ?`,
				fmtTime(stamped), messageID, agentID)
		}
		if err != nil {
			return fmt.Errorf("stamping %s: %w", field, err)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, false, err
	}
	return stamped, first, nil
}

// AckPending lists messages addressed to the agent that require an ack,
// have none yet, and were created at or before olderThan.
func (s *Store) AckPending(ctx context.Context, projectID, agentID int64, olderThan time.Time, limit int) ([]*storage.InboxItem, error) {
	query := `SELECT ` + messageColumns + `, r.kind, r.read_ts, r.ack_ts` +
		messageFrom + `JOIN message_recipients r ON r.message_id = m.id
		WHERE m.project_id = ? AND r.agent_id = ?
		  AND m.ack_required = 1 AND r.ack_ts IS NULL
		  AND m.created_ts <= ?
		ORDER BY m.created_ts ASC`
	args := []any{projectID, agentID, fmtTime(olderThan)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending acks: %w", err)
	}
	defer rows.Close()

	var out []*storage.InboxItem
	for rows.Next() {
		var m types.Message
		var threadID, readTS, ackTS sql.NullString
		var importance, attachments, created, kind string
		var ack int
		err := rows.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.SenderName, &threadID,
			&m.Subject, &m.BodyMD, &importance, &ack, &attachments, &created,
			&kind, &readTS, &ackTS)
		if err != nil {
			return nil, fmt.Errorf("scanning pending ack: %w", err)
		}
		m.ThreadID = threadID.String
		m.Importance = types.Importance(importance)
		m.AckRequired = ack != 0
		if m.CreatedTS, err = parseTime(created); err != nil {
			return nil, err
		}
		item := &storage.InboxItem{Message: m, Kind: types.RecipientKind(kind)}
		if item.ReadTS, err = parseTimePtr(readTS); err != nil {
			return nil, err
		}
		if item.AckTS, err = parseTimePtr(ackTS); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// RecentContactBetween reports whether either agent delivered a message to
// the other since the given time.
func (s *Store) RecentContactBetween(ctx context.Context, aAgentID, bAgentID int64, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		JOIN message_recipients r ON r.message_id = m.id
		WHERE m.created_ts >= ?
		  AND ((m.sender_id = ? AND r.agent_id = ?)
		    OR (m.sender_id = ? AND r.agent_id = ?))`,
		fmtTime(since), aAgentID, bAgentID, bAgentID, aAgentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking recent contact: %w", err)
	}
	return n > 0, nil
}

// ThreadParticipant reports whether the agent sent or received any message
// in the thread.
func (s *Store) ThreadParticipant(ctx context.Context, projectID int64, threadKey string, agentID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		LEFT JOIN message_recipients r ON r.message_id = m.id AND r.agent_id = ?
		WHERE m.project_id = ?
		  AND (m.thread_id = ? OR CAST(m.id AS TEXT) = ?)
		  AND (m.sender_id = ? OR r.agent_id IS NOT NULL)`,
		agentID, projectID, threadKey, threadKey, agentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking thread participation: %w", err)
	}
	return n > 0, nil
}
