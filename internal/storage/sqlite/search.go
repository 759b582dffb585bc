package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/harborline/mailroom/internal/storage"
	"github.com/harborline/mailroom/internal/types"
)

// SearchMessages runs an FTS5 query over subject and body, scoped to the
// project and ordered by ascending bm25 rank (best match first).
func (s *Store) SearchMessages(ctx context.Context, projectID int64, query string, limit int) ([]*storage.SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`, bm25(fts_messages) AS rank
		FROM fts_messages f
		JOIN messages m ON m.id = f.message_id
		JOIN agents a ON a.id = m.sender_id
		WHERE m.project_id = ? AND fts_messages MATCH ?
		ORDER BY rank ASC
		LIMIT ?`, projectID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	defer rows.Close()

	var out []*storage.SearchResult
	for rows.Next() {
		var m types.Message
		var threadID sql.NullString
		var importance, attachments, created string
		var ack int
		var rank float64
		err := rows.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.SenderName, &threadID,
			&m.Subject, &m.BodyMD, &importance, &ack, &attachments, &created, &rank)
		if err != nil {
			return nil, fmt.Errorf("scanning search hit: %w", err)
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
		out = append(out, &storage.SearchResult{Message: m, Rank: rank})
	}
	return out, rows.Err()
}
