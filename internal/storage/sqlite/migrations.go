// Package sqlite - database migrations
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a single database migration. Migrations must be
// idempotent: they run on every startup and skip work already done.
type Migration struct {
	Name string
	Func func(context.Context, *sql.DB) error
}

// migrationsList is the ordered list of all migrations, run in order
// during database initialization.
var migrationsList = []Migration{
	{"fts_messages", migrateFTSMessages},
	{"fts_message_triggers", migrateFTSMessageTriggers},
}

// MigrationInfo contains metadata about a migration for inspection.
type MigrationInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ListMigrations returns all registered migrations with descriptions.
func ListMigrations() []MigrationInfo {
	result := make([]MigrationInfo, len(migrationsList))
	for i, m := range migrationsList {
		result[i] = MigrationInfo{Name: m.Name, Description: getMigrationDescription(m.Name)}
	}
	return result
}

func getMigrationDescription(name string) string {
	descriptions := map[string]string{
		"fts_messages":         "Adds fts_messages FTS5 virtual table indexing subject and body",
		"fts_message_triggers": "Adds insert/delete/update triggers keeping fts_messages in sync",
	}
	if desc, ok := descriptions[name]; ok {
		return desc
	}
	return "Unknown migration"
}

// RunMigrations executes all registered migrations in order. An EXCLUSIVE
// transaction serializes migrations across processes opening the database
// simultaneously; applied migrations are recorded in schema_migrations.
func (s *Store) RunMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("failed to acquire exclusive lock for migrations: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = s.db.ExecContext(ctx, "ROLLBACK")
		}
	}()

	for _, migration := range migrationsList {
		var done int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, migration.Name).Scan(&done)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", migration.Name, err)
		}
		if done > 0 {
			continue
		}
		if err := migration.Func(ctx, s.db); err != nil {
			return fmt.Errorf("migration %s failed: %w", migration.Name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (name, applied_ts) VALUES (?, ?)`,
			migration.Name, fmtTime(time.Now())); err != nil {
			return fmt.Errorf("recording migration %s: %w", migration.Name, err)
		}
	}

	if _, err := s.db.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	committed = true
	return nil
}

func migrateFTSMessages(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE VIRTUAL TABLE IF NOT EXISTS fts_messages USING fts5(
			message_id UNINDEXED,
			subject,
			body
		)`)
	return err
}

func migrateFTSMessageTriggers(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
			INSERT INTO fts_messages(message_id, subject, body)
			VALUES (new.id, new.subject, new.body_md);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
			DELETE FROM fts_messages WHERE message_id = old.id;
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
			DELETE FROM fts_messages WHERE message_id = old.id;
			INSERT INTO fts_messages(message_id, subject, body)
			VALUES (new.id, new.subject, new.body_md);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
