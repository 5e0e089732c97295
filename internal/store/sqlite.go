// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema and applies column migrations

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY between the poller and dispatch.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id               TEXT PRIMARY KEY,
			name                   TEXT NOT NULL UNIQUE,
			dm_policy              TEXT NOT NULL DEFAULT 'pairing',
			allowed_user_ids       TEXT NOT NULL DEFAULT '[]',
			group_requires_mention INTEGER NOT NULL DEFAULT 1,
			active                 INTEGER NOT NULL DEFAULT 1,
			created_at             TEXT NOT NULL,

			CHECK (dm_policy IN ('pairing', 'allowlist', 'open', 'disabled'))
		);

		CREATE TABLE IF NOT EXISTS bindings (
			binding_id TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			bot_id     TEXT,
			channel    TEXT NOT NULL,
			account_id TEXT,
			peer       TEXT,
			priority   INTEGER NOT NULL DEFAULT 100,
			active     INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			FOREIGN KEY (agent_id) REFERENCES agents(agent_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_bindings_channel_active ON bindings(channel, active);
		CREATE INDEX IF NOT EXISTS idx_bindings_agent ON bindings(agent_id);

		CREATE TABLE IF NOT EXISTS paired_devices (
			pairing_id     TEXT PRIMARY KEY,
			device_id      TEXT NOT NULL UNIQUE,
			channel        TEXT NOT NULL,
			account_id     TEXT,
			peer           TEXT,
			paired_user_id INTEGER,
			active         INTEGER NOT NULL DEFAULT 1,
			created_at     TEXT NOT NULL,
			revoked_at     TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_paired_devices_channel ON paired_devices(channel, active);

		CREATE TABLE IF NOT EXISTS plugins (
			plugin_id   TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			active      INTEGER NOT NULL DEFAULT 1,
			created_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS providers (
			provider_id TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			type        TEXT NOT NULL,
			config_json TEXT NOT NULL DEFAULT '{}',
			active      INTEGER NOT NULL DEFAULT 1,
			created_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tasks (
			task_id       TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL,
			plugin_id     TEXT NOT NULL,
			provider_id   TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'pending',
			input_json    TEXT NOT NULL DEFAULT '{}',
			output_json   TEXT NOT NULL DEFAULT '{}',
			error_message TEXT,
			created_at    TEXT NOT NULL,
			started_at    TEXT,
			finished_at   TEXT,
			FOREIGN KEY (plugin_id) REFERENCES plugins(plugin_id),
			FOREIGN KEY (provider_id) REFERENCES providers(provider_id),

			CHECK (status IN ('pending', 'in_progress', 'success', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);
		CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at DESC);

		CREATE TABLE IF NOT EXISTS documents (
			document_id  TEXT PRIMARY KEY,
			filename     TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'text/plain',
			content      TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'pending',
			error        TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (status IN ('pending', 'indexing', 'indexed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_documents_status_created ON documents(status, created_at);

		CREATE TABLE IF NOT EXISTS idempotency_records (
			key           TEXT PRIMARY KEY,
			actor_id      TEXT NOT NULL,
			method        TEXT NOT NULL,
			request_hash  TEXT NOT NULL,
			status        TEXT NOT NULL,
			response_json TEXT,
			created_at    TEXT NOT NULL,
			expires_at    TEXT NOT NULL,

			CHECK (status IN ('in_progress', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "documents",
			column: "chunk_count",
			apply:  `ALTER TABLE documents ADD COLUMN chunk_count INTEGER NOT NULL DEFAULT 0`,
		},
		{
			table:  "paired_devices",
			column: "meta_json",
			apply:  `ALTER TABLE paired_devices ADD COLUMN meta_json TEXT NOT NULL DEFAULT '{}'`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// nullTime converts an optional time to a value for a nullable TEXT column.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseNullTime converts a nullable TEXT column back to an optional time.
func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString converts an optional string to a value for a nullable column.
func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeJSONMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSONMap(s string) (map[string]any, error) {
	out := map[string]any{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
