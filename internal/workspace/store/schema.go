package store

import "github.com/kandev/agenttask/internal/db/dialect"

// initSchema creates the workspaces table if it doesn't exist.
func (s *Store) initSchema() error {
	ddl := `
		CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			is_task INTEGER NOT NULL DEFAULT 0,
			config TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`
	if dialect.IsPostgres(s.db.DriverName()) {
		ddl = `
		CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			is_task INTEGER NOT NULL DEFAULT 0,
			config TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`
	}
	if _, err := s.db.Exec(ddl); err != nil {
		return err
	}
	return s.ensureIndexes()
}

// ensureIndexes creates lookup indexes used by stats and debugging.
func (s *Store) ensureIndexes() error {
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_workspaces_is_task ON workspaces(is_task)`); err != nil {
		return err
	}
	return nil
}
