// Package store persists workspace config entries and maps workspaces
// to their on-disk session directories.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kandev/agenttask/internal/common/logger"
	"github.com/kandev/agenttask/internal/db"
	"github.com/kandev/agenttask/internal/db/dialect"
	"github.com/kandev/agenttask/internal/workspace"
)

// Store is the transactional workspace config store.
type Store struct {
	db      *sqlx.DB // writer
	ro      *sqlx.DB // reader
	dataDir string
	logger  *logger.Logger

	// editMu serializes read-modify-write edits; the single SQLite
	// writer connection serializes statements but not whole edits, and
	// Postgres would otherwise allow lost updates.
	editMu sync.Mutex
}

// New creates the store on an open pool and initializes the schema.
func New(pool *db.Pool, dataDir string, log *logger.Logger) (*Store, error) {
	s := &Store{
		db:      pool.Writer(),
		ro:      pool.Reader(),
		dataDir: dataDir,
		logger:  log,
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize workspace schema: %w", err)
	}
	return s, nil
}

// GenerateStableID returns a new workspace/task id.
func (s *Store) GenerateStableID() string {
	return uuid.New().String()
}

// SessionDir returns the session directory of a workspace under the
// engine data dir. The directory is not created here.
func (s *Store) SessionDir(workspaceID string) string {
	return filepath.Join(s.dataDir, "sessions", workspaceID)
}

// LoadConfigOrDefault loads all workspace entries; an empty table yields
// an empty config.
func (s *Store) LoadConfigOrDefault(ctx context.Context) (*workspace.Config, error) {
	return loadConfig(ctx, s.ro)
}

// EditConfig runs mutate against a fresh config snapshot inside a
// transaction, then persists the difference: changed or added entries
// are upserted, removed entries deleted. Returns the committed config.
func (s *Store) EditConfig(ctx context.Context, mutate func(cfg *workspace.Config) error) (*workspace.Config, error) {
	s.editMu.Lock()
	defer s.editMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin config edit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	before, err := loadConfig(ctx, tx)
	if err != nil {
		return nil, err
	}

	after := before.Clone()
	if err := mutate(after); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for id, ws := range after.Workspaces {
		prev, existed := before.Workspaces[id]
		if existed && sameEntry(prev, ws) {
			continue
		}
		if err := upsertWorkspace(ctx, tx, ws, now); err != nil {
			return nil, err
		}
	}
	for id := range before.Workspaces {
		if _, kept := after.Workspaces[id]; kept {
			continue
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM workspaces WHERE id = ?`), id); err != nil {
			return nil, fmt.Errorf("failed to delete workspace %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit config edit: %w", err)
	}
	return after, nil
}

// UpdateWorkspace applies a mutation to a single entry. Fails when the
// workspace does not exist.
func (s *Store) UpdateWorkspace(ctx context.Context, id string, mutate func(ws *workspace.Workspace) error) error {
	_, err := s.EditConfig(ctx, func(cfg *workspace.Config) error {
		ws, ok := cfg.Workspace(id)
		if !ok {
			return fmt.Errorf("workspace not found: %s", id)
		}
		return mutate(ws)
	})
	return err
}

// RemoveWorkspace deletes a single entry. Removing a missing workspace
// is not an error.
func (s *Store) RemoveWorkspace(ctx context.Context, id string) error {
	_, err := s.EditConfig(ctx, func(cfg *workspace.Config) error {
		cfg.Delete(id)
		return nil
	})
	return err
}

// loadConfig reads every workspace row into a Config.
func loadConfig(ctx context.Context, q sqlx.QueryerContext) (*workspace.Config, error) {
	rows, err := q.QueryxContext(ctx, `SELECT id, config FROM workspaces`)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace config: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cfg := workspace.NewConfig()
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var ws workspace.Workspace
		if err := json.Unmarshal([]byte(raw), &ws); err != nil {
			return nil, fmt.Errorf("corrupt workspace entry %s: %w", id, err)
		}
		ws.ID = id
		cfg.Workspaces[id] = &ws
	}
	return cfg, rows.Err()
}

func upsertWorkspace(ctx context.Context, tx *sqlx.Tx, ws *workspace.Workspace, now time.Time) error {
	raw, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("failed to encode workspace %s: %w", ws.ID, err)
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO workspaces (id, name, is_task, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			is_task = excluded.is_task,
			config = excluded.config,
			updated_at = excluded.updated_at
	`), ws.ID, ws.Name, dialect.BoolToInt(ws.IsTask()), string(raw), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert workspace %s: %w", ws.ID, err)
	}
	return nil
}

// sameEntry compares two entries by their serialized form.
func sameEntry(a, b *workspace.Workspace) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ra) == string(rb)
}
