package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/agenttask/internal/common/config"
	"github.com/kandev/agenttask/internal/db/dialect"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode, this enables concurrent reads while serializing
// writes through a single connection. The writer pool uses MaxOpenConns(1) to
// avoid SQLITE_BUSY on write contention, while the reader pool allows multiple
// concurrent connections for SELECT queries.
//
// For PostgreSQL, both Writer and Reader return the same *sqlx.DB since pgx
// handles connection pooling internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Open opens the pool described by the database configuration. dataDir is
// used to place the SQLite file when no explicit path is configured.
func Open(cfg config.DatabaseConfig, dataDir string) (*Pool, error) {
	switch cfg.Driver {
	case "postgres":
		raw, err := OpenPostgres(cfg)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(raw, dialect.PGX)
		return NewPool(shared, shared), nil
	case "sqlite", "":
		path := cfg.SQLitePath(dataDir)
		writer, err := OpenSQLite(path, cfg.BusyTimeoutMs)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(path, cfg.BusyTimeoutMs)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3)), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries. For SQLite
// this opens multiple read-only connections that can operate concurrently
// with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
