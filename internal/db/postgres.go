package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kandev/agenttask/internal/common/config"
)

const (
	// Pool defaults when database.maxConns / database.minConns are unset.
	// 25 open connections keeps well under the stock Postgres limit of 100
	// while leaving room for other clients of the same database.
	defaultPostgresMaxConns = 25
	defaultPostgresMinConns = 5

	// Recycle connections periodically so pool members do not outlive
	// server-side restarts or load-balancer failovers indefinitely.
	postgresConnMaxLifetime = time.Hour
)

// OpenPostgres opens a PostgreSQL connection pool through the pgx stdlib
// driver, sized from the database configuration.
func OpenPostgres(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	maxConns, minConns := postgresPoolSize(cfg.MaxConns, cfg.MinConns)
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxLifetime(postgresConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}

// postgresPoolSize resolves configured pool limits to usable values:
// non-positive values fall back to defaults, and the idle floor never
// exceeds the open ceiling.
func postgresPoolSize(maxConns, minConns int) (int, int) {
	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	if minConns <= 0 {
		minConns = defaultPostgresMinConns
	}
	if minConns > maxConns {
		minConns = maxConns
	}
	return maxConns, minConns
}
