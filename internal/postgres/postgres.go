// Package postgres persists connection lifecycle records for audit and
// capacity analysis. The live delivery path never reads from here; every
// write is fire-and-forget from the core's perspective.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx pool against databaseURL and verifies it.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Connection pool settings for production use
	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.ConnConfig.Tracer = &MetricsTracer{}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations applies the schema. Safe to run on every startup.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS connections (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			remote_addr TEXT NOT NULL,
			user_agent TEXT NOT NULL DEFAULT '',
			connected_at TIMESTAMPTZ NOT NULL,
			disconnected_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_user_id ON connections(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_connected_at ON connections(connected_at)`,
	}

	for _, migration := range migrations {
		if _, err := pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	slog.Info("Database migrations completed")
	return nil
}
