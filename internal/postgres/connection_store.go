package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courtside/relay/internal/domain"
)

// ConnectionStore records connection lifecycles in Postgres.
type ConnectionStore struct {
	pool *pgxpool.Pool
}

func NewConnectionStore(pool *pgxpool.Pool) *ConnectionStore {
	return &ConnectionStore{pool: pool}
}

// RecordConnection inserts one accepted connection. Re-recording the
// same connection ID refreshes the row rather than failing, so retries
// after transient errors stay safe.
func (s *ConnectionStore) RecordConnection(ctx context.Context, rec domain.ConnectionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connections (id, user_id, remote_addr, user_agent, connected_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			remote_addr = EXCLUDED.remote_addr,
			user_agent = EXCLUDED.user_agent,
			connected_at = EXCLUDED.connected_at,
			disconnected_at = NULL
	`, rec.ConnectionID, rec.UserID, rec.RemoteAddr, rec.UserAgent, rec.ConnectedAt)
	if err != nil {
		return fmt.Errorf("failed to record connection: %w", err)
	}
	return nil
}

// MarkInactive stamps the disconnect time. Unknown IDs are a no-op: the
// record may never have landed if the insert failed.
func (s *ConnectionStore) MarkInactive(ctx context.Context, connectionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connections
		SET disconnected_at = NOW()
		WHERE id = $1 AND disconnected_at IS NULL
	`, connectionID)
	if err != nil {
		return fmt.Errorf("failed to mark connection inactive: %w", err)
	}
	return nil
}

// NoopConnectionStore stands in when no database is configured.
type NoopConnectionStore struct{}

func (NoopConnectionStore) RecordConnection(context.Context, domain.ConnectionRecord) error {
	return nil
}

func (NoopConnectionStore) MarkInactive(context.Context, uuid.UUID) error {
	return nil
}
