package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// IdentityVerifier resolves a bearer credential to a user ID.
// May involve a network round trip; implementations must be idempotent.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// RateLimitCounter is an atomic check-and-increment against a shared
// sliding-window counter. Returns the attempt count within the window
// after recording this attempt.
type RateLimitCounter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// ConnectionRecord is what the external store keeps per connection.
type ConnectionRecord struct {
	ConnectionID uuid.UUID
	UserID       string
	RemoteAddr   string
	UserAgent    string
	ConnectedAt  time.Time
}

// ConnectionStore persists connection lifecycle records. All operations
// are fire-and-forget from the core's perspective: failures are logged
// and retried, never propagated to the connection path.
type ConnectionStore interface {
	RecordConnection(ctx context.Context, rec ConnectionRecord) error
	MarkInactive(ctx context.Context, connectionID uuid.UUID) error
}

// ReliableStore persists reliable broadcasts with a TTL so reconnecting
// clients can request replay.
type ReliableStore interface {
	Persist(ctx context.Context, msg Message, ttl time.Duration) error
	Replay(ctx context.Context, room string) ([]Message, error)
}

// MetricsSink accepts periodic named numeric samples.
type MetricsSink interface {
	Report(ctx context.Context, samples map[string]float64) error
}
