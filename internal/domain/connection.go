package domain

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Sender is the write side of one client socket. Send must never block:
// it reports false when the client's buffer is full or the socket is gone.
// submittedAt carries the message's submission time to the writer so
// delivery latency covers queueing; a zero time means "do not measure".
type Sender interface {
	Send(messageType int, data []byte, submittedAt time.Time) bool
	Close(reason string)
}

// Connection represents one live client socket. Exactly one Connection
// exists per socket; the registry owns it, rooms hold only its ID.
type Connection struct {
	ID          uuid.UUID
	UserID      string
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time

	sender       Sender
	active       atomic.Bool
	lastActivity atomic.Int64 // unix nanos
}

// NewConnection creates an active connection owned by the registry.
func NewConnection(userID, remoteAddr, userAgent string, sender Sender, now time.Time) *Connection {
	c := &Connection{
		ID:          uuid.New(),
		UserID:      userID,
		RemoteAddr:  remoteAddr,
		UserAgent:   userAgent,
		ConnectedAt: now,
		sender:      sender,
	}
	c.active.Store(true)
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Active reports whether the connection is still deliverable.
// The fan-out checks this immediately before every write.
func (c *Connection) Active() bool {
	return c.active.Load()
}

// Deactivate marks the connection as torn down. Writes after this are no-ops.
func (c *Connection) Deactivate() {
	c.active.Store(false)
}

// Touch records client activity (heartbeat or inbound request).
func (c *Connection) Touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

// LastActivity returns the time of the most recent client activity.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Send writes to the client if the connection is still active.
// Returns false for inactive connections or full buffers.
func (c *Connection) Send(messageType int, data []byte, submittedAt time.Time) bool {
	if !c.Active() || c.sender == nil {
		return false
	}
	return c.sender.Send(messageType, data, submittedAt)
}

// CloseTransport closes the underlying socket with a reason. Idempotent.
func (c *Connection) CloseTransport(reason string) {
	if c.sender != nil {
		c.sender.Close(reason)
	}
}
