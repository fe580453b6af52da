package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrAuthentication       = errors.New("authentication failed")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrBackplaneUnavailable = errors.New("backplane unavailable")
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrShuttingDown         = errors.New("service shutting down")
)

// DeliveryError reports a single target's failed write. It never aborts
// the batch it occurred in.
type DeliveryError struct {
	ConnectionID uuid.UUID
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.ConnectionID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// PersistenceError reports a failed fire-and-forget write to the external
// store. Logged and retried, never surfaced to the broadcaster.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
