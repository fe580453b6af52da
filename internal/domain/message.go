package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority orders message dispatch. Critical preempts everything else.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// ParsePriority maps the wire names to a Priority. Unknown names fall
// back to normal rather than failing the broadcast.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// TargetKind selects how a message target resolves to connections.
type TargetKind int

const (
	TargetAll TargetKind = iota
	TargetRoom
	TargetConnection
)

// Target addresses a broadcast: everyone, one room, or one connection.
type Target struct {
	Kind         TargetKind
	Room         string
	ConnectionID uuid.UUID
}

func All() Target              { return Target{Kind: TargetAll} }
func Room(name string) Target  { return Target{Kind: TargetRoom, Room: name} }
func Conn(id uuid.UUID) Target { return Target{Kind: TargetConnection, ConnectionID: id} }

// Message is one unit of work for the dispatcher. It is never mutated
// after creation; queues own it until dispatch, then it is passed by value.
type Message struct {
	ID          uuid.UUID
	Event       string
	Payload     json.RawMessage
	Target      Target
	Priority    Priority
	TTL         time.Duration
	Reliable    bool
	Compress    bool
	Origin      string // instance ID that first accepted the broadcast
	SubmittedAt time.Time
}

// Frame is the event envelope delivered to clients.
type Frame struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// MetricsSnapshot is a point-in-time read-only view of delivery health.
type MetricsSnapshot struct {
	TotalConnections  int64   `json:"total_connections"`
	ActiveConnections int     `json:"active_connections"`
	MessagesPerSecond int64   `json:"messages_per_second"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	P95LatencyMs      float64 `json:"p95_latency_ms"`
	P99LatencyMs      float64 `json:"p99_latency_ms"`
	Samples           int     `json:"samples"`
}
