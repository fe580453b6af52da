// Package fanout delivers resolved messages to local connections and
// reports per-send latency to the latency tracker.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/courtside/relay/internal/domain"
	"github.com/courtside/relay/internal/metrics"
)

const persistTimeout = 5 * time.Second

var errSendBufferFull = errors.New("send buffer full")

// resolver is the slice of the registry the fan-out needs.
type resolver interface {
	All() []*domain.Connection
	MembersOf(room string) []*domain.Connection
	Get(id uuid.UUID) (*domain.Connection, bool)
}

// latencyRecorder receives one sample per frame written to a socket.
type latencyRecorder interface {
	Record(d time.Duration)
}

// Fanout resolves a message target to live connections and writes the
// encoded frame to each of them.
type Fanout struct {
	registry          resolver
	tracker           latencyRecorder
	reliable          domain.ReliableStore
	clock             clockwork.Clock
	compressThreshold int

	// onSlowClient is called (on its own goroutine) when a connection's
	// send buffer stays full; the owner evicts it.
	onSlowClient func(id uuid.UUID)
}

func New(registry resolver, tracker latencyRecorder, reliable domain.ReliableStore, clock clockwork.Clock, compressThreshold int, onSlowClient func(id uuid.UUID)) *Fanout {
	if compressThreshold <= 0 {
		compressThreshold = DefaultCompressThreshold
	}
	return &Fanout{
		registry:          registry,
		tracker:           tracker,
		reliable:          reliable,
		clock:             clock,
		compressThreshold: compressThreshold,
		onSlowClient:      onSlowClient,
	}
}

// NewWriter starts the write side for one accepted socket, wired to the
// fan-out's clock and latency tracker. Samples are recorded when the
// frame leaves the writer, not when it enters the send buffer.
func (f *Fanout) NewWriter(conn *websocket.Conn, onDead func()) *Writer {
	w := NewWriter(conn, f.clock, onDead)
	w.onLatency = f.tracker.Record
	return w
}

// Deliver resolves the target, re-verifies liveness per connection
// immediately before writing, and skips stale targets silently.
func (f *Fanout) Deliver(msg domain.Message) error {
	frame := domain.Frame{
		Event:     msg.Event,
		Data:      msg.Payload,
		Timestamp: f.clock.Now().UnixMilli(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	messageType := websocket.TextMessage
	if msg.Compress && len(data) > f.compressThreshold {
		compressed, err := compressFrame(data)
		if err != nil {
			slog.Warn("Frame compression failed, sending uncompressed", "event", msg.Event, "error", err)
		} else {
			data = compressed
			messageType = websocket.BinaryMessage
			metrics.FanoutCompressedTotal.Inc()
		}
	}

	if msg.Reliable && f.reliable != nil {
		// Fire-and-forget: persistence must never block delivery to
		// currently-connected clients.
		go f.persistReliable(msg)
	}

	for _, conn := range f.resolve(msg.Target) {
		if !conn.Active() {
			metrics.FanoutSkippedStale.Inc()
			continue
		}
		if !conn.Send(messageType, data, msg.SubmittedAt) {
			if conn.Active() && f.onSlowClient != nil {
				metrics.FanoutSlowClientsEvicted.Inc()
				slog.Warn("Evicting slow client", "user_id", conn.UserID,
					"error", &domain.DeliveryError{ConnectionID: conn.ID, Err: errSendBufferFull})
				go f.onSlowClient(conn.ID)
			}
			continue
		}
		metrics.FanoutDeliveredTotal.WithLabelValues(msg.Priority.String()).Inc()
	}

	return nil
}

func (f *Fanout) resolve(target domain.Target) []*domain.Connection {
	switch target.Kind {
	case domain.TargetRoom:
		return f.registry.MembersOf(target.Room)
	case domain.TargetConnection:
		conn, ok := f.registry.Get(target.ConnectionID)
		if !ok {
			return nil
		}
		return []*domain.Connection{conn}
	default:
		return f.registry.All()
	}
}

func (f *Fanout) persistReliable(msg domain.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := f.reliable.Persist(ctx, msg, msg.TTL); err != nil {
		metrics.PersistenceErrorsTotal.WithLabelValues("persist_reliable").Inc()
		slog.Error("Reliable message persist failed",
			"event", msg.Event, "error", &domain.PersistenceError{Op: "persist_reliable", Err: err})
	}
}
