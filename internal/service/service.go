package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/courtside/relay/internal/dispatch"
	"github.com/courtside/relay/internal/domain"
	"github.com/courtside/relay/internal/fanout"
	"github.com/courtside/relay/internal/gate"
	"github.com/courtside/relay/internal/metrics"
	"github.com/courtside/relay/internal/platform/retry"
	"github.com/courtside/relay/internal/registry"
)

const (
	persistTimeout      = 5 * time.Second
	defaultReliableTTL  = 5 * time.Minute
	shutdownCloseReason = "server shutting down"
)

var persistPolicy = retry.Policy{
	MaxAttempts:    3,
	InitialBackoff: 200 * time.Millisecond,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Retrying connection record write", "attempt", attempt, "backoff", backoff, "error", err)
	},
}

// Backplane is the cross-process republication side of the service.
type Backplane interface {
	Publish(ctx context.Context, msg domain.Message) error
}

// BroadcastRequest carries one broadcast submission.
type BroadcastRequest struct {
	Event    string
	Payload  json.RawMessage
	Target   domain.Target
	Priority domain.Priority
	TTL      time.Duration
	Reliable bool
	Compress bool
}

// Service orchestrates the broadcast subsystem end to end.
type Service struct {
	gatekeeper *gate.Gatekeeper
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	fanout     *fanout.Fanout
	backplane  Backplane
	tracker    healthTracker
	connStore  domain.ConnectionStore
	reliable   domain.ReliableStore
	clock      clockwork.Clock
	instanceID string

	shuttingDown   atomic.Bool
	persistWg      sync.WaitGroup
	stopOnce       sync.Once
	roomEvents     chan registry.RoomEvent
	removeListener func()
	eventsDone     chan struct{}
}

type healthTracker interface {
	RecordMessage()
	Latest() domain.MetricsSnapshot
}

// Config wires the service's collaborators. Backplane may be nil when
// the process runs standalone.
type Config struct {
	Gatekeeper *gate.Gatekeeper
	Registry   *registry.Registry
	Fanout     *fanout.Fanout
	Backplane  Backplane
	Tracker    healthTracker
	ConnStore  domain.ConnectionStore
	Reliable   domain.ReliableStore
	Clock      clockwork.Clock
	InstanceID string

	TickInterval  time.Duration
	QueueCapacity int
}

// New creates the service and starts its dispatcher.
func New(cfg Config) *Service {
	s := &Service{
		gatekeeper: cfg.Gatekeeper,
		registry:   cfg.Registry,
		fanout:     cfg.Fanout,
		backplane:  cfg.Backplane,
		tracker:    cfg.Tracker,
		connStore:  cfg.ConnStore,
		reliable:   cfg.Reliable,
		clock:      cfg.Clock,
		instanceID: cfg.InstanceID,
		roomEvents: make(chan registry.RoomEvent, 64),
		eventsDone: make(chan struct{}),
	}
	s.dispatcher = dispatch.New(s, cfg.Clock, cfg.TickInterval, cfg.QueueCapacity)
	s.removeListener = s.registry.AddListener(s.roomEvents)
	go s.consumeRoomEvents()
	return s
}

// Deliver hands one dequeued message to the local fan-out and, for
// locally-originated messages, republishes it to the fleet.
func (s *Service) Deliver(msg domain.Message) error {
	if s.tracker != nil {
		s.tracker.RecordMessage()
	}
	err := s.fanout.Deliver(msg)

	// Publish off the dispatch goroutine: a slow Redis must never
	// stall local delivery.
	if s.backplane != nil && msg.Origin == s.instanceID {
		s.persistWg.Add(1)
		go func() {
			defer s.persistWg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if pubErr := s.backplane.Publish(ctx, msg); pubErr != nil {
				// Degraded mode: local delivery already happened.
				slog.Warn("Backplane publish failed, delivering locally only",
					"message_id", msg.ID.String(), "error", pubErr)
			}
		}()
	}
	return err
}

// Register admits one connection attempt and registers the resulting
// connection. The ack frame carrying the connection ID is the first
// thing the client receives.
func (s *Service) Register(ctx context.Context, attempt gate.Attempt, sender domain.Sender) (*domain.Connection, error) {
	if s.shuttingDown.Load() {
		return nil, domain.ErrShuttingDown
	}

	admission, err := s.gatekeeper.Authorize(ctx, attempt)
	if err != nil {
		return nil, err
	}

	conn := domain.NewConnection(admission.UserID, attempt.RemoteAddr, attempt.UserAgent, sender, s.clock.Now())
	s.registry.Add(conn)

	s.persistAsync("record_connection", func(ctx context.Context) error {
		return s.connStore.RecordConnection(ctx, domain.ConnectionRecord{
			ConnectionID: conn.ID,
			UserID:       conn.UserID,
			RemoteAddr:   conn.RemoteAddr,
			UserAgent:    conn.UserAgent,
			ConnectedAt:  conn.ConnectedAt,
		})
	})

	s.sendAck(conn)

	slog.Info("Connection registered",
		"connection_id", conn.ID.String(),
		"user_id", conn.UserID,
		"remote_addr", conn.RemoteAddr)
	return conn, nil
}

// NewWriter starts the write side for one accepted socket. The returned
// writer feeds delivery latency samples to the tracker as frames reach
// the wire.
func (s *Service) NewWriter(conn *websocket.Conn, onDead func()) *fanout.Writer {
	return s.fanout.NewWriter(conn, onDead)
}

func (s *Service) sendAck(conn *domain.Connection) {
	ack, err := json.Marshal(domain.Frame{
		Event:     "connection.ack",
		Data:      json.RawMessage(fmt.Sprintf(`{"connection_id":%q}`, conn.ID)),
		Timestamp: s.clock.Now().UnixMilli(),
	})
	if err != nil {
		slog.Error("Failed to marshal ack frame", "error", err)
		return
	}
	conn.Send(websocket.TextMessage, ack, time.Time{})
}

// Disconnect removes a connection from the registry and closes its
// transport. Idempotent.
func (s *Service) Disconnect(connectionID uuid.UUID, reason string) {
	conn, ok := s.registry.Get(connectionID)
	rooms, removed := s.registry.Remove(connectionID)
	if !removed {
		return
	}
	if ok {
		conn.CloseTransport(reason)
	}

	s.persistAsync("mark_inactive", func(ctx context.Context) error {
		return s.connStore.MarkInactive(ctx, connectionID)
	})

	slog.Info("Connection removed",
		"connection_id", connectionID.String(),
		"rooms_left", len(rooms),
		"reason", reason)
}

// Broadcast validates and enqueues one broadcast, returning its ID.
func (s *Service) Broadcast(req BroadcastRequest) (uuid.UUID, error) {
	if s.shuttingDown.Load() {
		return uuid.Nil, domain.ErrShuttingDown
	}
	if req.Event == "" {
		return uuid.Nil, errors.New("event name is required")
	}
	if req.Target.Kind == domain.TargetRoom && req.Target.Room == "" {
		return uuid.Nil, errors.New("room target requires a room name")
	}

	ttl := req.TTL
	if req.Reliable && ttl <= 0 {
		ttl = defaultReliableTTL
	}

	msg := domain.Message{
		ID:          uuid.New(),
		Event:       req.Event,
		Payload:     req.Payload,
		Target:      req.Target,
		Priority:    req.Priority,
		TTL:         ttl,
		Reliable:    req.Reliable,
		Compress:    req.Compress,
		Origin:      s.instanceID,
		SubmittedAt: s.clock.Now(),
	}
	s.dispatcher.Submit(msg)
	return msg.ID, nil
}

// SubmitRemote enqueues a message received from the backplane. Origin
// is preserved so Deliver never republishes it.
func (s *Service) SubmitRemote(msg domain.Message) {
	if s.shuttingDown.Load() {
		return
	}
	s.dispatcher.Submit(msg)
}

// Subscribe joins a connection to a room and replays the room's
// still-live reliable broadcasts to it.
func (s *Service) Subscribe(connectionID uuid.UUID, room string) error {
	if err := s.registry.Join(connectionID, room); err != nil {
		return err
	}
	s.replayReliable(connectionID, room)
	return nil
}

// Unsubscribe removes a connection from a room.
func (s *Service) Unsubscribe(connectionID uuid.UUID, room string) {
	s.registry.Leave(connectionID, room)
}

func (s *Service) replayReliable(connectionID uuid.UUID, room string) {
	s.persistWg.Add(1)
	go func() {
		defer s.persistWg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		msgs, err := s.reliable.Replay(ctx, room)
		if err != nil {
			metrics.PersistenceErrorsTotal.WithLabelValues("replay").Inc()
			slog.Error("Reliable replay failed", "room", room, "error", err)
			return
		}

		for _, msg := range msgs {
			// Redirect to the joining connection only; everyone else
			// already received the original delivery.
			msg.Target = domain.Conn(connectionID)
			msg.Reliable = false
			// A replayed message is as old as the room's backlog;
			// sampling it would distort delivery latency.
			msg.SubmittedAt = time.Time{}
			if err := s.fanout.Deliver(msg); err != nil {
				slog.Warn("Reliable replay delivery failed",
					"connection_id", connectionID.String(), "room", room, "error", err)
				return
			}
		}
	}()
}

// Metrics returns the latest delivery health snapshot.
func (s *Service) Metrics() domain.MetricsSnapshot {
	return s.tracker.Latest()
}

// ActiveConnections returns the current registered connection count.
func (s *Service) ActiveConnections() int {
	return s.registry.ActiveCount()
}

// Rooms returns all rooms with at least one member.
func (s *Service) Rooms() []string {
	return s.registry.ListRooms()
}

// RoomMembers returns the connection IDs currently in a room.
func (s *Service) RoomMembers(room string) []uuid.UUID {
	members := s.registry.MembersOf(room)
	ids := make([]uuid.UUID, len(members))
	for i, conn := range members {
		ids[i] = conn.ID
	}
	return ids
}

func (s *Service) persistAsync(op string, fn func(ctx context.Context) error) {
	s.persistWg.Add(1)
	go func() {
		defer s.persistWg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		err := retry.DoVoid(ctx, persistPolicy, func(err error) retry.Action {
			if ctx.Err() != nil {
				return retry.Stop
			}
			return retry.Retry
		}, func() error { return fn(ctx) })
		if err != nil {
			metrics.PersistenceErrorsTotal.WithLabelValues(op).Inc()
			slog.Error("Connection persistence failed", "operation", op, "error", err)
		}
	}()
}

func (s *Service) consumeRoomEvents() {
	defer close(s.eventsDone)
	for ev := range s.roomEvents {
		switch ev.Kind {
		case registry.RoomJoined:
			slog.Debug("Room joined", "room", ev.Room, "connection_id", ev.ConnectionID.String())
		case registry.RoomEmptied:
			slog.Info("Room emptied", "room", ev.Room)
		}
	}
}

// Shutdown refuses new work, closes every connection, and waits for
// in-flight persistence up to the context deadline.
func (s *Service) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.shuttingDown.Store(true)
		s.dispatcher.Stop()

		for _, conn := range s.registry.All() {
			s.Disconnect(conn.ID, shutdownCloseReason)
		}

		s.removeListener()
		close(s.roomEvents)
		<-s.eventsDone

		done := make(chan struct{})
		go func() {
			s.persistWg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("Shutdown deadline reached before persistence drained")
		}

		slog.Info("Broadcast service stopped")
	})
}
