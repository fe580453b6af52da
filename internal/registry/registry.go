// Package registry holds the authoritative in-memory map of live
// connections and room membership. A single coarse mutex owns both
// structures so join/leave/remove are atomic with respect to each other:
// a connection is never observable as registered but not yet cleaned
// from its rooms, or the reverse.
package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/courtside/relay/internal/domain"
	"github.com/courtside/relay/internal/metrics"
)

// RoomEventKind distinguishes presence notifications.
type RoomEventKind int

const (
	RoomJoined RoomEventKind = iota
	RoomEmptied
)

// RoomEvent is a best-effort presence notification.
type RoomEvent struct {
	Kind         RoomEventKind
	Room         string
	ConnectionID uuid.UUID
}

// Registry is the single source of truth for "is this connection
// currently deliverable". It performs no I/O under its lock.
type Registry struct {
	mu            sync.RWMutex
	connections   map[uuid.UUID]*domain.Connection
	rooms         map[string]map[uuid.UUID]struct{}
	memberOf      map[uuid.UUID]map[string]struct{}
	listeners     []chan<- RoomEvent
	totalAccepted int64
}

func New() *Registry {
	return &Registry{
		connections: make(map[uuid.UUID]*domain.Connection),
		rooms:       make(map[string]map[uuid.UUID]struct{}),
		memberOf:    make(map[uuid.UUID]map[string]struct{}),
	}
}

// AddListener registers a channel for room events. Sends are non-blocking:
// a full listener misses events rather than stalling membership updates.
// The returned function unregisters the channel.
func (r *Registry) AddListener(ch chan<- RoomEvent) func() {
	r.mu.Lock()
	r.listeners = append(r.listeners, ch)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, l := range r.listeners {
			if l == ch {
				r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

// notify must be called with the lock held.
func (r *Registry) notify(ev RoomEvent) {
	for _, ch := range r.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Add records a connection after gatekeeper success.
func (r *Registry) Add(conn *domain.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[conn.ID] = conn
	r.memberOf[conn.ID] = make(map[string]struct{})
	r.totalAccepted++
	metrics.RegistryActiveConnections.Set(float64(len(r.connections)))
}

// Get returns the connection if it is still registered.
func (r *Registry) Get(id uuid.UUID) (*domain.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[id]
	return conn, ok
}

// Remove deactivates the connection, leaves every room it belonged to
// (emitting emptied events), and deletes it from the registry - all in
// one critical section. Returns the rooms the connection was in, or
// false if it was not registered. Safe to call concurrently with an
// in-flight broadcast: delivery to a mid-removal connection is a no-op.
func (r *Registry) Remove(id uuid.UUID) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return nil, false
	}
	conn.Deactivate()

	var left []string
	for room := range r.memberOf[id] {
		left = append(left, room)
		r.leaveLocked(id, room)
	}

	delete(r.memberOf, id)
	delete(r.connections, id)
	metrics.RegistryActiveConnections.Set(float64(len(r.connections)))
	return left, true
}

// Join adds the connection to a room and the room to the connection's
// set as one atomic update. The room is created on first join. Re-joining
// is idempotent: no duplicate membership, no duplicate notification.
func (r *Registry) Join(id uuid.UUID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[id]; !ok {
		return domain.ErrConnectionNotFound
	}

	if _, already := r.memberOf[id][room]; already {
		return nil
	}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[uuid.UUID]struct{})
		r.rooms[room] = members
		metrics.RegistryRooms.Set(float64(len(r.rooms)))
	}
	members[id] = struct{}{}
	r.memberOf[id][room] = struct{}{}

	r.notify(RoomEvent{Kind: RoomJoined, Room: room, ConnectionID: id})
	return nil
}

// Leave is the mirror of Join. An empty room is deleted and a
// room-emptied event emitted.
func (r *Registry) Leave(id uuid.UUID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.memberOf[id][room]; !ok {
		return
	}
	delete(r.memberOf[id], room)
	r.leaveLocked(id, room)
}

// leaveLocked removes id from the room-side map only; callers maintain
// the connection-side map. Must be called with the lock held.
func (r *Registry) leaveLocked(id uuid.UUID, room string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
		metrics.RegistryRooms.Set(float64(len(r.rooms)))
		r.notify(RoomEvent{Kind: RoomEmptied, Room: room, ConnectionID: id})
	}
}

// MembersOf returns the live connections currently subscribed to a room.
func (r *Registry) MembersOf(room string) []*domain.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	conns := make([]*domain.Connection, 0, len(members))
	for id := range members {
		if conn, ok := r.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// RoomsOf returns the rooms a connection currently belongs to.
func (r *Registry) RoomsOf(id uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.memberOf[id]))
	for room := range r.memberOf[id] {
		rooms = append(rooms, room)
	}
	return rooms
}

// ListRooms returns the names of all rooms with at least one member.
func (r *Registry) ListRooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		names = append(names, room)
	}
	return names
}

// All returns every registered connection.
func (r *Registry) All() []*domain.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*domain.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	return conns
}

// ActiveCount returns the number of registered connections.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// TotalAccepted returns the number of connections ever accepted.
func (r *Registry) TotalAccepted() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalAccepted
}
