package server

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/courtside/relay/internal/domain"
	"github.com/courtside/relay/internal/service"
)

type broadcastRequest struct {
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload"`
	Room         string          `json:"room"`
	ConnectionID string          `json:"connection_id"`
	Priority     string          `json:"priority"`
	TTLMs        int64           `json:"ttl_ms"`
	Reliable     bool            `json:"reliable"`
	Compress     bool            `json:"compress"`
}

func (s *Server) handleBroadcast(c echo.Context) error {
	var req broadcastRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "invalid request body"})
	}

	target := domain.All()
	switch {
	case req.Room != "" && req.ConnectionID != "":
		return c.JSON(400, map[string]string{"error": "room and connection_id are mutually exclusive"})
	case req.Room != "":
		target = domain.Room(req.Room)
	case req.ConnectionID != "":
		id, err := uuid.Parse(req.ConnectionID)
		if err != nil {
			return c.JSON(400, map[string]string{"error": "invalid connection_id"})
		}
		target = domain.Conn(id)
	}

	id, err := s.svc.Broadcast(service.BroadcastRequest{
		Event:    req.Event,
		Payload:  req.Payload,
		Target:   target,
		Priority: domain.ParsePriority(req.Priority),
		TTL:      time.Duration(req.TTLMs) * time.Millisecond,
		Reliable: req.Reliable,
		Compress: req.Compress,
	})
	if err != nil {
		if errors.Is(err, domain.ErrShuttingDown) {
			return c.JSON(503, map[string]string{"error": "shutting down"})
		}
		return c.JSON(400, map[string]string{"error": err.Error()})
	}

	return c.JSON(202, map[string]string{"message_id": id.String()})
}

func (s *Server) handleRooms(c echo.Context) error {
	rooms := s.svc.Rooms()
	if rooms == nil {
		rooms = []string{}
	}
	return c.JSON(200, map[string]any{"rooms": rooms})
}

func (s *Server) handleRoomMembers(c echo.Context) error {
	room := c.Param("room")
	members := s.svc.RoomMembers(room)
	ids := make([]string, len(members))
	for i, id := range members {
		ids[i] = id.String()
	}
	return c.JSON(200, map[string]any{"room": room, "members": ids})
}

func (s *Server) handleStats(c echo.Context) error {
	snapshot := s.svc.Metrics()
	return c.JSON(200, map[string]any{
		"delivery":           snapshot,
		"active_connections": s.svc.ActiveConnections(),
		"rooms":              len(s.svc.Rooms()),
		"capacity_pct":       s.limits.Global().CapacityPct(),
	})
}
