package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/courtside/relay/internal/domain"
	"github.com/courtside/relay/internal/gate"
	"github.com/courtside/relay/internal/metrics"
)

const maxInboundMessageSize = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // browser clients connect from arbitrary origins
	},
}

// clientCommand is the inbound frame a client may send on its socket.
type clientCommand struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	allowed, reason := s.limits.Acquire(ip)
	if !allowed {
		metrics.ServerConnectionsRejected.WithLabelValues(string(reason)).Inc()
		slog.Warn("Connection rejected by local limits", "ip", ip, "reason", reason)
		if reason == LimitReasonRate {
			return c.String(429, "connection rate exceeded")
		}
		return c.String(503, "connection capacity exceeded")
	}
	defer func() {
		s.limits.Release(ip)
		metrics.ServerConnectionCapacity.Set(s.limits.Global().CapacityPct())
	}()
	metrics.ServerConnectionCapacity.Set(s.limits.Global().CapacityPct())

	credential := bearerCredential(c)

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "ip", ip, "error", err)
		return nil
	}

	// The writer starts before registration; its dead-peer callback
	// must see the connection ID once it exists.
	var connID atomic.Pointer[uuid.UUID]
	writer := s.svc.NewWriter(ws, func() {
		if id := connID.Load(); id != nil {
			s.svc.Disconnect(*id, "keepalive failed")
		}
	})

	conn, err := s.svc.Register(c.Request().Context(), gate.Attempt{
		Credential: credential,
		RemoteAddr: ip,
		UserAgent:  c.Request().UserAgent(),
	}, writer)
	if err != nil {
		closeRejected(ws, err)
		writer.Close(rejectReason(err))
		return nil
	}
	connID.Store(&conn.ID)

	// Read pump: blocks until the client goes away.
	ws.SetReadLimit(maxInboundMessageSize)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		conn.Touch(s.clock.Now())
		writer.RecordActivity()
		s.handleClientCommand(conn, data)
	}

	s.svc.Disconnect(conn.ID, "client disconnected")
	return nil
}

func (s *Server) handleClientCommand(conn *domain.Connection, data []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		slog.Debug("Ignoring malformed client frame", "connection_id", conn.ID.String())
		return
	}

	switch cmd.Action {
	case "subscribe":
		if cmd.Room == "" {
			return
		}
		if err := s.svc.Subscribe(conn.ID, cmd.Room); err != nil {
			slog.Warn("Subscribe failed", "connection_id", conn.ID.String(), "room", cmd.Room, "error", err)
		}
	case "unsubscribe":
		if cmd.Room == "" {
			return
		}
		s.svc.Unsubscribe(conn.ID, cmd.Room)
	case "heartbeat":
		// Touch already happened in the read pump.
	default:
		slog.Debug("Unknown client action", "action", cmd.Action)
	}
}

// bearerCredential reads the credential from the Authorization header or
// the token query parameter. Browsers cannot set headers on WebSocket
// dials, so the query parameter is the common path.
func bearerCredential(c echo.Context) string {
	if auth := c.Request().Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.QueryParam("token")
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return "rate limited"
	case errors.Is(err, domain.ErrAuthentication):
		return "authentication failed"
	case errors.Is(err, domain.ErrShuttingDown):
		return "server shutting down"
	default:
		return "connection rejected"
	}
}

func closeRejected(ws *websocket.Conn, err error) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, rejectReason(err))
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
