package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/version", s.handleVersion)

	// Client sockets
	s.echo.GET("/ws", s.handleWebSocket)

	// Broadcast submission and introspection
	s.echo.POST("/api/broadcast", s.handleBroadcast)
	s.echo.GET("/api/rooms", s.handleRooms)
	s.echo.GET("/api/rooms/:room", s.handleRoomMembers)
	s.echo.GET("/api/stats", s.handleStats)
}
