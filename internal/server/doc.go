// Package server implements the HTTP surface using the Echo framework.
//
// Routes: /ws (client sockets), /api (broadcast submission and
// introspection), /health and /metrics (observability). WebSocket
// handling lives in handlers_ws.go, the JSON API in handlers_api.go.
package server
