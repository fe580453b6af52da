// Package metrics declares the prometheus instruments for every component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gatekeeper Metrics
var (
	// GateConnectionsTotal tracks connection admission attempts by result
	GateConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_connections_total",
			Help: "Total connection admission attempts by result (accepted/auth_error/rate_limited)",
		},
		[]string{"result"},
	)

	// GateRateLimitStoreErrors tracks rate-limit counter store failures (fail-open)
	GateRateLimitStoreErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gate_rate_limit_store_errors_total",
			Help: "Total rate-limit counter store failures (admission fails open)",
		},
	)

	// GateVerifyDuration tracks identity verifier round-trip duration
	GateVerifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gate_verify_duration_seconds",
			Help:    "Identity verifier round-trip duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
)

// Registry Metrics
var (
	// RegistryActiveConnections tracks current registered connections
	RegistryActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_active_connections",
			Help: "Current number of registered connections",
		},
	)

	// RegistryRooms tracks current rooms with at least one member
	RegistryRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_rooms",
			Help: "Current number of rooms with at least one member",
		},
	)
)

// Dispatcher Metrics
var (
	// DispatchQueueDepth tracks queued messages per priority
	DispatchQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Current queued messages by priority",
		},
		[]string{"priority"},
	)

	// DispatchDroppedTotal tracks messages dropped by the overflow policy
	DispatchDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_dropped_total",
			Help: "Messages dropped by the bounded-queue overflow policy, by priority",
		},
		[]string{"priority"},
	)

	// DispatchTickDuration tracks drain tick duration
	DispatchTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_tick_duration_seconds",
			Help:    "Drain tick duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05},
		},
	)

	// DispatchDeliveryErrors tracks isolated per-message delivery failures
	DispatchDeliveryErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_delivery_errors_total",
			Help: "Per-message delivery failures (isolated, batch continues)",
		},
	)

	// DispatchPanicsTotal tracks dispatcher panic recoveries
	DispatchPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_panics_total",
			Help: "Total dispatcher panic recoveries",
		},
	)
)

// Fan-out Metrics
var (
	// FanoutDeliveredTotal tracks delivered messages by priority
	FanoutDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_delivered_total",
			Help: "Messages delivered to clients by priority",
		},
		[]string{"priority"},
	)

	// FanoutSkippedStale tracks writes skipped because the target went away
	FanoutSkippedStale = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_skipped_stale_total",
			Help: "Writes skipped because the target connection was mid-removal",
		},
	)

	// FanoutSlowClientsEvicted tracks slow clients evicted due to full buffers
	FanoutSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_slow_clients_evicted_total",
			Help: "Slow clients evicted because their send buffer stayed full",
		},
	)

	// FanoutCompressedTotal tracks payloads compressed before send
	FanoutCompressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_compressed_total",
			Help: "Payloads gzip-compressed before send",
		},
	)

	// FanoutSendDuration tracks socket write duration
	FanoutSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fanout_send_duration_seconds",
			Help:    "Socket write duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// WebSocketPingFailures tracks keepalive ping failures
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total WebSocket ping failures (client not responding)",
		},
	)

	// WebSocketIdleDisconnects tracks disconnects due to idle timeout
	WebSocketIdleDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_idle_disconnects_total",
			Help: "Total WebSocket connections closed due to idle timeout",
		},
	)
)

// Backplane Metrics
var (
	// BackplanePublishedTotal tracks messages republished to the backplane
	BackplanePublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backplane_published_total",
			Help: "Messages republished to the backplane",
		},
	)

	// BackplaneReceivedTotal tracks foreign-origin messages received
	BackplaneReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backplane_received_total",
			Help: "Foreign-origin messages received from the backplane",
		},
	)

	// BackplanePublishErrors tracks failed publishes (degraded mode)
	BackplanePublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backplane_publish_errors_total",
			Help: "Failed backplane publishes (local delivery unaffected)",
		},
	)

	// BackplaneReconnectionsTotal tracks subscriber reconnection attempts
	BackplaneReconnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backplane_reconnections_total",
			Help: "Backplane subscriber reconnection attempts after disconnect",
		},
	)

	// BackplaneActive tracks whether the backplane subscription is live
	BackplaneActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "backplane_active",
			Help: "1 if the backplane subscription is active, 0 if degraded",
		},
	)

	// BackplaneCircuitState tracks the publish circuit breaker state (0=closed, 1=half-open, 2=open)
	BackplaneCircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "backplane_circuit_state",
			Help: "Backplane publish circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)

// Latency Tracker Metrics
var (
	// LatencyP95 mirrors the tracker's p95 over the retained window
	LatencyP95 = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "delivery_latency_p95_ms",
			Help: "p95 delivery latency over the retained sample window, in milliseconds",
		},
	)

	// LatencyP99 mirrors the tracker's p99 over the retained window
	LatencyP99 = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "delivery_latency_p99_ms",
			Help: "p99 delivery latency over the retained sample window, in milliseconds",
		},
	)

	// LatencyAvg mirrors the tracker's average over the retained window
	LatencyAvg = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "delivery_latency_avg_ms",
			Help: "Average delivery latency over the retained sample window, in milliseconds",
		},
	)

	// MessagesPerSecond mirrors the tracker's rolling 1-second throughput
	MessagesPerSecond = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messages_per_second",
			Help: "Messages delivered in the last rolling second",
		},
	)
)

// Persistence Metrics
var (
	// PersistenceErrorsTotal tracks fire-and-forget store failures by operation
	PersistenceErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistence_errors_total",
			Help: "External store failures by operation (logged and retried, never surfaced)",
		},
		[]string{"operation"},
	)
)

// Database Metrics
var (
	// DBQueryDuration tracks query duration by query type
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds by query type",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"query"},
	)

	// DBErrorsTotal tracks query errors by query type
	DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_errors_total",
			Help: "Database query errors by query type",
		},
		[]string{"query"},
	)
)

// Server Metrics
var (
	// ServerConnectionsRejected tracks local admission rejections by reason
	ServerConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "server_connections_rejected_total",
			Help: "Connections rejected by local limits (rate_limit/per_ip_limit/global_limit)",
		},
		[]string{"reason"},
	)

	// ServerConnectionCapacity tracks connection capacity utilization
	ServerConnectionCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "server_connection_capacity_percent",
			Help: "Current connection capacity utilization (0-100%)",
		},
	)
)
