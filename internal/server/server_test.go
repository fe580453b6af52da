package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtside/relay/internal/domain"
	"github.com/courtside/relay/internal/fanout"
	"github.com/courtside/relay/internal/gate"
	"github.com/courtside/relay/internal/identity"
	"github.com/courtside/relay/internal/latency"
	"github.com/courtside/relay/internal/platform/config"
	"github.com/courtside/relay/internal/registry"
	"github.com/courtside/relay/internal/service"
)

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (m *memCounter) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int64)
	}
	m.counts[key]++
	return m.counts[key], nil
}

type nopConnStore struct{}

func (nopConnStore) RecordConnection(context.Context, domain.ConnectionRecord) error { return nil }
func (nopConnStore) MarkInactive(context.Context, uuid.UUID) error                  { return nil }

type nopReliable struct{}

func (nopReliable) Persist(context.Context, domain.Message, time.Duration) error { return nil }
func (nopReliable) Replay(context.Context, string) ([]domain.Message, error)     { return nil, nil }

type testServer struct {
	srv  *Server
	http *httptest.Server
	svc  *service.Service
}

func newTestServer(t *testing.T, checks map[string]HealthChecker) *testServer {
	t.Helper()

	clock := clockwork.NewRealClock()
	reg := registry.New()
	tracker := latency.NewTracker(128, reg, clock)
	fo := fanout.New(reg, tracker, nopReliable{}, clock, fanout.DefaultCompressThreshold, nil)
	gk := gate.New(identity.InsecureVerifier{}, &memCounter{}, clock, 100, time.Minute)

	svc := service.New(service.Config{
		Gatekeeper:   gk,
		Registry:     reg,
		Fanout:       fo,
		Tracker:      tracker,
		ConnStore:    nopConnStore{},
		Reliable:     nopReliable{},
		Clock:        clock,
		InstanceID:   "node-test",
		TickInterval: time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	cfg := &config.Config{Port: "0"}
	limits := NewConnectionLimits(100, 50, 1000, 1000)
	srv := NewServer(cfg, svc, limits, clock, checks)

	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, http: ts, svc: svc}
}

func (ts *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) domain.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var frame domain.Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	return resp, decoded
}

func TestWebSocketConnectAndAck(t *testing.T) {
	ts := newTestServer(t, nil)

	ws := ts.dial(t, "alice")
	frame := readFrame(t, ws)
	assert.Equal(t, "connection.ack", frame.Event)
	assert.Equal(t, 1, ts.svc.ActiveConnections())
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	ts := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "upgrade succeeds, close frame carries the rejection")
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestSubscribeAndBroadcastEndToEnd(t *testing.T) {
	ts := newTestServer(t, nil)

	wsA := ts.dial(t, "alice")
	wsB := ts.dial(t, "bob")
	readFrame(t, wsA)
	readFrame(t, wsB)

	require.NoError(t, wsA.WriteJSON(map[string]string{"action": "subscribe", "room": "game:42"}))
	require.Eventually(t, func() bool {
		return len(ts.svc.RoomMembers("game:42")) == 1
	}, time.Second, 5*time.Millisecond)

	resp, body := postJSON(t, ts.http.URL+"/api/broadcast",
		`{"event":"score.update","payload":{"home":3},"room":"game:42","priority":"high"}`)
	require.Equal(t, 202, resp.StatusCode)
	assert.NotEmpty(t, body["message_id"])

	frame := readFrame(t, wsA)
	assert.Equal(t, "score.update", frame.Event)
	assert.JSONEq(t, `{"home":3}`, string(frame.Data))

	// B never joined the room.
	require.NoError(t, wsB.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := wsB.ReadMessage()
	assert.Error(t, err, "non-member must not receive the room broadcast")
}

func TestBroadcastValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := postJSON(t, ts.http.URL+"/api/broadcast", `{"payload":{}}`)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Contains(t, body["error"], "event")

	resp, _ = postJSON(t, ts.http.URL+"/api/broadcast",
		`{"event":"x","room":"a","connection_id":"`+uuid.NewString()+`"}`)
	assert.Equal(t, 400, resp.StatusCode)

	resp, _ = postJSON(t, ts.http.URL+"/api/broadcast", `{"event":"x","connection_id":"not-a-uuid"}`)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestRoomsAndStatsEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	ws := ts.dial(t, "alice")
	readFrame(t, ws)
	require.NoError(t, ws.WriteJSON(map[string]string{"action": "subscribe", "room": "game:42"}))
	require.Eventually(t, func() bool {
		return len(ts.svc.RoomMembers("game:42")) == 1
	}, time.Second, 5*time.Millisecond)

	resp, body := getJSON(t, ts.http.URL+"/api/rooms")
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []any{"game:42"}, body["rooms"])

	resp, body = getJSON(t, ts.http.URL+"/api/rooms/game:42")
	require.Equal(t, 200, resp.StatusCode)
	assert.Len(t, body["members"], 1)

	resp, body = getJSON(t, ts.http.URL+"/api/stats")
	require.Equal(t, 200, resp.StatusCode)
	assert.EqualValues(t, 1, body["active_connections"])
}

func TestLivenessAlwaysOK(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := getJSON(t, ts.http.URL+"/health/live")
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestReadinessReportsFailedCheck(t *testing.T) {
	ts := newTestServer(t, map[string]HealthChecker{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})

	resp, body := getJSON(t, ts.http.URL+"/health/ready")
	require.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "redis", body["failed_check"])
}

func TestReadinessOKWithPassingChecks(t *testing.T) {
	ts := newTestServer(t, map[string]HealthChecker{
		"redis": func(context.Context) error { return nil },
	})

	resp, body := getJSON(t, ts.http.URL+"/health/ready")
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "registry_active_connections")
}
