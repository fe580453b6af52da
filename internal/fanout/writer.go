package fanout

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/courtside/relay/internal/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	idleTimeout       = 5 * time.Minute
	messageBufferSize = 64
)

type outbound struct {
	messageType int
	data        []byte
	submittedAt time.Time
}

// Writer owns the write side of one WebSocket connection. All writes go
// through its goroutine, so the gorilla connection is never written
// concurrently. Send is non-blocking; a persistently full buffer marks
// the client as slow and the fan-out evicts it.
type Writer struct {
	conn         *websocket.Conn
	clock        clockwork.Clock
	sendChannel  chan outbound
	doneChannel  chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	lastActivity time.Time
	activityMu   sync.Mutex

	onDead func()

	// onLatency receives one submission-to-write-completion sample per
	// frame that actually reached the socket. Buffer dwell time counts.
	onLatency func(d time.Duration)
}

// NewWriter starts the write goroutine for conn. onDead is invoked once
// when the writer exits on its own (write failure, ping failure, idle
// timeout) so the owner can clean up registry state.
func NewWriter(conn *websocket.Conn, clock clockwork.Clock, onDead func()) *Writer {
	w := &Writer{
		conn:         conn,
		clock:        clock,
		sendChannel:  make(chan outbound, messageBufferSize),
		doneChannel:  make(chan struct{}),
		lastActivity: clock.Now(),
		onDead:       onDead,
	}
	w.configurePongHandler()
	w.wg.Add(1)
	go w.run()
	return w
}

// Send queues data for the client. Never blocks; returns false when the
// buffer is full or the writer has stopped. submittedAt is when the
// message entered the subsystem; the zero value skips latency recording.
func (w *Writer) Send(messageType int, data []byte, submittedAt time.Time) bool {
	select {
	case <-w.doneChannel:
		return false
	default:
	}
	select {
	case w.sendChannel <- outbound{messageType: messageType, data: data, submittedAt: submittedAt}:
		return true
	default:
		return false
	}
}

func (w *Writer) run() {
	ticker := w.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer w.wg.Done()

	signalDead := func() {
		if w.onDead != nil {
			go w.onDead()
		}
	}

	for {
		select {
		case out := <-w.sendChannel:
			start := w.clock.Now()
			w.updateWriteDeadline()
			if err := w.conn.WriteMessage(out.messageType, out.data); err != nil {
				signalDead()
				return
			}
			metrics.FanoutSendDuration.Observe(w.clock.Since(start).Seconds())
			if w.onLatency != nil && !out.submittedAt.IsZero() {
				w.onLatency(w.clock.Since(out.submittedAt))
			}
		case <-ticker.Chan():
			if w.idle() {
				metrics.WebSocketIdleDisconnects.Inc()
				signalDead()
				return
			}
			w.updateWriteDeadline()
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				signalDead()
				return
			}
		case <-w.doneChannel:
			return
		}
	}
}

// Close stops the writer, sends a close frame with the reason, and
// closes the socket. Idempotent.
func (w *Writer) Close(reason string) {
	w.stopOnce.Do(func() {
		close(w.doneChannel)
		// The run goroutine must exit before the close frame is written;
		// gorilla connections do not allow concurrent writers.
		w.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		w.updateWriteDeadline()
		_ = w.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = w.conn.Close()
	})
}

func (w *Writer) configurePongHandler() {
	w.updateReadDeadline()
	w.conn.SetPongHandler(func(string) error {
		w.updateReadDeadline()
		w.RecordActivity()
		return nil
	})
}

// RecordActivity marks the client as alive; heartbeats and inbound
// requests both count.
func (w *Writer) RecordActivity() {
	w.activityMu.Lock()
	defer w.activityMu.Unlock()
	w.lastActivity = w.clock.Now()
}

func (w *Writer) idle() bool {
	w.activityMu.Lock()
	defer w.activityMu.Unlock()
	return w.clock.Since(w.lastActivity) >= idleTimeout
}

func (w *Writer) updateWriteDeadline() {
	_ = w.conn.SetWriteDeadline(w.clock.Now().Add(writeDeadline))
}

func (w *Writer) updateReadDeadline() {
	_ = w.conn.SetReadDeadline(w.clock.Now().Add(pongDeadline))
}
