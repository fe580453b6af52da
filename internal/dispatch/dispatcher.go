// Package dispatch implements the four-queue priority dispatcher.
//
// Messages are queued FIFO per priority and drained highest-priority-first
// on a fixed tick. Critical messages bypass the queues entirely and are
// dispatched synchronously on submission.
package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/courtside/relay/internal/domain"
	"github.com/courtside/relay/internal/metrics"
)

const (
	DefaultTickInterval = 10 * time.Millisecond
	DefaultCapacity     = 8192 // total queued messages across all priorities
)

// batchCaps bounds per-tick work per priority so a burst in one tier
// cannot starve the others indefinitely.
var batchCaps = [4]int{
	domain.PriorityCritical: 100,
	domain.PriorityHigh:     100,
	domain.PriorityNormal:   50,
	domain.PriorityLow:      50,
}

// Deliverer receives dispatched messages. Implementations handle local
// fan-out and backplane propagation.
type Deliverer interface {
	Deliver(msg domain.Message) error
}

// Dispatcher owns the four bounded FIFO queues and the drain loop.
type Dispatcher struct {
	mu     sync.Mutex
	queues [4][]domain.Message

	deliverer    Deliverer
	clock        clockwork.Clock
	tickInterval time.Duration
	capacity     int

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func New(deliverer Deliverer, clock clockwork.Clock, tickInterval time.Duration, capacity int) *Dispatcher {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	d := &Dispatcher{
		deliverer:    deliverer,
		clock:        clock,
		tickInterval: tickInterval,
		capacity:     capacity,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	go d.run()
	return d
}

// Submit enqueues a message for the next drain tick. Critical messages
// are dispatched immediately and synchronously; the accepted tradeoff is
// potential reordering relative to same-tick lower-priority traffic.
func (d *Dispatcher) Submit(msg domain.Message) {
	if msg.Priority == domain.PriorityCritical {
		d.dispatch(msg)
		return
	}

	d.mu.Lock()
	p := msg.Priority
	if d.totalLocked() >= d.capacity && !d.evictLocked(p) {
		// Everything queued outranks the incoming message; it is the
		// lowest-priority work in the system, so it is what gets dropped.
		d.mu.Unlock()
		metrics.DispatchDroppedTotal.WithLabelValues(p.String()).Inc()
		slog.Warn("Queue overflow, dropped incoming message",
			"priority", p.String(), "event", msg.Event)
		return
	}
	d.queues[p] = append(d.queues[p], msg)
	metrics.DispatchQueueDepth.WithLabelValues(p.String()).Set(float64(len(d.queues[p])))
	d.mu.Unlock()
}

func (d *Dispatcher) totalLocked() int {
	total := 0
	for p := range d.queues {
		total += len(d.queues[p])
	}
	return total
}

// evictLocked frees one slot by dropping the oldest message from the
// lowest-priority non-empty queue at or below the incoming priority.
// Returns false when only higher-priority work is queued.
func (d *Dispatcher) evictLocked(incoming domain.Priority) bool {
	for p := domain.PriorityLow; p >= incoming; p-- {
		if len(d.queues[p]) == 0 {
			continue
		}
		dropped := d.queues[p][0]
		d.queues[p] = d.queues[p][1:]

		metrics.DispatchDroppedTotal.WithLabelValues(dropped.Priority.String()).Inc()
		metrics.DispatchQueueDepth.WithLabelValues(p.String()).Set(float64(len(d.queues[p])))
		slog.Warn("Queue overflow, dropped oldest low-priority message",
			"dropped_priority", dropped.Priority.String(),
			"dropped_event", dropped.Event,
			"incoming_priority", incoming.String(),
		)
		return true
	}
	return false
}

func (d *Dispatcher) run() {
	ticker := d.clock.NewTicker(d.tickInterval)
	defer ticker.Stop()
	defer close(d.done)

	for {
		select {
		case <-ticker.Chan():
			d.drainTick()
		case <-d.stopCh:
			d.discardQueued()
			return
		}
	}
}

// drainTick drains the queues strictly in priority order, each capped at
// its batch size. Failures are isolated per message; the tick and the
// loop always continue.
func (d *Dispatcher) drainTick() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher tick panic recovered", "panic", r)
			metrics.DispatchPanicsTotal.Inc()
		}
	}()

	start := d.clock.Now()

	var batch []domain.Message
	d.mu.Lock()
	for p := domain.PriorityCritical; p <= domain.PriorityLow; p++ {
		n := batchCaps[p]
		if n > len(d.queues[p]) {
			n = len(d.queues[p])
		}
		if n == 0 {
			continue
		}
		batch = append(batch, d.queues[p][:n]...)
		d.queues[p] = d.queues[p][n:]
		metrics.DispatchQueueDepth.WithLabelValues(p.String()).Set(float64(len(d.queues[p])))
	}
	d.mu.Unlock()

	for _, msg := range batch {
		d.dispatch(msg)
	}

	metrics.DispatchTickDuration.Observe(d.clock.Since(start).Seconds())
}

func (d *Dispatcher) dispatch(msg domain.Message) {
	if err := d.deliverer.Deliver(msg); err != nil {
		metrics.DispatchDeliveryErrors.Inc()
		slog.Error("Message delivery failed",
			"event", msg.Event,
			"priority", msg.Priority.String(),
			"error", err,
		)
	}
}

func (d *Dispatcher) discardQueued() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p := domain.PriorityCritical; p <= domain.PriorityLow; p++ {
		if n := len(d.queues[p]); n > 0 {
			slog.Info("Discarding queued messages on shutdown",
				"priority", p.String(), "count", n)
		}
		d.queues[p] = nil
		metrics.DispatchQueueDepth.WithLabelValues(p.String()).Set(0)
	}
}

// QueuedAt returns the current depth of one priority queue.
func (d *Dispatcher) QueuedAt(p domain.Priority) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[p])
}

// Stop exits the drain loop and discards everything still queued; the
// service is exiting, so sub-critical traffic is not forced through.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.done
}
