// Package latency tracks recent delivery latencies in a bounded ring
// buffer and computes percentiles and throughput on demand.
package latency

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/courtside/relay/internal/domain"
	"github.com/courtside/relay/internal/metrics"
)

const (
	DefaultCapacity = 10000

	reportTimeout = 5 * time.Second
)

// connectionCounter is the slice of the registry the tracker reads.
type connectionCounter interface {
	ActiveCount() int
	TotalAccepted() int64
}

// Tracker keeps a fixed-capacity ring of latency samples plus a rolling
// per-second message counter. Recording is the hot path; snapshots sort
// a copy and never touch the live buffer.
type Tracker struct {
	mu       sync.Mutex
	samples  []float64 // milliseconds
	next     int
	filled   bool
	curCount int64 // messages in the current second
	curSec   int64
	prvCount int64 // messages in the previous full second

	clock clockwork.Clock
	conns connectionCounter

	snapMu   sync.RWMutex
	lastSnap domain.MetricsSnapshot

	reporting atomic.Bool
}

func NewTracker(capacity int, conns connectionCounter, clock clockwork.Clock) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{
		samples: make([]float64, capacity),
		clock:   clock,
		conns:   conns,
	}
}

// Record inserts one latency sample, evicting the oldest past capacity.
func (t *Tracker) Record(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples[t.next] = ms
	t.next++
	if t.next == len(t.samples) {
		t.next = 0
		t.filled = true
	}
}

// RecordMessage counts one dispatched message toward throughput. It is
// the only path that feeds the per-second counter: latency samples are
// per-recipient send, so counting them too would inflate fan-outs.
func (t *Tracker) RecordMessage() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bumpLocked()
}

func (t *Tracker) bumpLocked() {
	sec := t.clock.Now().Unix()
	switch {
	case sec == t.curSec:
		t.curCount++
	case sec == t.curSec+1:
		t.prvCount = t.curCount
		t.curSec = sec
		t.curCount = 1
	default:
		t.prvCount = 0
		t.curSec = sec
		t.curCount = 1
	}
}

// Snapshot computes average/p95/p99 over a sorted copy of the buffer,
// plus throughput and connection counts.
func (t *Tracker) Snapshot() domain.MetricsSnapshot {
	t.mu.Lock()
	n := len(t.samples)
	if !t.filled {
		n = t.next
	}
	sorted := make([]float64, n)
	if t.filled {
		copy(sorted, t.samples)
	} else {
		copy(sorted, t.samples[:n])
	}
	mps := t.prvCount
	if t.clock.Now().Unix() > t.curSec+1 {
		mps = 0
	}
	t.mu.Unlock()

	sort.Float64s(sorted)

	snap := domain.MetricsSnapshot{
		MessagesPerSecond: mps,
		Samples:           n,
	}
	if t.conns != nil {
		snap.ActiveConnections = t.conns.ActiveCount()
		snap.TotalConnections = t.conns.TotalAccepted()
	}
	if n > 0 {
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		snap.AvgLatencyMs = sum / float64(n)
		snap.P95LatencyMs = sorted[percentileIndex(n, 95)]
		snap.P99LatencyMs = sorted[percentileIndex(n, 99)]
	}
	return snap
}

func percentileIndex(n, pct int) int {
	idx := n*pct/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// Latest returns the most recently collected snapshot without recomputing.
func (t *Tracker) Latest() domain.MetricsSnapshot {
	t.snapMu.RLock()
	defer t.snapMu.RUnlock()
	return t.lastSnap
}

// Run collects snapshots and reports them on independent timers. Each
// report runs on its own goroutine with a deadline so a slow sink never
// blocks collection; an in-flight report makes the next tick skip.
// Blocks until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, sink domain.MetricsSink, collectEvery, reportEvery time.Duration) {
	collect := t.clock.NewTicker(collectEvery)
	defer collect.Stop()
	report := t.clock.NewTicker(reportEvery)
	defer report.Stop()

	for {
		select {
		case <-collect.Chan():
			snap := t.Snapshot()
			t.snapMu.Lock()
			t.lastSnap = snap
			t.snapMu.Unlock()

			metrics.LatencyAvg.Set(snap.AvgLatencyMs)
			metrics.LatencyP95.Set(snap.P95LatencyMs)
			metrics.LatencyP99.Set(snap.P99LatencyMs)
			metrics.MessagesPerSecond.Set(float64(snap.MessagesPerSecond))

		case <-report.Chan():
			if sink == nil {
				continue
			}
			if !t.reporting.CompareAndSwap(false, true) {
				slog.Warn("Skipping metrics report, previous report still in flight")
				continue
			}
			snap := t.Latest()
			samples := map[string]float64{
				"active_connections":  float64(snap.ActiveConnections),
				"total_connections":   float64(snap.TotalConnections),
				"messages_per_second": float64(snap.MessagesPerSecond),
				"latency_avg_ms":      snap.AvgLatencyMs,
				"latency_p95_ms":      snap.P95LatencyMs,
				"latency_p99_ms":      snap.P99LatencyMs,
			}
			// A hung sink must not stall collection or Latest readers.
			go func() {
				defer t.reporting.Store(false)
				reportCtx, cancel := context.WithTimeout(ctx, reportTimeout)
				defer cancel()
				if err := sink.Report(reportCtx, samples); err != nil {
					slog.Warn("Metrics report failed", "error", err)
				}
			}()

		case <-ctx.Done():
			return
		}
	}
}
