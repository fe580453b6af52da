package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtside/relay/internal/domain"
)

// captureDeliverer records dispatch order.
type captureDeliverer struct {
	mu        sync.Mutex
	delivered []domain.Message
	failOn    func(domain.Message) error
}

func (c *captureDeliverer) Deliver(msg domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn != nil {
		if err := c.failOn(msg); err != nil {
			return err
		}
	}
	c.delivered = append(c.delivered, msg)
	return nil
}

func (c *captureDeliverer) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.delivered))
	for i, m := range c.delivered {
		out[i] = m.Event
	}
	return out
}

func msg(event string, p domain.Priority) domain.Message {
	return domain.Message{Event: event, Priority: p, SubmittedAt: time.Now()}
}

func newTestDispatcher(t *testing.T, sink *captureDeliverer, capacity int) (*Dispatcher, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	d := New(sink, clock, 10*time.Millisecond, capacity)
	t.Cleanup(d.Stop)
	return d, clock
}

// tick blocks until the drain loop is waiting on the ticker, then fires it
// and waits for the batch to land.
func tick(t *testing.T, d *Dispatcher, clock *clockwork.FakeClock) {
	t.Helper()
	clock.BlockUntil(1)
	clock.Advance(10 * time.Millisecond)
	require.Eventually(t, func() bool {
		total := 0
		for p := domain.PriorityCritical; p <= domain.PriorityLow; p++ {
			total += d.QueuedAt(p)
		}
		return total == 0
	}, time.Second, time.Millisecond)
}

func TestCriticalBypassesQueues(t *testing.T) {
	sink := &captureDeliverer{}
	d, _ := newTestDispatcher(t, sink, 0)

	// No tick has fired; a critical submit must deliver synchronously.
	d.Submit(msg("score-final", domain.PriorityCritical))

	assert.Equal(t, []string{"score-final"}, sink.events())
	assert.Zero(t, d.QueuedAt(domain.PriorityCritical))
}

func TestFIFOWithinTier(t *testing.T) {
	sink := &captureDeliverer{}
	d, clock := newTestDispatcher(t, sink, 0)

	for i := 0; i < 10; i++ {
		d.Submit(msg(fmt.Sprintf("m%d", i), domain.PriorityNormal))
	}
	tick(t, d, clock)

	want := make([]string, 10)
	for i := range want {
		want[i] = fmt.Sprintf("m%d", i)
	}
	assert.Equal(t, want, sink.events())
}

func TestPriorityOrderWithinTick(t *testing.T) {
	sink := &captureDeliverer{}
	d, clock := newTestDispatcher(t, sink, 0)

	d.Submit(msg("low", domain.PriorityLow))
	d.Submit(msg("normal", domain.PriorityNormal))
	d.Submit(msg("high", domain.PriorityHigh))
	tick(t, d, clock)

	assert.Equal(t, []string{"high", "normal", "low"}, sink.events())
}

func TestCriticalBeforeLowBurst(t *testing.T) {
	sink := &captureDeliverer{}
	d, clock := newTestDispatcher(t, sink, 0)

	for i := 0; i < 1000; i++ {
		d.Submit(msg("low", domain.PriorityLow))
	}
	d.Submit(msg("critical", domain.PriorityCritical))

	events := sink.events()
	require.NotEmpty(t, events)
	assert.Equal(t, "critical", events[0],
		"critical must be delivered before any of the queued low-priority messages")

	// Drain the burst; batch cap is 50 per tick for low.
	for i := 0; i < 20; i++ {
		clock.BlockUntil(1)
		clock.Advance(10 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return len(sink.events()) == 1001 }, time.Second, time.Millisecond)
}

func TestBatchCapBoundsPerTickWork(t *testing.T) {
	sink := &captureDeliverer{}
	d, clock := newTestDispatcher(t, sink, 0)

	for i := 0; i < 120; i++ {
		d.Submit(msg("n", domain.PriorityNormal))
	}

	clock.BlockUntil(1)
	clock.Advance(10 * time.Millisecond)
	require.Eventually(t, func() bool { return len(sink.events()) == 50 }, time.Second, time.Millisecond)
	assert.Equal(t, 70, d.QueuedAt(domain.PriorityNormal))
}

func TestFailureIsolatedPerMessage(t *testing.T) {
	sink := &captureDeliverer{
		failOn: func(m domain.Message) error {
			if m.Event == "poison" {
				return errors.New("transport error")
			}
			return nil
		},
	}
	d, clock := newTestDispatcher(t, sink, 0)

	d.Submit(msg("a", domain.PriorityNormal))
	d.Submit(msg("poison", domain.PriorityNormal))
	d.Submit(msg("b", domain.PriorityNormal))
	tick(t, d, clock)

	assert.Equal(t, []string{"a", "b"}, sink.events(),
		"messages after a failed one must still be attempted")
}

func TestOverflowEvictsLowestPriorityFirst(t *testing.T) {
	sink := &captureDeliverer{}
	d, clock := newTestDispatcher(t, sink, 4)

	d.Submit(msg("low1", domain.PriorityLow))
	d.Submit(msg("low2", domain.PriorityLow))
	d.Submit(msg("n1", domain.PriorityNormal))
	d.Submit(msg("n2", domain.PriorityNormal))

	// At capacity: a high-priority submit evicts the oldest low message.
	d.Submit(msg("high", domain.PriorityHigh))

	assert.Equal(t, 1, d.QueuedAt(domain.PriorityLow))
	assert.Equal(t, 1, d.QueuedAt(domain.PriorityHigh))

	tick(t, d, clock)
	assert.Equal(t, []string{"high", "n1", "n2", "low2"}, sink.events())
}

func TestOverflowDropsIncomingWhenOutranked(t *testing.T) {
	sink := &captureDeliverer{}
	d, _ := newTestDispatcher(t, sink, 2)

	d.Submit(msg("h1", domain.PriorityHigh))
	d.Submit(msg("h2", domain.PriorityHigh))
	d.Submit(msg("low", domain.PriorityLow))

	assert.Zero(t, d.QueuedAt(domain.PriorityLow),
		"a low submit must not displace queued higher-priority work")
	assert.Equal(t, 2, d.QueuedAt(domain.PriorityHigh))
}

func TestStopDiscardsQueued(t *testing.T) {
	sink := &captureDeliverer{}
	clock := clockwork.NewFakeClock()
	d := New(sink, clock, 10*time.Millisecond, 0)

	d.Submit(msg("n", domain.PriorityNormal))
	d.Stop()

	assert.Empty(t, sink.events(), "queued sub-critical messages are discarded on shutdown")
	assert.Zero(t, d.QueuedAt(domain.PriorityNormal))
}
