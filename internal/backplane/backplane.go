// Package backplane republishes broadcasts across server processes over
// Redis Pub/Sub so a message raised on one node reaches connections held
// by any other node.
//
// A failed backplane degrades cross-process fan-out only; the local
// delivery path never depends on it. The subscriber reconnects on an
// exponential backoff and publishes go through a circuit breaker.
package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/courtside/relay/internal/domain"
	"github.com/courtside/relay/internal/metrics"
)

const (
	DefaultChannel = "broadcast:fanout"

	initialReconnectBackoff = time.Second
	maxReconnectBackoff     = 30 * time.Second
	publishTimeout          = 2 * time.Second

	// A subscription that stays up this long counts as recovered and
	// earns a fresh backoff for the next loss.
	healthySessionThreshold = time.Minute
)

// envelope is the wire format on the pub/sub channel. Origin breaks
// republication loops: a node ignores envelopes it published itself.
type envelope struct {
	ID          uuid.UUID       `json:"id"`
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TargetKind  int             `json:"target_kind"`
	Room        string          `json:"room,omitempty"`
	ConnID      uuid.UUID       `json:"conn_id,omitempty"`
	Priority    string          `json:"priority"`
	TTLMs       int64           `json:"ttl_ms,omitempty"`
	Reliable    bool            `json:"reliable,omitempty"`
	Compress    bool            `json:"compress,omitempty"`
	Origin      string          `json:"origin"`
	SubmittedAt int64           `json:"submitted_at"` // unix millis
}

func encodeEnvelope(msg domain.Message) ([]byte, error) {
	return json.Marshal(envelope{
		ID:          msg.ID,
		Event:       msg.Event,
		Payload:     msg.Payload,
		TargetKind:  int(msg.Target.Kind),
		Room:        msg.Target.Room,
		ConnID:      msg.Target.ConnectionID,
		Priority:    msg.Priority.String(),
		TTLMs:       msg.TTL.Milliseconds(),
		Reliable:    msg.Reliable,
		Compress:    msg.Compress,
		Origin:      msg.Origin,
		SubmittedAt: msg.SubmittedAt.UnixMilli(),
	})
}

func decodeEnvelope(data []byte) (domain.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	return domain.Message{
		ID:      env.ID,
		Event:   env.Event,
		Payload: env.Payload,
		Target: domain.Target{
			Kind:         domain.TargetKind(env.TargetKind),
			Room:         env.Room,
			ConnectionID: env.ConnID,
		},
		Priority:    domain.ParsePriority(env.Priority),
		TTL:         time.Duration(env.TTLMs) * time.Millisecond,
		Reliable:    env.Reliable,
		Compress:    env.Compress,
		Origin:      env.Origin,
		SubmittedAt: time.UnixMilli(env.SubmittedAt),
	}, nil
}

// Adapter is the horizontal backplane over a shared Redis instance.
type Adapter struct {
	rdb        *redis.Client
	channel    string
	instanceID string
	breaker    circuitbreaker.CircuitBreaker[any]
	onRemote   func(domain.Message)
}

// New creates an adapter publishing as instanceID. onRemote receives
// every foreign-origin message; the caller feeds it back into its local
// dispatcher.
func New(rdb *redis.Client, channel, instanceID string, onRemote func(domain.Message)) *Adapter {
	if channel == "" {
		channel = DefaultChannel
	}
	cb := circuitbreaker.Builder[any]().
		WithFailureRateThreshold(60, 5, 10*time.Second).
		WithDelay(15 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Backplane circuit breaker state changed",
				"from", e.OldState.String(), "to", e.NewState.String())
			metrics.BackplaneCircuitState.Set(stateToFloat(e.NewState))
		}).
		Build()

	return &Adapter{
		rdb:        rdb,
		channel:    channel,
		instanceID: instanceID,
		breaker:    cb,
		onRemote:   onRemote,
	}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// Publish republishes a locally-dispatched message to the fleet.
// Returns ErrBackplaneUnavailable in degraded mode; callers log and
// carry on with local delivery.
func (a *Adapter) Publish(ctx context.Context, msg domain.Message) error {
	if !a.breaker.TryAcquirePermit() {
		metrics.BackplanePublishErrors.Inc()
		return fmt.Errorf("circuit open: %w", domain.ErrBackplaneUnavailable)
	}

	data, err := encodeEnvelope(msg)
	if err != nil {
		a.breaker.RecordSuccess() // encoding is not a backplane failure
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := a.rdb.Publish(ctx, a.channel, data).Err(); err != nil {
		a.breaker.RecordError(err)
		metrics.BackplanePublishErrors.Inc()
		return fmt.Errorf("publish: %w: %v", domain.ErrBackplaneUnavailable, err)
	}
	a.breaker.RecordSuccess()
	metrics.BackplanePublishedTotal.Inc()
	return nil
}

// Run consumes the pub/sub channel until ctx is cancelled, reconnecting
// on exponential backoff after subscription failures.
func (a *Adapter) Run(ctx context.Context) {
	var backoff time.Duration

	for {
		if ctx.Err() != nil {
			return
		}

		sub := a.rdb.Subscribe(ctx, a.channel)
		metrics.BackplaneActive.Set(1)
		slog.Info("Backplane subscription active", "channel", a.channel)

		started := time.Now()
		a.consume(ctx, sub)
		_ = sub.Close()
		metrics.BackplaneActive.Set(0)

		if ctx.Err() != nil {
			return
		}

		backoff = nextBackoff(backoff, time.Since(started))
		metrics.BackplaneReconnectionsTotal.Inc()
		slog.Warn("Backplane subscription lost, reconnecting",
			"backoff", backoff, "error", domain.ErrBackplaneUnavailable)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

// nextBackoff picks the delay before the next subscribe attempt. Rapid
// losses keep doubling up to the cap; a session that stayed up past
// healthySessionThreshold starts the ladder over.
func nextBackoff(previous, session time.Duration) time.Duration {
	if previous == 0 || session >= healthySessionThreshold {
		return initialReconnectBackoff
	}
	next := previous * 2
	if next > maxReconnectBackoff {
		next = maxReconnectBackoff
	}
	return next
}

func (a *Adapter) consume(ctx context.Context, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			a.handlePayload([]byte(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}

// handlePayload decodes one envelope and forwards foreign-origin
// messages to the local dispatcher.
func (a *Adapter) handlePayload(data []byte) {
	msg, err := decodeEnvelope(data)
	if err != nil {
		slog.Warn("Dropping malformed backplane payload", "error", err)
		return
	}
	if msg.Origin == a.instanceID {
		return
	}
	metrics.BackplaneReceivedTotal.Inc()
	if a.onRemote != nil {
		a.onRemote(msg)
	}
}
