package backplane

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtside/relay/internal/domain"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	submitted := time.UnixMilli(time.Now().UnixMilli())
	original := domain.Message{
		ID:          uuid.New(),
		Event:       "score.update",
		Payload:     json.RawMessage(`{"home":3,"away":1}`),
		Target:      domain.Room("game:42"),
		Priority:    domain.PriorityHigh,
		TTL:         30 * time.Second,
		Reliable:    true,
		Compress:    true,
		Origin:      "node-a",
		SubmittedAt: submitted,
	}

	data, err := encodeEnvelope(original)
	require.NoError(t, err)

	decoded, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestDecodeEnvelopeRejectsMalformedPayload(t *testing.T) {
	_, err := decodeEnvelope([]byte("not json"))
	assert.Error(t, err)
}

func TestHandlePayloadIgnoresOwnOrigin(t *testing.T) {
	var received []domain.Message
	adapter := New(nil, "", "node-a", func(msg domain.Message) {
		received = append(received, msg)
	})

	local, err := encodeEnvelope(domain.Message{ID: uuid.New(), Event: "x", Target: domain.All(), Origin: "node-a"})
	require.NoError(t, err)
	foreignMsg := domain.Message{ID: uuid.New(), Event: "y", Target: domain.All(), Origin: "node-b", SubmittedAt: time.UnixMilli(0)}
	foreign, err := encodeEnvelope(foreignMsg)
	require.NoError(t, err)

	adapter.handlePayload(local)
	adapter.handlePayload(foreign)
	adapter.handlePayload([]byte("garbage"))

	require.Len(t, received, 1)
	assert.Equal(t, foreignMsg.ID, received[0].ID)
	assert.Equal(t, "node-b", received[0].Origin)
}

func TestReconnectBackoffLadder(t *testing.T) {
	quickLoss := time.Second

	b := nextBackoff(0, 0)
	assert.Equal(t, initialReconnectBackoff, b, "first loss starts at the initial delay")

	b = nextBackoff(b, quickLoss)
	assert.Equal(t, 2*initialReconnectBackoff, b)

	for i := 0; i < 10; i++ {
		b = nextBackoff(b, quickLoss)
	}
	assert.Equal(t, maxReconnectBackoff, b, "rapid losses cap at the maximum")

	b = nextBackoff(b, healthySessionThreshold)
	assert.Equal(t, initialReconnectBackoff, b, "a healthy session starts the ladder over")

	b = nextBackoff(b, quickLoss)
	assert.Equal(t, 2*initialReconnectBackoff, b, "doubling resumes from the bottom after a reset")
}

func TestPublishFailsFastWhenCircuitOpen(t *testing.T) {
	adapter := New(nil, "", "node-a", nil)
	// Force the breaker open without touching Redis.
	adapter.breaker.Open()

	err := adapter.Publish(context.Background(), domain.Message{ID: uuid.New(), Target: domain.All()})
	assert.ErrorIs(t, err, domain.ErrBackplaneUnavailable)
}
