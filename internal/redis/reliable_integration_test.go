package redis

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

func reliableMessage(target domain.Target, submittedAt time.Time) domain.Message {
	return domain.Message{
		ID:          uuid.New(),
		Event:       "score.update",
		Payload:     json.RawMessage(`{"home":1}`),
		Target:      target,
		Priority:    domain.PriorityHigh,
		Reliable:    true,
		SubmittedAt: submittedAt,
	}
}

func TestReliableReplayReturnsRoomMessagesOldestFirst(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	store := NewReliableStore(client)

	base := time.Now().Truncate(time.Millisecond)
	second := reliableMessage(domain.Room("game:42"), base.Add(time.Second))
	first := reliableMessage(domain.Room("game:42"), base)
	other := reliableMessage(domain.Room("game:99"), base)

	require.NoError(t, store.Persist(ctx, second, time.Minute))
	require.NoError(t, store.Persist(ctx, first, time.Minute))
	require.NoError(t, store.Persist(ctx, other, time.Minute))

	msgs, err := store.Replay(ctx, "game:42")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, second.ID, msgs[1].ID)
	assert.Equal(t, "score.update", msgs[0].Event)
	assert.JSONEq(t, `{"home":1}`, string(msgs[0].Payload))
}

func TestReliableReplayIncludesGlobalBroadcasts(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	store := NewReliableStore(client)

	base := time.Now().Truncate(time.Millisecond)
	global := reliableMessage(domain.All(), base)
	roomMsg := reliableMessage(domain.Room("game:42"), base.Add(time.Second))

	require.NoError(t, store.Persist(ctx, global, time.Minute))
	require.NoError(t, store.Persist(ctx, roomMsg, time.Minute))

	msgs, err := store.Replay(ctx, "game:42")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, global.ID, msgs[0].ID)
	assert.Equal(t, domain.TargetAll, msgs[0].Target.Kind)
}

func TestReliableSkipsSingleConnectionTargets(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	store := NewReliableStore(client)

	msg := reliableMessage(domain.Conn(uuid.New()), time.Now())
	require.NoError(t, store.Persist(ctx, msg, time.Minute))

	keys, err := client.rdb.Keys(ctx, "*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestReliableReplayPrunesExpiredMessages(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	store := NewReliableStore(client)

	msg := reliableMessage(domain.Room("game:42"), time.Now())
	require.NoError(t, store.Persist(ctx, msg, time.Minute))

	// Simulate TTL expiry of the message body while the index entry remains.
	require.NoError(t, client.rdb.Del(ctx, messageKey(msg.ID)).Err())

	msgs, err := store.Replay(ctx, "game:42")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	members, err := client.rdb.ZCard(ctx, indexKey("game:42")).Result()
	require.NoError(t, err)
	assert.Zero(t, members, "stale index entry should be pruned")
}

func TestMetricsSinkWritesInstanceHash(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	sink := NewMetricsSink(client, "node-a")

	err := sink.Report(ctx, map[string]float64{
		"active_connections": 42,
		"p99_latency_ms":     7.5,
	})
	require.NoError(t, err)

	fields, err := client.rdb.HGetAll(ctx, "health:node-a").Result()
	require.NoError(t, err)
	assert.Equal(t, "42", fields["active_connections"])
	assert.Equal(t, "7.5", fields["p99_latency_ms"])
	assert.Contains(t, fields, "reported_at")

	ttl, err := client.rdb.TTL(ctx, "health:node-a").Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)
}
