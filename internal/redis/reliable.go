package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/courtside/relay/internal/domain"
)

// globalScope indexes reliable messages addressed to every connection,
// so a room replay can include them alongside room-scoped ones.
const globalScope = "*"

func messageKey(id uuid.UUID) string { return "reliable:msg:" + id.String() }
func indexKey(scope string) string   { return "reliable:idx:" + scope }

// storedMessage is the persisted form of a reliable broadcast.
type storedMessage struct {
	ID          uuid.UUID       `json:"id"`
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Room        string          `json:"room,omitempty"`
	Priority    string          `json:"priority"`
	Compress    bool            `json:"compress,omitempty"`
	Origin      string          `json:"origin,omitempty"`
	SubmittedAt int64           `json:"submitted_at"` // unix millis
}

// ReliableStore keeps reliable broadcasts alive for their TTL so that
// reconnecting clients can request a replay. Each message lives under
// its own TTL'd key; a per-scope sorted index (scored by submission
// time) orders replays. Index entries whose message expired are pruned
// lazily on read.
type ReliableStore struct {
	rdb *goredis.Client
}

// NewReliableStore creates a store on the shared client.
func NewReliableStore(client *Client) *ReliableStore {
	return &ReliableStore{rdb: client.rdb}
}

// Persist stores one reliable broadcast for ttl. Only room-targeted and
// fleet-wide messages are indexed; a single-connection message has no
// replay audience once that connection is gone.
func (s *ReliableStore) Persist(ctx context.Context, msg domain.Message, ttl time.Duration) error {
	if msg.Target.Kind == domain.TargetConnection {
		return nil
	}

	scope := globalScope
	if msg.Target.Kind == domain.TargetRoom {
		scope = msg.Target.Room
	}

	data, err := json.Marshal(storedMessage{
		ID:          msg.ID,
		Event:       msg.Event,
		Payload:     msg.Payload,
		Room:        msg.Target.Room,
		Priority:    msg.Priority.String(),
		Compress:    msg.Compress,
		Origin:      msg.Origin,
		SubmittedAt: msg.SubmittedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode reliable message: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, messageKey(msg.ID), data, ttl)
	pipe.ZAdd(ctx, indexKey(scope), goredis.Z{
		Score:  float64(msg.SubmittedAt.UnixMilli()),
		Member: msg.ID.String(),
	})
	// The index outlives individual messages; expired members are
	// pruned during Replay.
	pipe.Expire(ctx, indexKey(scope), ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist reliable message: %w", err)
	}
	return nil
}

// Replay returns the still-live reliable broadcasts for a room, oldest
// first, including fleet-wide ones.
func (s *ReliableStore) Replay(ctx context.Context, room string) ([]domain.Message, error) {
	roomMsgs, err := s.replayScope(ctx, room)
	if err != nil {
		return nil, err
	}
	globalMsgs, err := s.replayScope(ctx, globalScope)
	if err != nil {
		return nil, err
	}

	msgs := append(roomMsgs, globalMsgs...)
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].SubmittedAt.Before(msgs[j].SubmittedAt)
	})
	return msgs, nil
}

func (s *ReliableStore) replayScope(ctx context.Context, scope string) ([]domain.Message, error) {
	ids, err := s.rdb.ZRange(ctx, indexKey(scope), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read reliable index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = "reliable:msg:" + id
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read reliable messages: %w", err)
	}

	var msgs []domain.Message
	var expired []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var rec storedMessage
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			expired = append(expired, ids[i])
			continue
		}
		target := domain.All()
		if rec.Room != "" {
			target = domain.Room(rec.Room)
		}
		msgs = append(msgs, domain.Message{
			ID:          rec.ID,
			Event:       rec.Event,
			Payload:     rec.Payload,
			Target:      target,
			Priority:    domain.ParsePriority(rec.Priority),
			Reliable:    true,
			Compress:    rec.Compress,
			Origin:      rec.Origin,
			SubmittedAt: time.UnixMilli(rec.SubmittedAt),
		})
	}

	if len(expired) > 0 {
		s.rdb.ZRem(ctx, indexKey(scope), expired...)
	}
	return msgs, nil
}
