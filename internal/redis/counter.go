package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

// slidingWindowScript atomically drops entries older than the window,
// records the current attempt, counts the survivors, and refreshes the
// key TTL. A sorted set scored by milliseconds gives an exact sliding
// window rather than the fixed-bucket approximation.
// ARGV: [1]=now_ms, [2]=window_ms, [3]=member
var slidingWindowScript = goredis.NewScript(`
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return redis.call('ZCARD', KEYS[1])
`)

// SlidingWindowCounter implements admission rate limiting on a shared
// Redis sorted set, so the window holds across server processes.
type SlidingWindowCounter struct {
	rdb   *goredis.Client
	clock clockwork.Clock
	seq   atomic.Int64 // disambiguates attempts landing on the same millisecond
}

// NewSlidingWindowCounter creates a counter on the shared client.
func NewSlidingWindowCounter(client *Client, clock clockwork.Clock) *SlidingWindowCounter {
	return &SlidingWindowCounter{rdb: client.rdb, clock: clock}
}

// Incr records one attempt under key and returns the attempt count
// within the trailing window, this attempt included.
func (c *SlidingWindowCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	nowMs := c.clock.Now().UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + ":" + strconv.FormatInt(c.seq.Add(1), 10)
	result, err := slidingWindowScript.Run(ctx, c.rdb, []string{"ratelimit:" + key},
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(window.Milliseconds(), 10),
		member,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("sliding window script failed: %w", err)
	}
	return result, nil
}
