package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client shared by the counter, the reliable
// store, and the backplane subscription.
type Client struct {
	rdb *redis.Client
}

// NewClient parses a redis:// URL and creates the shared client. The
// connection is not verified here; call Ping at startup.
func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return &Client{rdb: redis.NewClient(opts)}, nil
}

// Ping verifies the connection end to end.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying exposes the raw go-redis client for the backplane's
// pub/sub subscription, which needs more than the port interfaces.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
