package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const metricsSinkTTL = 2 * time.Minute

// MetricsSink publishes per-instance delivery health to a shared Redis
// hash so fleet dashboards can read every node's latest snapshot. The
// TTL lets dead instances fall out on their own.
type MetricsSink struct {
	rdb        *goredis.Client
	instanceID string
}

// NewMetricsSink creates a sink reporting as instanceID.
func NewMetricsSink(client *Client, instanceID string) *MetricsSink {
	return &MetricsSink{rdb: client.rdb, instanceID: instanceID}
}

// Report writes one batch of named samples.
func (s *MetricsSink) Report(ctx context.Context, samples map[string]float64) error {
	if len(samples) == 0 {
		return nil
	}
	key := "health:" + s.instanceID

	fields := make([]interface{}, 0, len(samples)*2+2)
	for name, value := range samples {
		fields = append(fields, name, strconv.FormatFloat(value, 'f', -1, 64))
	}
	fields = append(fields, "reported_at", strconv.FormatInt(time.Now().UnixMilli(), 10))

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields...)
	pipe.Expire(ctx, key, metricsSinkTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("report health samples: %w", err)
	}
	return nil
}
