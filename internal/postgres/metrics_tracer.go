package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/courtside/relay/internal/metrics"
)

// MetricsTracer implements pgx.QueryTracer to collect database metrics.
type MetricsTracer struct{}

var _ pgx.QueryTracer = (*MetricsTracer)(nil)

type traceKey struct{}

type traceState struct {
	started time.Time
	verb    string
}

func (t *MetricsTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceState{
		started: time.Now(),
		verb:    queryVerb(data.SQL),
	})
}

func (t *MetricsTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	state, ok := ctx.Value(traceKey{}).(traceState)
	if !ok {
		return
	}

	metrics.DBQueryDuration.WithLabelValues(state.verb).Observe(time.Since(state.started).Seconds())
	if data.Err != nil {
		metrics.DBErrorsTotal.WithLabelValues(state.verb).Inc()
	}
}

// queryVerb labels queries by their leading keyword to keep metric
// cardinality bounded.
func queryVerb(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToLower(fields[0])
}
