package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pscheid92/marketplace/internal/adapter/metrics"
)

// MetricsTracer implements pgx.QueryTracer to collect query metrics
type MetricsTracer struct {
	m *metrics.PostgresMetrics
}

var _ pgx.QueryTracer = (*MetricsTracer)(nil)

func NewMetricsTracer(m *metrics.PostgresMetrics) *MetricsTracer {
	return &MetricsTracer{m: m}
}

type queryContextKey struct{}

type queryContext struct {
	startTime time.Time
	queryName string
}

func (t *MetricsTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryContextKey{}, queryContext{
		startTime: time.Now(),
		queryName: queryName(data.SQL),
	})
}

func (t *MetricsTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qctx, ok := ctx.Value(queryContextKey{}).(queryContext)
	if !ok {
		return
	}

	t.m.QueryDuration.WithLabelValues(qctx.queryName).Observe(time.Since(qctx.startTime).Seconds())
	if data.Err != nil {
		t.m.QueryErrors.WithLabelValues(qctx.queryName).Inc()
	}
}

// queryName keeps label cardinality low: LISTEN and pg_notify calls collapse
// to one label each, everything else to its leading keyword.
func queryName(sql string) string {
	sql = strings.TrimSpace(sql)
	switch {
	case sql == "":
		return "unknown"
	case strings.Contains(sql, "pg_notify"):
		return "notify"
	}

	word, _, _ := strings.Cut(sql, " ")
	word = strings.ToLower(word)
	if len(word) > 20 {
		word = word[:20]
	}
	return word
}
