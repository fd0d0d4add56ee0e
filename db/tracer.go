package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Kirky-X/xRelay/logger"
)

type queryTracerKey struct{}

// queryTracer logs every SQL statement with its duration when
// database.log_queries is enabled.
type queryTracer struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryTracerKey{}, &queryStart{sql: data.SQL, start: time.Now()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qs, ok := ctx.Value(queryTracerKey{}).(*queryStart)
	if !ok {
		return
	}
	if data.Err != nil {
		logger.Debugf("[DB] query failed in %v: %s: %v", time.Since(qs.start), qs.sql, data.Err)
		return
	}
	logger.Debugf("[DB] query completed in %v: %s", time.Since(qs.start), qs.sql)
}

type queryStart struct {
	sql   string
	start time.Time
}
