package store

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "game-scheduler"

func addDBStatsToSpan(span trace.Span, statement string, itemCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("itemCount", itemCount),
		attribute.String("db.system", "postgresql"),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}
