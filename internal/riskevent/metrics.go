package riskevent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/wardenlabs/warden/internal/riskevent")

var (
	eventsLogged   metric.Int64Counter
	eventsBuffered metric.Int64Counter
	eventsEvicted  metric.Int64Counter
	eventsSynced   metric.Int64Counter
)

func init() {
	var err error
	eventsLogged, err = meter.Int64Counter("riskevent.logged.total",
		metric.WithDescription("Total risk events logged"))
	if err != nil {
		eventsLogged, _ = meter.Int64Counter("riskevent.logged.total.fallback")
	}

	eventsBuffered, err = meter.Int64Counter("riskevent.buffered.total",
		metric.WithDescription("Risk events held in the local buffer"))
	if err != nil {
		eventsBuffered, _ = meter.Int64Counter("riskevent.buffered.total.fallback")
	}

	eventsEvicted, err = meter.Int64Counter("riskevent.evicted.total",
		metric.WithDescription("Risk events evicted from the full buffer before delivery"))
	if err != nil {
		eventsEvicted, _ = meter.Int64Counter("riskevent.evicted.total.fallback")
	}

	eventsSynced, err = meter.Int64Counter("riskevent.synced.total",
		metric.WithDescription("Buffered risk events delivered to the remote ledger"))
	if err != nil {
		eventsSynced, _ = meter.Int64Counter("riskevent.synced.total.fallback")
	}
}

func loggedAdd(ctx context.Context, eventType string) {
	eventsLogged.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func bufferedAdd(ctx context.Context, n int64) {
	eventsBuffered.Add(ctx, n)
}

func evictedAdd(ctx context.Context, n int64) {
	eventsEvicted.Add(ctx, n)
}

func syncedAdd(ctx context.Context, n int64) {
	eventsSynced.Add(ctx, n)
}
