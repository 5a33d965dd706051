package exec

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/wardenlabs/warden/internal/exec")

var (
	intentsTotal     metric.Int64Counter
	blockedTotal     metric.Int64Counter
	escalationsTotal metric.Int64Counter
)

func init() {
	var err error
	intentsTotal, err = meter.Int64Counter("exec.intents.total",
		metric.WithDescription("Intents processed, by terminal state"))
	if err != nil {
		intentsTotal, _ = meter.Int64Counter("exec.intents.total.fallback")
	}

	blockedTotal, err = meter.Int64Counter("exec.blocked.total",
		metric.WithDescription("Intents refused on the BLOCKED lane"))
	if err != nil {
		blockedTotal, _ = meter.Int64Counter("exec.blocked.total.fallback")
	}

	escalationsTotal, err = meter.Int64Counter("exec.escalations.total",
		metric.WithDescription("Intents escalated for human approval"))
	if err != nil {
		escalationsTotal, _ = meter.Int64Counter("exec.escalations.total.fallback")
	}
}

func recordOutcome(ctx context.Context, res *Result) {
	intentsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(res.State)),
		attribute.Bool("success", res.Success),
	))
	if res.Blocked {
		blockedTotal.Add(ctx, 1)
	}
	if res.State == StateEscalated && res.Success {
		escalationsTotal.Add(ctx, 1)
	}
}
