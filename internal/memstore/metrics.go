package memstore

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/wardenlabs/warden/internal/memstore")

var (
	writesTotal       metric.Int64Counter
	readsTotal        metric.Int64Counter
	compactionDeletes metric.Int64Counter
)

func init() {
	var err error
	writesTotal, err = meter.Int64Counter("memstore.writes.total",
		metric.WithDescription("Total memory item writes"))
	if err != nil {
		writesTotal, _ = meter.Int64Counter("memstore.writes.total.fallback")
	}

	readsTotal, err = meter.Int64Counter("memstore.reads.total",
		metric.WithDescription("Total memory read operations"))
	if err != nil {
		readsTotal, _ = meter.Int64Counter("memstore.reads.total.fallback")
	}

	compactionDeletes, err = meter.Int64Counter("memstore.compaction.deleted",
		metric.WithDescription("Expired working-tier items removed by compaction"))
	if err != nil {
		compactionDeletes, _ = meter.Int64Counter("memstore.compaction.deleted.fallback")
	}
}
