package riskevent

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Appender ships a single event to the remote ledger.
type Appender interface {
	AppendEvent(ctx context.Context, ev *Event) error
}

// Logger records risk events: each event is signed, then appended to the
// remote ledger; if the ledger is unreachable the event lands in the local
// buffer for a later Sync. Logging never fails the governed operation — a
// blocked intent stays blocked whether or not its audit event shipped.
type Logger struct {
	remote Appender
	buffer *Buffer
	signer *Signer
}

// NewLogger creates a logger. remote may be nil (offline mode: everything
// buffers).
func NewLogger(remote Appender, buffer *Buffer, signer *Signer) *Logger {
	return &Logger{remote: remote, buffer: buffer, signer: signer}
}

// Log signs and records an event. Remote-first: on remote failure the event
// is buffered locally. Returns an error only if both paths fail.
func (l *Logger) Log(ctx context.Context, ev *Event) error {
	ctx, span := tracer.Start(ctx, "riskevent.log",
		trace.WithAttributes(
			attribute.String("event.type", string(ev.EventType)),
			attribute.String("tenant_id", ev.TenantID),
		))
	defer span.End()

	if err := l.signer.SignEvent(ev); err != nil {
		return err
	}

	loggedAdd(ctx, string(ev.EventType))

	if l.remote != nil {
		if err := l.remote.AppendEvent(ctx, ev); err == nil {
			span.SetAttributes(attribute.String("event.delivery", "remote"))
			return nil
		} else {
			log.Warn().Err(err).
				Str("event_id", ev.EventID).
				Str("event_type", string(ev.EventType)).
				Msg("remote_event_append_failed_buffering")
		}
	}

	if err := l.buffer.Push(ctx, ev); err != nil {
		span.RecordError(err)
		return fmt.Errorf("buffering event %s: %w", ev.EventID, err)
	}
	span.SetAttributes(attribute.String("event.delivery", "buffered"))
	return nil
}

// Sync replays buffered events to the remote ledger in FIFO order. Events
// that ship successfully are removed from the buffer; the first failure
// stops the replay and everything from that point on stays buffered for the
// next attempt. Returns the number of events delivered.
func (l *Logger) Sync(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "riskevent.sync")
	defer span.End()

	if l.remote == nil {
		return 0, fmt.Errorf("sync requires a remote ledger")
	}

	events, err := l.buffer.List(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("listing buffered events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	var delivered []string
	var syncErr error
	for _, ev := range events {
		if err := l.remote.AppendEvent(ctx, ev); err != nil {
			syncErr = fmt.Errorf("appending event %s: %w", ev.EventID, err)
			break
		}
		delivered = append(delivered, ev.EventID)
	}

	if len(delivered) > 0 {
		if err := l.buffer.Remove(ctx, delivered); err != nil {
			return len(delivered), err
		}
		syncedAdd(ctx, int64(len(delivered)))
	}

	span.SetAttributes(
		attribute.Int("event.synced", len(delivered)),
		attribute.Int("event.remaining", len(events)-len(delivered)),
	)

	log.Info().
		Int("synced", len(delivered)).
		Int("remaining", len(events)-len(delivered)).
		Msg("risk_event_sync_completed")

	return len(delivered), syncErr
}

// Buffered returns the number of events awaiting delivery.
func (l *Logger) Buffered(ctx context.Context) (int, error) {
	return l.buffer.Len(ctx)
}
