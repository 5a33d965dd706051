package riskevent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/wardenlabs/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/wardenlabs/warden/internal/riskevent")

// DefaultCapacity is the default bounded buffer size.
const DefaultCapacity = 100

// Buffer is a bounded FIFO of risk events awaiting delivery to the remote
// ledger, persisted in SQLite so buffered events survive restarts. When the
// buffer is full the oldest event is evicted to make room for the newest —
// recent evidence is worth more than stale evidence once loss is forced.
type Buffer struct {
	db       *sql.DB
	capacity int
}

// NewBuffer opens (and if needed creates) the buffer database at dbPath.
// Capacity values below 1 fall back to DefaultCapacity.
func NewBuffer(dbPath string, capacity int) (*Buffer, error) {
	if capacity < 1 {
		capacity = DefaultCapacity
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening event buffer database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS risk_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		event_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_risk_events_tenant ON risk_events(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_risk_events_type ON risk_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_risk_events_created ON risk_events(created_at);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating event buffer schema: %w", err)
	}

	return &Buffer{db: db, capacity: capacity}, nil
}

// Close releases the database connection.
func (b *Buffer) Close() error {
	return b.db.Close()
}

// Capacity returns the configured buffer capacity.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Push appends an event, evicting the oldest buffered events if the buffer
// is at capacity. Insert and eviction run in one transaction so a crash can
// never leave the buffer over capacity.
func (b *Buffer) Push(ctx context.Context, ev *Event) error {
	ctx, span := tracer.Start(ctx, "riskevent.buffer_push")
	defer span.End()

	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	err = b.writeWithRetry(ctx, func(ctx context.Context) error {
		return b.pushInTx(ctx, ev, eventJSON)
	})
	if err != nil {
		return err
	}

	bufferedAdd(ctx, 1)
	span.SetAttributes(
		attribute.String("event.id", ev.EventID),
		attribute.String("event.type", string(ev.EventType)),
	)
	return nil
}

func (b *Buffer) pushInTx(ctx context.Context, ev *Event, eventJSON []byte) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM risk_events`).Scan(&count); err != nil {
		return fmt.Errorf("counting buffered events: %w", err)
	}

	if evict := count - b.capacity + 1; evict > 0 {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM risk_events WHERE seq IN (
				SELECT seq FROM risk_events ORDER BY seq ASC LIMIT ?
			)`, evict)
		if err != nil {
			return fmt.Errorf("evicting oldest events: %w", err)
		}
		evictedAdd(ctx, int64(evict))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk_events (event_id, tenant_id, event_type, created_at, event_json)
		VALUES (?, ?, ?, ?, ?)`,
		ev.EventID, ev.TenantID, string(ev.EventType), ev.CreatedAt, string(eventJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	return tx.Commit()
}

// List returns buffered events in FIFO order. A limit of 0 returns all.
func (b *Buffer) List(ctx context.Context, limit int) ([]*Event, error) {
	ctx, span := tracer.Start(ctx, "riskevent.buffer_list")
	defer span.End()

	query := `SELECT event_json FROM risk_events ORDER BY seq ASC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying buffered events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var eventJSON string
		if err := rows.Scan(&eventJSON); err != nil {
			return nil, fmt.Errorf("scanning buffered event: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
			return nil, fmt.Errorf("unmarshaling buffered event: %w", err)
		}
		events = append(events, &ev)
	}

	span.SetAttributes(attribute.Int("event.count", len(events)))
	return events, rows.Err()
}

// ListByTenant returns buffered events for one tenant in FIFO order.
func (b *Buffer) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Event, error) {
	ctx, span := tracer.Start(ctx, "riskevent.buffer_list_tenant",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	query := `SELECT event_json FROM risk_events WHERE tenant_id = ? ORDER BY seq ASC`
	args := []interface{}{tenantID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying buffered events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var eventJSON string
		if err := rows.Scan(&eventJSON); err != nil {
			return nil, fmt.Errorf("scanning buffered event: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
			return nil, fmt.Errorf("unmarshaling buffered event: %w", err)
		}
		events = append(events, &ev)
	}

	return events, rows.Err()
}

// Remove deletes delivered events by id. Called by Sync after a successful
// remote append; events that failed to ship stay buffered.
func (b *Buffer) Remove(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "riskevent.buffer_remove")
	defer span.End()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(eventIDs)), ",")
	args := make([]interface{}, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}

	err := b.writeWithRetry(ctx, func(ctx context.Context) error {
		_, err := b.db.ExecContext(ctx,
			`DELETE FROM risk_events WHERE event_id IN (`+placeholders+`)`, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("removing delivered events: %w", err)
	}

	span.SetAttributes(attribute.Int("event.count", len(eventIDs)))
	return nil
}

// Len returns the number of buffered events.
func (b *Buffer) Len(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM risk_events`).Scan(&n)
	return n, err
}

// writeWithRetry runs fn with retries on SQLite busy/locked.
func (b *Buffer) writeWithRetry(ctx context.Context, fn func(context.Context) error) error {
	const maxRetries = 15
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, attempt); err != nil {
				return err
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isSQLiteLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func sleepRetry(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if backoff > 250*time.Millisecond {
		backoff = 250 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	case <-time.After(backoff):
		return nil
	}
}

// isSQLiteLocked reports whether the error is SQLite busy/locked (retryable).
func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}
