package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wardenlabs/warden/internal/riskevent"
)

// Local is a SQLite-backed ledger for installations with no remote ledger
// configured. Receipts, results, appended events, and escalations all land
// in one local database; escalations get a generated task id since there is
// no human-review service to hand them to.
type Local struct {
	db *sql.DB
}

const localSchema = `
CREATE TABLE IF NOT EXISTS receipts (
	idempotency_key TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	intent_id TEXT NOT NULL,
	claimed_at TIMESTAMP NOT NULL,
	result_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_receipts_tenant ON receipts(tenant_id);

CREATE TABLE IF NOT EXISTS ledger_events (
	event_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	event_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_events_tenant ON ledger_events(tenant_id);

CREATE TABLE IF NOT EXISTS escalations (
	task_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	intent_id TEXT NOT NULL,
	canonical_action TEXT NOT NULL,
	risk_lane TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// NewLocal opens (and if needed creates) the local ledger database at dbPath.
func NewLocal(dbPath string) (*Local, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), localSchema); err != nil {
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return &Local{db: db}, nil
}

// Close releases the database connection.
func (l *Local) Close() error {
	return l.db.Close()
}

// Claim atomically claims an idempotency key. The insert either takes the
// key or hits the primary key and changes nothing, so concurrent claims for
// the same key resolve to exactly one winner.
func (l *Local) Claim(ctx context.Context, tenantID, intentID, idempotencyKey string) (bool, error) {
	ctx, span := tracer.Start(ctx, "ledger.local.claim",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO receipts (idempotency_key, tenant_id, intent_id, claimed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		idempotencyKey, tenantID, intentID, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("claiming receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming receipt: %w", err)
	}
	span.SetAttributes(attribute.Bool("ledger.claimed", n > 0))
	return n > 0, nil
}

// SyncResult stores the execution result against the claimed receipt.
func (l *Local) SyncResult(ctx context.Context, tenantID, idempotencyKey string, result map[string]any) error {
	ctx, span := tracer.Start(ctx, "ledger.local.sync_result")
	defer span.End()

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		UPDATE receipts SET result_json = ?
		WHERE idempotency_key = ? AND tenant_id = ?`,
		string(payload), idempotencyKey, tenantID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing result: %w", err)
	}
	return nil
}

// AppendEvent stores a risk event locally so the Local ledger can stand in
// as a riskevent.Appender.
func (l *Local) AppendEvent(ctx context.Context, ev *riskevent.Event) error {
	ctx, span := tracer.Start(ctx, "ledger.local.append_event",
		trace.WithAttributes(attribute.String("event.type", string(ev.EventType))))
	defer span.End()

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO ledger_events (event_id, tenant_id, event_type, created_at, event_json)
		VALUES (?, ?, ?, ?, ?)`,
		ev.EventID, ev.TenantID, string(ev.EventType), ev.CreatedAt, string(payload))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// Escalate records the escalation and returns a generated task id. A human
// has to pick these up out-of-band (warden events list shows them).
func (l *Local) Escalate(ctx context.Context, req *EscalationRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "ledger.local.escalate",
		trace.WithAttributes(attribute.String("tenant_id", req.TenantID)))
	defer span.End()

	taskID := "task_" + uuid.New().String()[:12]
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO escalations (task_id, tenant_id, intent_id, canonical_action, risk_lane, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, req.TenantID, req.IntentID, req.CanonicalAction, req.RiskLane, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("recording escalation: %w", err)
	}
	return taskID, nil
}

// PendingEscalations returns escalations for a tenant, newest first.
func (l *Local) PendingEscalations(ctx context.Context, tenantID string, limit int) ([]*EscalationRequest, error) {
	query := `
		SELECT intent_id, tenant_id, canonical_action, risk_lane FROM escalations
		WHERE tenant_id = ? ORDER BY created_at DESC`
	args := []interface{}{tenantID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing escalations: %w", err)
	}
	defer rows.Close()

	var out []*EscalationRequest
	for rows.Next() {
		req := &EscalationRequest{}
		if err := rows.Scan(&req.IntentID, &req.TenantID, &req.CanonicalAction, &req.RiskLane); err != nil {
			return nil, fmt.Errorf("scanning escalation: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
