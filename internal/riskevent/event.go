// Package riskevent provides the append-only audit trail for governance
// decisions. Every rejected, downgraded, or suspicious intent produces a
// RiskEvent that is HMAC-signed, shipped to the remote ledger when reachable,
// and otherwise held in a bounded local buffer until a sync succeeds.
package riskevent

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies a risk event.
type EventType string

const (
	TypeInjectionAttempt   EventType = "injection_attempt"
	TypeTranslationFailed  EventType = "translation_failed"
	TypeQuotaExceeded      EventType = "quota_exceeded"
	TypeSuspiciousActivity EventType = "suspicious_activity"
	TypeExecutionBlocked   EventType = "execution_blocked"
	TypeValidationFailed   EventType = "validation_failed"
	TypeRateLimitExceeded  EventType = "rate_limit_exceeded"
	TypeUnauthorizedAction EventType = "unauthorized_action"
)

// Event is an immutable audit record. Once created it is never mutated or
// deleted; the local buffer only evicts events that were never shipped when
// capacity forces it to.
type Event struct {
	EventID       string         `json:"event_id"`
	TenantID      string         `json:"tenant_id"`
	EventType     EventType      `json:"event_type"`
	RiskLane      string         `json:"risk_lane,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	BlockedAction string         `json:"blocked_action,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Signature     string         `json:"signature,omitempty"`
}

// NewEvent creates an event with a generated id and UTC timestamp.
func NewEvent(tenantID string, eventType EventType) *Event {
	return &Event{
		EventID:   "evt_" + uuid.New().String()[:12],
		TenantID:  tenantID,
		EventType: eventType,
		Details:   map[string]any{},
		CreatedAt: time.Now().UTC(),
	}
}

// WithLane sets the risk lane and returns the event for chaining.
func (e *Event) WithLane(lane string) *Event {
	e.RiskLane = lane
	return e
}

// WithTrace sets the trace id and returns the event for chaining.
func (e *Event) WithTrace(traceID string) *Event {
	e.TraceID = traceID
	return e
}

// WithBlockedAction sets the blocked action and returns the event for chaining.
func (e *Event) WithBlockedAction(action string) *Event {
	e.BlockedAction = action
	return e
}

// WithDetail adds one detail field and returns the event for chaining.
func (e *Event) WithDetail(key string, value any) *Event {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}
