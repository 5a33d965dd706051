// Package intent defines the ExecutionIntent — a request by an agent to
// perform one named action — and its validation pipeline: ordered structural
// checks followed by versioned JSON-schema validation.
package intent

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/wardenlabs/warden/internal/translation"
)

// Lane is the risk lane assigned by classification.
type Lane string

const (
	LaneGreen   Lane = "GREEN"
	LaneYellow  Lane = "YELLOW"
	LaneRed     Lane = "RED"
	LaneBlocked Lane = "BLOCKED"
)

// ExecutionIntent is a request to perform one named action. It is created by
// an upstream planner, consumed exactly once by the execution adapter, and
// terminal on success, failure, or escalation. An intent with the same
// idempotency key never executes its action twice, regardless of retries.
type ExecutionIntent struct {
	IntentID          string             `json:"intent_id"`
	TenantID          string             `json:"tenant_id"`
	IdempotencyKey    string             `json:"idempotency_key"`
	CanonicalAction   string             `json:"canonical_action"`
	CanonicalObject   string             `json:"canonical_object,omitempty"`
	Parameters        map[string]any     `json:"parameters,omitempty"`
	RiskLane          Lane               `json:"risk_lane,omitempty"` // empty until classified
	TraceID           string             `json:"trace_id"`
	SourceEventID     string             `json:"source_event_id,omitempty"`
	UserConfirmed     bool               `json:"user_confirmed"`
	Locale            string             `json:"locale"`
	TargetLocale      string             `json:"target_locale,omitempty"`
	Confidence        float64            `json:"confidence"`
	TranslationStatus translation.Status `json:"translation_status,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// New creates an intent with generated ids and a UTC timestamp. Callers fill
// in the governance fields (locale, confidence, user_confirmed) themselves.
func New(tenantID, canonicalAction string) *ExecutionIntent {
	return &ExecutionIntent{
		IntentID:        "int_" + uuid.New().String()[:12],
		TenantID:        tenantID,
		IdempotencyKey:  NewIdempotencyKey(),
		CanonicalAction: canonicalAction,
		TraceID:         uuid.New().String(),
		Parameters:      map[string]any{},
		CreatedAt:       time.Now().UTC(),
	}
}

// NewIdempotencyKey returns a fresh 32-character hex token.
func NewIdempotencyKey() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand read failures are unrecoverable process state.
		panic("reading random bytes: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// CrossLocale reports whether the intent requires translation verification:
// a target locale is set and differs from the source locale.
func (i *ExecutionIntent) CrossLocale() bool {
	return i.TargetLocale != "" && i.TargetLocale != i.Locale
}

// StringParameters returns the string-valued parameters, keyed as in
// Parameters. These are the injection-scan and translation surfaces.
func (i *ExecutionIntent) StringParameters() map[string]string {
	out := make(map[string]string)
	for k, v := range i.Parameters {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
