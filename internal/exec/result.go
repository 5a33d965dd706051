package exec

import (
	"github.com/wardenlabs/warden/internal/intent"
)

// State is the adapter's position in the intent lifecycle.
type State string

const (
	StateReceived   State = "received"
	StateValidated  State = "validated"
	StateClassified State = "classified"
	StateBlocked    State = "blocked"
	StateEscalated  State = "escalated"
	StateExecuting  State = "executing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Stable machine-readable failure reasons, grouped by taxonomy kind.
const (
	// security
	ReasonInjectionBlocked = "injection_blocked"
	ReasonRiskLaneBlocked  = "risk_lane_blocked"
	// policy
	ReasonTranslationFailed = "translation_failed"
	ReasonNotAllowlisted    = "not_allowlisted"
	ReasonQuotaExceeded     = "quota_exceeded"
	// operational
	ReasonReceiptClaimFailed = "receipt_claim_failed"
	ReasonEscalationFailed   = "man_mode_escalation_failed"
	ReasonExecutionFailed    = "execution_failed"
	ReasonDuplicateBatchKey  = "duplicate_idempotency_key_in_batch"
	ReasonSubsystemDisabled  = "subsystem_disabled"
	ReasonCircuitOpen        = "circuit_open"
)

// Result is the structured outcome of processing one intent. Reason is empty
// on success and a stable machine-readable string on failure; no failure is
// ever converted to a success.
type Result struct {
	IntentID       string         `json:"intent_id"`
	Success        bool           `json:"success"`
	State          State          `json:"state"`
	RiskLane       intent.Lane    `json:"risk_lane,omitempty"`
	Blocked        bool           `json:"blocked,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Error          string         `json:"error,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Receipt        string         `json:"receipt,omitempty"`
	InjectionScore int            `json:"injection_score,omitempty"`
}

func failure(in *intent.ExecutionIntent, state State, reason, detail string) *Result {
	return &Result{
		IntentID: in.IntentID,
		State:    state,
		RiskLane: in.RiskLane,
		Reason:   reason,
		Error:    detail,
	}
}

func blockedResult(in *intent.ExecutionIntent, reason, detail string) *Result {
	res := failure(in, StateBlocked, reason, detail)
	res.Blocked = true
	return res
}
