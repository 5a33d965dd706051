// Package policy evaluates intrinsic action risk and execution quotas using
// embedded OPA Rego policies. The risk level feeds lane classification;
// quota denials stop execution outright.
package policy

import (
	wardenotel "github.com/wardenlabs/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/wardenlabs/warden/internal/policy")

// Risk levels produced by the action_risk policy.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Policy is the operator-editable policy document loaded as OPA data.
type Policy struct {
	VersionTag string `json:"version_tag"`

	// Action risk tiers. Actions absent from both lists are low risk.
	HighRiskActions   []string `json:"high_risk_actions"`
	MediumRiskActions []string `json:"medium_risk_actions"`

	Quotas Quotas `json:"quotas"`
}

// Quotas bounds execution volume per tenant.
type Quotas struct {
	DailyMaxExecutions  int `json:"daily_max_executions"`
	DailyMaxEscalations int `json:"daily_max_escalations"`
}

// DefaultPolicy returns the built-in policy document. Operators override it
// via the policy file in the data directory.
func DefaultPolicy() *Policy {
	return &Policy{
		VersionTag: "v1",
		HighRiskActions: []string{
			"payments.transfer",
			"payments.refund",
			"secrets.read",
			"files.delete",
			"user.delete",
			"access.grant",
		},
		MediumRiskActions: []string{
			"mail.send",
			"files.write",
			"calendar.delete_event",
			"contacts.update",
			"webhook.invoke",
		},
		Quotas: Quotas{
			DailyMaxExecutions:  1000,
			DailyMaxEscalations: 50,
		},
	}
}

// Decision is the result of a deny-style policy evaluation.
type Decision struct {
	Allowed       bool     `json:"allowed"`
	Action        string   `json:"action"` // "allow" or "deny"
	Reasons       []string `json:"reasons,omitempty"`
	PolicyVersion string   `json:"policy_version"`
}
