package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

// regoPolicy maps a Rego file to the OPA query used to extract its result.
type regoPolicy struct {
	file  string
	query string
}

var allPolicies = []regoPolicy{
	{file: "rego/action_risk.rego", query: "data.warden.policy.action_risk.level"},
	{file: "rego/quota.rego", query: "data.warden.policy.quota.deny"},
}

// defaultRiskLevel is the fail-safe level when OPA returns no result or an
// unrecognised type. Medium forces the YELLOW lane rather than waving the
// action through.
const defaultRiskLevel = RiskMedium

// Engine evaluates governance policies using embedded OPA.
type Engine struct {
	policy   *Policy
	prepared map[string]rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with precompiled Rego policies. The
// provided Policy is serialized to JSON and loaded as OPA data.
func NewEngine(ctx context.Context, pol *Policy) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	policyData, err := policyToData(pol)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("converting policy to OPA data: %w", err)
	}

	prepared := make(map[string]rego.PreparedEvalQuery, len(allPolicies))
	for _, rp := range allPolicies {
		content, err := embeddedPolicies.ReadFile(rp.file)
		if err != nil {
			return nil, fmt.Errorf("reading embedded policy %s: %w", rp.file, err)
		}

		store := inmem.NewFromObject(map[string]interface{}{
			"policy": policyData,
		})

		r := rego.New(
			rego.Query(rp.query),
			rego.Module(rp.file, string(content)),
			rego.Store(store),
		)

		preparedQuery, err := r.PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("preparing Rego policy %s: %w", rp.file, err)
		}
		prepared[rp.file] = preparedQuery
	}

	span.SetAttributes(attribute.Int("policy.prepared_count", len(prepared)))

	return &Engine{policy: pol, prepared: prepared}, nil
}

// Version returns the loaded policy version tag.
func (e *Engine) Version() string {
	return e.policy.VersionTag
}

// ActionRiskLevel returns the intrinsic risk level (low/medium/high) of a
// canonical action. Evaluation failures fall back to medium, never low.
func (e *Engine) ActionRiskLevel(ctx context.Context, canonicalAction string) (string, error) {
	ctx, span := tracer.Start(ctx, "policy.action_risk",
		trace.WithAttributes(attribute.String("action", canonicalAction)))
	defer span.End()

	pq, ok := e.prepared["rego/action_risk.rego"]
	if !ok {
		return defaultRiskLevel, fmt.Errorf("action risk policy not prepared")
	}

	results, err := pq.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"canonical_action": canonicalAction,
	}))
	if err != nil {
		span.RecordError(err)
		return defaultRiskLevel, fmt.Errorf("evaluating action risk: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return defaultRiskLevel, nil
	}

	level, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return defaultRiskLevel, nil
	}

	span.SetAttributes(attribute.String("policy.risk_level", level))
	return level, nil
}

// EvaluateQuota checks execution volume counters against the configured
// quotas and returns a Decision with deny reasons when a quota is hit.
func (e *Engine) EvaluateQuota(ctx context.Context, dailyExecutions, dailyEscalations int) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate_quota",
		trace.WithAttributes(
			attribute.Int("quota.daily_executions", dailyExecutions),
			attribute.Int("quota.daily_escalations", dailyEscalations),
		))
	defer span.End()

	decision := &Decision{
		Allowed:       true,
		Action:        "allow",
		PolicyVersion: e.policy.VersionTag,
	}

	reasons, err := e.evaluateDenyPolicy(ctx, "rego/quota.rego", map[string]interface{}{
		"daily_executions":  dailyExecutions,
		"daily_escalations": dailyEscalations,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	decision.Reasons = append(decision.Reasons, reasons...)

	if len(decision.Reasons) > 0 {
		decision.Allowed = false
		decision.Action = "deny"
	}

	span.SetAttributes(
		attribute.Bool("policy.allowed", decision.Allowed),
		attribute.Int("policy.deny_reasons", len(decision.Reasons)),
	)
	if decision.Allowed {
		span.SetStatus(codes.Ok, "policy evaluation passed")
	}

	return decision, nil
}

// evaluateDenyPolicy runs a prepared Rego policy that produces a set of deny
// reason strings.
func (e *Engine) evaluateDenyPolicy(ctx context.Context, pkg string, input map[string]interface{}) ([]string, error) {
	pq, ok := e.prepared[pkg]
	if !ok {
		return nil, fmt.Errorf("policy package %s not prepared", pkg)
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", pkg, err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	// The result of querying "data.xxx.deny" is a set of strings. OPA
	// returns it as []interface{} or, occasionally, map[string]interface{}.
	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if msgStr, ok := msg.(string); ok {
				reasons = append(reasons, msgStr)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if msgStr, ok := msg.(string); ok {
				reasons = append(reasons, msgStr)
			}
		}
	}

	return reasons, nil
}

// policyToData converts a Policy struct to map[string]interface{} for OPA.
// Marshal to JSON then unmarshal to get clean map types.
func policyToData(pol *Policy) (map[string]interface{}, error) {
	jsonBytes, err := json.Marshal(pol)
	if err != nil {
		return nil, fmt.Errorf("marshalling policy: %w", err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("unmarshalling policy data: %w", err)
	}

	return data, nil
}
