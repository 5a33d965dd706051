package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T, pol *Policy) *Engine {
	t.Helper()
	eng, err := NewEngine(context.Background(), pol)
	require.NoError(t, err)
	return eng
}

func TestActionRiskLevel(t *testing.T) {
	eng := testEngine(t, DefaultPolicy())
	ctx := context.Background()

	tests := []struct {
		action string
		want   string
	}{
		{"payments.transfer", RiskHigh},
		{"payments.refund", RiskHigh},
		{"secrets.read", RiskHigh},
		{"files.delete", RiskHigh},
		{"mail.send", RiskMedium},
		{"files.write", RiskMedium},
		{"webhook.invoke", RiskMedium},
		{"calendar.read", RiskLow},
		{"notes.create", RiskLow},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			level, err := eng.ActionRiskLevel(ctx, tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, level)
		})
	}
}

func TestActionRiskLevelHighWinsOverMedium(t *testing.T) {
	pol := DefaultPolicy()
	pol.MediumRiskActions = append(pol.MediumRiskActions, "payments.transfer")
	eng := testEngine(t, pol)

	level, err := eng.ActionRiskLevel(context.Background(), "payments.transfer")
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, level)
}

func TestEvaluateQuotaBelowLimits(t *testing.T) {
	eng := testEngine(t, DefaultPolicy())

	decision, err := eng.EvaluateQuota(context.Background(), 10, 2)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "allow", decision.Action)
	assert.Empty(t, decision.Reasons)
	assert.Equal(t, DefaultPolicy().VersionTag, decision.PolicyVersion)
}

func TestEvaluateQuotaExecutionsAtLimit(t *testing.T) {
	pol := DefaultPolicy()
	pol.Quotas.DailyMaxExecutions = 100
	eng := testEngine(t, pol)

	decision, err := eng.EvaluateQuota(context.Background(), 100, 0)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "deny", decision.Action)
	require.Len(t, decision.Reasons, 1)
	assert.Contains(t, decision.Reasons[0], "execution quota")
}

func TestEvaluateQuotaEscalationsOverLimit(t *testing.T) {
	pol := DefaultPolicy()
	pol.Quotas.DailyMaxEscalations = 5
	eng := testEngine(t, pol)

	decision, err := eng.EvaluateQuota(context.Background(), 0, 7)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	require.Len(t, decision.Reasons, 1)
	assert.Contains(t, decision.Reasons[0], "escalation quota")
}

func TestEvaluateQuotaBothExceeded(t *testing.T) {
	pol := DefaultPolicy()
	pol.Quotas = Quotas{DailyMaxExecutions: 10, DailyMaxEscalations: 1}
	eng := testEngine(t, pol)

	decision, err := eng.EvaluateQuota(context.Background(), 10, 1)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Len(t, decision.Reasons, 2)
}

func TestEvaluateQuotaZeroLimitDisablesCheck(t *testing.T) {
	pol := DefaultPolicy()
	pol.Quotas = Quotas{DailyMaxExecutions: 0, DailyMaxEscalations: 0}
	eng := testEngine(t, pol)

	decision, err := eng.EvaluateQuota(context.Background(), 1_000_000, 1_000_000)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Reasons)
}

func TestEngineVersion(t *testing.T) {
	eng := testEngine(t, DefaultPolicy())
	assert.NotEmpty(t, eng.Version())
	assert.Equal(t, DefaultPolicy().VersionTag, eng.Version())
}
