// Package exec hosts the execution adapter: the state machine that takes an
// intent from Received through validation, risk classification, and receipt
// claiming to execution, escalation, or refusal. Every refusal carries a
// stable reason and, on the security paths, a risk event.
package exec

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wardenlabs/warden/internal/injection"
	"github.com/wardenlabs/warden/internal/intent"
	"github.com/wardenlabs/warden/internal/ledger"
	wardenotel "github.com/wardenlabs/warden/internal/otel"
	"github.com/wardenlabs/warden/internal/policy"
	"github.com/wardenlabs/warden/internal/riskevent"
	"github.com/wardenlabs/warden/internal/translation"
)

var tracer = wardenotel.Tracer("github.com/wardenlabs/warden/internal/exec")

// YellowScoreThreshold is the injection risk score at which a detected but
// not blocked intent is moved to the YELLOW lane.
const YellowScoreThreshold = 50

// Ledger is the remote claim/sync/escalation surface. *ledger.Client
// satisfies it.
type Ledger interface {
	Claim(ctx context.Context, tenantID, intentID, idempotencyKey string) (bool, error)
	SyncResult(ctx context.Context, tenantID, idempotencyKey string, result map[string]any) error
	Escalate(ctx context.Context, req *ledger.EscalationRequest) (string, error)
}

// EventLogger records risk events. *riskevent.Logger satisfies it.
type EventLogger interface {
	Log(ctx context.Context, ev *riskevent.Event) error
}

// Adapter drives intents through the execution state machine.
type Adapter struct {
	enabled   bool
	registry  *Registry
	ledger    Ledger
	events    EventLogger
	validator *intent.Validator
	detector  *injection.Detector
	verifier  *translation.Verifier
	policy    *policy.Engine
	breaker   *CircuitBreaker
	counters  *dailyCounters
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithDetector overrides the injection detector.
func WithDetector(d *injection.Detector) AdapterOption {
	return func(a *Adapter) { a.detector = d }
}

// WithVerifier enables translation round-trip verification for cross-locale
// intents. Without a verifier, cross-locale intents fail closed.
func WithVerifier(v *translation.Verifier) AdapterOption {
	return func(a *Adapter) { a.verifier = v }
}

// WithPolicyEngine wires action risk levels and quota checks.
func WithPolicyEngine(e *policy.Engine) AdapterOption {
	return func(a *Adapter) { a.policy = e }
}

// WithValidator overrides the intent validator.
func WithValidator(v *intent.Validator) AdapterOption {
	return func(a *Adapter) { a.validator = v }
}

// WithBreaker overrides the default circuit breaker.
func WithBreaker(cb *CircuitBreaker) AdapterOption {
	return func(a *Adapter) { a.breaker = cb }
}

// WithEnabled toggles the whole subsystem. When disabled, every operation
// returns a typed subsystem_disabled result instead of executing.
func WithEnabled(enabled bool) AdapterOption {
	return func(a *Adapter) { a.enabled = enabled }
}

// NewAdapter creates an execution adapter over an explicit action registry.
func NewAdapter(registry *Registry, led Ledger, events EventLogger, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		enabled:   true,
		registry:  registry,
		ledger:    led,
		events:    events,
		validator: intent.NewValidator(),
		detector:  injection.MustNewDetector(),
		breaker:   NewCircuitBreaker(0, 0),
		counters:  &dailyCounters{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Execute runs one intent through the state machine and returns a structured
// result. Terminal states are never re-entered: retried intents with the
// same idempotency key reach the already-claimed branch.
func (a *Adapter) Execute(ctx context.Context, in *intent.ExecutionIntent) *Result {
	ctx, span := tracer.Start(ctx, "exec.execute",
		trace.WithAttributes(
			attribute.String("intent_id", in.IntentID),
			attribute.String("tenant_id", in.TenantID),
			attribute.String("action", in.CanonicalAction),
		))
	defer span.End()

	res := a.execute(ctx, in)

	span.SetAttributes(
		attribute.Bool("exec.success", res.Success),
		attribute.String("exec.state", string(res.State)),
		attribute.String("exec.lane", string(res.RiskLane)),
	)
	if res.Reason != "" {
		span.SetAttributes(attribute.String("exec.reason", res.Reason))
	}
	recordOutcome(ctx, res)
	return res
}

func (a *Adapter) execute(ctx context.Context, in *intent.ExecutionIntent) *Result {
	if !a.enabled {
		return failure(in, StateFailed, ReasonSubsystemDisabled, "execution governance is disabled")
	}

	// Received -> Validated
	if verr := a.validator.Validate(ctx, in); verr != nil {
		a.logEvent(ctx, riskevent.NewEvent(in.TenantID, riskevent.TypeValidationFailed).
			WithTrace(in.TraceID).
			WithDetail("reason", verr.Reason).
			WithDetail("intent_id", in.IntentID))
		return failure(in, StateFailed, verr.Reason, verr.Detail)
	}

	if err := a.breaker.Check(in.TenantID, in.CanonicalAction); err != nil {
		a.logEvent(ctx, riskevent.NewEvent(in.TenantID, riskevent.TypeSuspiciousActivity).
			WithTrace(in.TraceID).
			WithBlockedAction(in.CanonicalAction).
			WithDetail("reason", ReasonCircuitOpen))
		return failure(in, StateFailed, ReasonCircuitOpen, err.Error())
	}
	// If this intent was admitted as the half-open probe, return the slot
	// unless the outcome already decided the circuit (RecordSuccess or
	// RecordBlocked clears it first, making this a no-op).
	defer a.breaker.ReleaseProbe(in.TenantID, in.CanonicalAction)

	// Validated -> Classified
	cls := a.classify(ctx, in)
	in.RiskLane = cls.lane

	switch cls.lane {
	case intent.LaneBlocked:
		return a.block(ctx, in, cls)
	case intent.LaneRed:
		return a.escalate(ctx, in)
	default:
		return a.run(ctx, in, cls)
	}
}

// classification carries the combined signals feeding the lane decision.
type classification struct {
	lane            intent.Lane
	injectionScore  int
	patternsMatched []string
	blockReason     string
	blockDetail     string
}

// classify runs the injection detector over every string parameter (max
// score retained), the translation verifier for cross-locale intents, and
// the policy engine for intrinsic action risk, then combines them into a
// lane. A caller-set RED lane is honored, never downgraded.
func (a *Adapter) classify(ctx context.Context, in *intent.ExecutionIntent) classification {
	ctx, span := tracer.Start(ctx, "exec.classify")
	defer span.End()

	cls := classification{}

	injectionBlocked := false
	detected := false
	for _, value := range sortedParamValues(in) {
		res := a.detector.Detect(ctx, value)
		if res.RiskScore > cls.injectionScore {
			cls.injectionScore = res.RiskScore
		}
		if res.Detected {
			detected = true
			cls.patternsMatched = append(cls.patternsMatched, res.PatternsMatched...)
		}
		if res.Blocked {
			injectionBlocked = true
		}
	}

	translationFailed := false
	var translationDetail string
	if in.CrossLocale() {
		if a.verifier == nil {
			translationFailed = true
			translationDetail = "no translation verifier configured for cross-locale intent"
			in.TranslationStatus = translation.StatusFailed
		} else {
			verification := a.verifier.Verify(ctx, crossLocaleText(in), in.Locale, in.TargetLocale)
			in.TranslationStatus = verification.Status
			if !verification.Passed {
				translationFailed = true
				translationDetail = fmt.Sprintf("round-trip similarity %.3f below threshold %.3f",
					verification.SimilarityScore, verification.Threshold)
				if verification.Err != nil {
					translationDetail = verification.Err.Error()
				}
			}
		}
	}

	riskLevel := policy.RiskLow
	if a.policy != nil {
		level, err := a.policy.ActionRiskLevel(ctx, in.CanonicalAction)
		if err != nil {
			log.Warn().Err(err).Str("action", in.CanonicalAction).Msg("action_risk_evaluation_failed")
		}
		riskLevel = level
	}

	switch {
	case injectionBlocked:
		cls.lane = intent.LaneBlocked
		cls.blockReason = ReasonInjectionBlocked
		cls.blockDetail = "prompt injection detected in parameters: " +
			strings.Join(cls.patternsMatched, "; ")
	case translationFailed:
		cls.lane = intent.LaneBlocked
		cls.blockReason = ReasonTranslationFailed
		cls.blockDetail = translationDetail
	case in.RiskLane == intent.LaneBlocked:
		cls.lane = intent.LaneBlocked
		cls.blockReason = ReasonRiskLaneBlocked
		cls.blockDetail = "intent arrived on the BLOCKED lane"
	case in.RiskLane == intent.LaneRed:
		cls.lane = intent.LaneRed
	case (detected && cls.injectionScore >= YellowScoreThreshold) ||
		riskLevel == policy.RiskHigh || riskLevel == policy.RiskMedium:
		cls.lane = intent.LaneYellow
	default:
		cls.lane = intent.LaneGreen
	}

	span.SetAttributes(
		attribute.String("exec.lane", string(cls.lane)),
		attribute.Int("exec.injection_score", cls.injectionScore),
		attribute.String("exec.action_risk", riskLevel),
	)
	return cls
}

// block terminates a BLOCKED-lane intent, pairing the refusal with the
// matching risk event.
func (a *Adapter) block(ctx context.Context, in *intent.ExecutionIntent, cls classification) *Result {
	eventType := riskevent.TypeExecutionBlocked
	switch cls.blockReason {
	case ReasonInjectionBlocked:
		eventType = riskevent.TypeInjectionAttempt
	case ReasonTranslationFailed:
		eventType = riskevent.TypeTranslationFailed
	}

	ev := riskevent.NewEvent(in.TenantID, eventType).
		WithLane(string(intent.LaneBlocked)).
		WithTrace(in.TraceID).
		WithBlockedAction(in.CanonicalAction).
		WithDetail("intent_id", in.IntentID)
	if cls.injectionScore > 0 {
		ev = ev.WithDetail("risk_score", cls.injectionScore).
			WithDetail("patterns_matched", cls.patternsMatched)
	}
	a.logEvent(ctx, ev)

	a.breaker.RecordBlocked(in.TenantID, in.CanonicalAction)

	log.Warn().
		Str("intent_id", in.IntentID).
		Str("tenant_id", in.TenantID).
		Str("action", in.CanonicalAction).
		Str("reason", cls.blockReason).
		Msg("intent_blocked")

	res := blockedResult(in, cls.blockReason, cls.blockDetail)
	res.InjectionScore = cls.injectionScore
	return res
}

// escalate routes a RED-lane intent to the human approval queue.
func (a *Adapter) escalate(ctx context.Context, in *intent.ExecutionIntent) *Result {
	taskID, err := a.ledger.Escalate(ctx, &ledger.EscalationRequest{
		IntentID:        in.IntentID,
		TenantID:        in.TenantID,
		CanonicalAction: in.CanonicalAction,
		RiskLane:        string(in.RiskLane),
		Parameters:      in.Parameters,
		TraceID:         in.TraceID,
	})
	if err != nil {
		log.Error().Err(err).Str("intent_id", in.IntentID).Msg("man_mode_escalation_failed")
		return failure(in, StateFailed, ReasonEscalationFailed, err.Error())
	}

	a.counters.recordEscalation(in.TenantID)
	return &Result{
		IntentID: in.IntentID,
		Success:  true,
		State:    StateEscalated,
		RiskLane: in.RiskLane,
		Result: map[string]any{
			"man_mode_escalated": true,
			"task_id":            taskID,
		},
	}
}

// run executes a GREEN or YELLOW intent: allowlist, quota, claim, invoke,
// fire-and-forget sync.
func (a *Adapter) run(ctx context.Context, in *intent.ExecutionIntent, cls classification) *Result {
	handler, ok := a.registry.Resolve(in.CanonicalAction)
	if !ok {
		a.logEvent(ctx, riskevent.NewEvent(in.TenantID, riskevent.TypeUnauthorizedAction).
			WithLane(string(in.RiskLane)).
			WithTrace(in.TraceID).
			WithBlockedAction(in.CanonicalAction).
			WithDetail("intent_id", in.IntentID))
		a.breaker.RecordBlocked(in.TenantID, in.CanonicalAction)
		return blockedResult(in, ReasonNotAllowlisted,
			fmt.Sprintf("action %q is not allowlisted", in.CanonicalAction))
	}

	if a.policy != nil {
		executions, escalations := a.counters.snapshot(in.TenantID)
		decision, err := a.policy.EvaluateQuota(ctx, executions, escalations)
		if err != nil {
			// Quota state is unknown; refuse rather than guess.
			return failure(in, StateFailed, ReasonQuotaExceeded,
				"quota evaluation failed: "+err.Error())
		}
		if !decision.Allowed {
			a.logEvent(ctx, riskevent.NewEvent(in.TenantID, riskevent.TypeQuotaExceeded).
				WithLane(string(in.RiskLane)).
				WithTrace(in.TraceID).
				WithBlockedAction(in.CanonicalAction).
				WithDetail("deny_reasons", decision.Reasons))
			return failure(in, StateFailed, ReasonQuotaExceeded,
				strings.Join(decision.Reasons, "; "))
		}
	}

	if in.RiskLane == intent.LaneYellow {
		a.logEvent(ctx, riskevent.NewEvent(in.TenantID, riskevent.TypeSuspiciousActivity).
			WithLane(string(in.RiskLane)).
			WithTrace(in.TraceID).
			WithDetail("intent_id", in.IntentID).
			WithDetail("action", in.CanonicalAction).
			WithDetail("risk_score", cls.injectionScore))
		log.Warn().
			Str("intent_id", in.IntentID).
			Str("action", in.CanonicalAction).
			Int("risk_score", cls.injectionScore).
			Msg("yellow_lane_execution")
	}

	claimed, err := a.ledger.Claim(ctx, in.TenantID, in.IntentID, in.IdempotencyKey)
	if err != nil {
		// Ambiguous claim state defaults to refusal, never retry.
		return failure(in, StateFailed, ReasonReceiptClaimFailed, err.Error())
	}
	if !claimed {
		return &Result{
			IntentID: in.IntentID,
			Success:  true,
			State:    StateCompleted,
			RiskLane: in.RiskLane,
			Result:   map[string]any{"idempotent": true},
			Receipt:  in.IdempotencyKey,
		}
	}

	out, err := a.invoke(ctx, handler, in)
	if err != nil {
		a.logEvent(ctx, riskevent.NewEvent(in.TenantID, riskevent.TypeSuspiciousActivity).
			WithLane(string(in.RiskLane)).
			WithTrace(in.TraceID).
			WithBlockedAction(in.CanonicalAction).
			WithDetail("reason", ReasonExecutionFailed).
			WithDetail("error", err.Error()))
		return failure(in, StateFailed, ReasonExecutionFailed, err.Error())
	}

	a.counters.recordExecution(in.TenantID)
	a.breaker.RecordSuccess(in.TenantID, in.CanonicalAction)

	// Fire-and-forget: sync failures are logged and swallowed, never
	// surfaced to a caller whose execution already completed.
	if err := a.ledger.SyncResult(ctx, in.TenantID, in.IdempotencyKey, out); err != nil {
		log.Debug().Err(err).Str("intent_id", in.IntentID).Msg("result_sync_failed")
	}

	return &Result{
		IntentID: in.IntentID,
		Success:  true,
		State:    StateCompleted,
		RiskLane: in.RiskLane,
		Result:   out,
		Receipt:  in.IdempotencyKey,
	}
}

// invoke calls the handler with panic recovery: an executor panic becomes an
// execution_failed error, never a crash.
func (a *Adapter) invoke(ctx context.Context, handler Handler, in *intent.ExecutionIntent) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return handler(ctx, in)
}

// ExecuteBatch processes intents sequentially, halting immediately after a
// RED or BLOCKED result. A duplicate idempotency key within the batch is
// rejected outright without attempting the claim.
func (a *Adapter) ExecuteBatch(ctx context.Context, intents []*intent.ExecutionIntent) []*Result {
	ctx, span := tracer.Start(ctx, "exec.execute_batch",
		trace.WithAttributes(attribute.Int("exec.batch_size", len(intents))))
	defer span.End()

	seen := make(map[string]bool, len(intents))
	results := make([]*Result, 0, len(intents))
	for _, in := range intents {
		if seen[in.IdempotencyKey] {
			results = append(results, failure(in, StateFailed, ReasonDuplicateBatchKey,
				fmt.Sprintf("idempotency key %s already used in this batch", in.IdempotencyKey)))
			continue
		}
		seen[in.IdempotencyKey] = true

		res := a.Execute(ctx, in)
		results = append(results, res)

		if res.RiskLane == intent.LaneRed || res.RiskLane == intent.LaneBlocked {
			span.SetAttributes(attribute.Int("exec.batch_halted_at", len(results)))
			break
		}
	}
	return results
}

// logEvent records a risk event; logging failures are buffered by the
// event logger itself and never block the execution path.
func (a *Adapter) logEvent(ctx context.Context, ev *riskevent.Event) {
	if a.events == nil {
		return
	}
	if err := a.events.Log(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event_type", string(ev.EventType)).Msg("risk_event_log_failed")
	}
}

// sortedParamValues returns string parameter values in deterministic key
// order for scanning and translation.
func sortedParamValues(in *intent.ExecutionIntent) []string {
	params := in.StringParameters()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, params[k])
	}
	return values
}

// crossLocaleText is the translation-verification surface: all string
// parameter values joined in key order.
func crossLocaleText(in *intent.ExecutionIntent) string {
	return strings.Join(sortedParamValues(in), "\n")
}

// dailyCounters tracks per-tenant, per-day execution volume for quota
// evaluation. Counters roll over at UTC midnight.
type dailyCounters struct {
	mu      sync.Mutex
	day     string
	tenants map[string]*tenantCounts
}

type tenantCounts struct {
	executions  int
	escalations int
}

func (c *dailyCounters) roll() {
	today := time.Now().UTC().Format("2006-01-02")
	if c.day != today || c.tenants == nil {
		c.day = today
		c.tenants = make(map[string]*tenantCounts)
	}
}

func (c *dailyCounters) counts(tenantID string) *tenantCounts {
	tc, ok := c.tenants[tenantID]
	if !ok {
		tc = &tenantCounts{}
		c.tenants[tenantID] = tc
	}
	return tc
}

func (c *dailyCounters) recordExecution(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll()
	c.counts(tenantID).executions++
}

func (c *dailyCounters) recordEscalation(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll()
	c.counts(tenantID).escalations++
}

func (c *dailyCounters) snapshot(tenantID string) (executions, escalations int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll()
	tc := c.counts(tenantID)
	return tc.executions, tc.escalations
}
