package intent

import (
	"context"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/attribute"

	wardenotel "github.com/wardenlabs/warden/internal/otel"
	"github.com/wardenlabs/warden/internal/translation"
)

var tracer = wardenotel.Tracer("github.com/wardenlabs/warden/internal/intent")

// MinConfidence is the threshold below which an intent is rejected as too
// speculative to execute.
const MinConfidence = 0.7

// Validation failure reasons. Checks run in a fixed order and short-circuit
// on the first failure, so callers always see the earliest failing reason.
const (
	ReasonMissingIdentity          = "missing_identity"
	ReasonInvalidLocale            = "invalid_locale"
	ReasonInvalidConfidence        = "invalid_confidence"
	ReasonTranslationFailed        = "translation_failed"
	ReasonConfidenceBelowThreshold = "confidence_below_threshold"
	ReasonUserConfirmationRequired = "user_confirmation_required"
	ReasonSchemaViolation          = "schema_violation"
)

// bcp47Re matches the locale shape language[-Script][-REGION],
// e.g. "en", "de-DE", "zh-Hans-CN".
var bcp47Re = regexp.MustCompile(`^[a-z]{2,3}(-[A-Z][a-z]{3})?(-[A-Z]{2})?$`)

// ValidationError is a typed validation failure naming exactly which check
// failed.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func failed(reason, detail string) *ValidationError {
	return &ValidationError{Reason: reason, Detail: detail}
}

// Validator runs the ordered structural checks over raw intents.
type Validator struct {
	minConfidence float64
}

// NewValidator creates a validator with the default confidence threshold.
func NewValidator() *Validator {
	return &Validator{minConfidence: MinConfidence}
}

// Validate checks the intent. The check order is part of the contract:
// identity, locale shape, confidence range, translation status, confidence
// threshold, user confirmation, then schema. The first failing check ends
// validation; a nil return means the intent passed everything.
func (v *Validator) Validate(ctx context.Context, it *ExecutionIntent) *ValidationError {
	_, span := tracer.Start(ctx, "intent.validate")
	defer span.End()

	verr := v.validate(it)
	if verr != nil {
		span.SetAttributes(
			attribute.Bool("intent.valid", false),
			attribute.String("intent.failure_reason", verr.Reason),
		)
		return verr
	}

	span.SetAttributes(attribute.Bool("intent.valid", true))
	return nil
}

func (v *Validator) validate(it *ExecutionIntent) *ValidationError {
	switch {
	case it.TenantID == "":
		return failed(ReasonMissingIdentity, "tenant_id is required")
	case it.IntentID == "":
		return failed(ReasonMissingIdentity, "intent_id is required")
	case it.TraceID == "":
		return failed(ReasonMissingIdentity, "trace_id is required")
	case it.CanonicalAction == "":
		return failed(ReasonMissingIdentity, "canonical_action is required")
	}

	if !bcp47Re.MatchString(it.Locale) {
		return failed(ReasonInvalidLocale, fmt.Sprintf("locale %q is not language[-Script][-REGION]", it.Locale))
	}
	if it.TargetLocale != "" && !bcp47Re.MatchString(it.TargetLocale) {
		return failed(ReasonInvalidLocale, fmt.Sprintf("target locale %q is not language[-Script][-REGION]", it.TargetLocale))
	}

	if it.Confidence < 0 || it.Confidence > 1 {
		return failed(ReasonInvalidConfidence, fmt.Sprintf("confidence %v outside [0,1]", it.Confidence))
	}

	if it.TranslationStatus == translation.StatusFailed {
		return failed(ReasonTranslationFailed, "intent arrived with a failed translation")
	}

	if it.Confidence < v.minConfidence {
		return failed(ReasonConfidenceBelowThreshold,
			fmt.Sprintf("confidence %.2f below threshold %.2f", it.Confidence, v.minConfidence))
	}

	if !it.UserConfirmed {
		return failed(ReasonUserConfirmationRequired, "intent requires explicit user confirmation")
	}

	if err := ValidateSchema(it); err != nil {
		return failed(ReasonSchemaViolation, err.Error())
	}

	return nil
}
