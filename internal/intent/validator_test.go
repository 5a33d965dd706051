package intent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/translation"
)

// validIntent returns an intent that passes every check.
func validIntent() *ExecutionIntent {
	it := New("tenant-a", "calendar.create_event")
	it.Locale = "de-DE"
	it.Confidence = 0.92
	it.UserConfirmed = true
	it.Parameters["title"] = "quarterly review"
	return it
}

func TestValidateAccepts(t *testing.T) {
	v := NewValidator()
	assert.Nil(t, v.Validate(context.Background(), validIntent()))
}

func TestValidateOrderedReasons(t *testing.T) {
	v := NewValidator()
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*ExecutionIntent)
		reason string
	}{
		{"missing tenant", func(it *ExecutionIntent) { it.TenantID = "" }, ReasonMissingIdentity},
		{"missing intent id", func(it *ExecutionIntent) { it.IntentID = "" }, ReasonMissingIdentity},
		{"missing trace id", func(it *ExecutionIntent) { it.TraceID = "" }, ReasonMissingIdentity},
		{"missing action", func(it *ExecutionIntent) { it.CanonicalAction = "" }, ReasonMissingIdentity},
		{"bad locale", func(it *ExecutionIntent) { it.Locale = "German" }, ReasonInvalidLocale},
		{"bad target locale", func(it *ExecutionIntent) { it.TargetLocale = "DE-de" }, ReasonInvalidLocale},
		{"confidence above one", func(it *ExecutionIntent) { it.Confidence = 1.2 }, ReasonInvalidConfidence},
		{"confidence negative", func(it *ExecutionIntent) { it.Confidence = -0.1 }, ReasonInvalidConfidence},
		{"failed translation", func(it *ExecutionIntent) { it.TranslationStatus = translation.StatusFailed }, ReasonTranslationFailed},
		{"low confidence", func(it *ExecutionIntent) { it.Confidence = 0.69 }, ReasonConfidenceBelowThreshold},
		{"unconfirmed", func(it *ExecutionIntent) { it.UserConfirmed = false }, ReasonUserConfirmationRequired},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			it := validIntent()
			tc.mutate(it)
			verr := v.Validate(ctx, it)
			require.NotNil(t, verr)
			assert.Equal(t, tc.reason, verr.Reason)
		})
	}
}

func TestValidateFirstFailingReasonWins(t *testing.T) {
	// An intent broken in multiple ways reports the earliest check.
	it := validIntent()
	it.Locale = "not-a-locale!"
	it.Confidence = 5
	it.UserConfirmed = false

	verr := NewValidator().Validate(context.Background(), it)
	require.NotNil(t, verr)
	assert.Equal(t, ReasonInvalidLocale, verr.Reason, "locale check precedes confidence and confirmation")

	it.TenantID = ""
	verr = NewValidator().Validate(context.Background(), it)
	require.NotNil(t, verr)
	assert.Equal(t, ReasonMissingIdentity, verr.Reason, "identity check runs first")
}

func TestValidateLocaleShapes(t *testing.T) {
	valid := []string{"en", "de-DE", "fr-FR", "zh-Hans-CN", "pt-BR", "sr-Latn-RS", "yue"}
	invalid := []string{"", "e", "EN", "en_US", "de-de", "german", "en-Usa", "a1-DE"}

	for _, locale := range valid {
		it := validIntent()
		it.Locale = locale
		assert.Nil(t, NewValidator().Validate(context.Background(), it), "locale %q should pass", locale)
	}
	for _, locale := range invalid {
		it := validIntent()
		it.Locale = locale
		verr := NewValidator().Validate(context.Background(), it)
		require.NotNil(t, verr, "locale %q should fail", locale)
		assert.Equal(t, ReasonInvalidLocale, verr.Reason)
	}
}

func TestValidateConfidenceBoundaries(t *testing.T) {
	v := NewValidator()
	ctx := context.Background()

	it := validIntent()
	it.Confidence = 0.7
	assert.Nil(t, v.Validate(ctx, it), "exactly at threshold passes")

	it = validIntent()
	it.Confidence = 1.0
	assert.Nil(t, v.Validate(ctx, it))

	it = validIntent()
	it.Confidence = 0.0
	verr := v.Validate(ctx, it)
	require.NotNil(t, verr)
	assert.Equal(t, ReasonConfidenceBelowThreshold, verr.Reason, "0.0 is in range but below threshold")
}

func TestValidateSchemaViolations(t *testing.T) {
	v := NewValidator()
	ctx := context.Background()

	t.Run("malformed idempotency key", func(t *testing.T) {
		it := validIntent()
		it.IdempotencyKey = "not-hex"
		verr := v.Validate(ctx, it)
		require.NotNil(t, verr)
		assert.Equal(t, ReasonSchemaViolation, verr.Reason)
	})

	t.Run("malformed action name", func(t *testing.T) {
		it := validIntent()
		it.CanonicalAction = "Calendar Create!!"
		verr := v.Validate(ctx, it)
		require.NotNil(t, verr)
		assert.Equal(t, ReasonSchemaViolation, verr.Reason)
	})

	t.Run("malformed tenant id", func(t *testing.T) {
		it := validIntent()
		it.TenantID = "tenant a/../b"
		verr := v.Validate(ctx, it)
		require.NotNil(t, verr)
		assert.Equal(t, ReasonSchemaViolation, verr.Reason)
	})
}

func TestNewIntentDefaults(t *testing.T) {
	it := New("tenant-a", "mail.send")
	assert.NotEmpty(t, it.IntentID)
	assert.NotEmpty(t, it.TraceID)
	assert.Regexp(t, "^[0-9a-f]{32}$", it.IdempotencyKey)
	assert.False(t, it.CreatedAt.IsZero())
}

func TestCrossLocale(t *testing.T) {
	it := validIntent()
	assert.False(t, it.CrossLocale())

	it.TargetLocale = "de-DE"
	assert.False(t, it.CrossLocale(), "same locale is not cross-locale")

	it.TargetLocale = "fr-FR"
	assert.True(t, it.CrossLocale())
}

func TestStringParameters(t *testing.T) {
	it := validIntent()
	it.Parameters = map[string]any{
		"subject": "hello",
		"count":   3,
		"body":    "world",
		"nested":  map[string]any{"x": "y"},
	}

	params := it.StringParameters()
	assert.Equal(t, map[string]string{"subject": "hello", "body": "world"}, params)
}
