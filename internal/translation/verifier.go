// Package translation verifies translation fidelity for cross-locale actions
// via a round trip: forward-translate, back-translate, embed both endpoints,
// and compare cosine similarity against a threshold. Any error along the way
// fails closed — a verification that could not complete is a FAILED
// verification, never a pass.
package translation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wardenlabs/warden/internal/inference"
	wardenotel "github.com/wardenlabs/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/wardenlabs/warden/internal/translation")

// DefaultThreshold is the minimum round-trip cosine similarity for a
// verification to pass.
const DefaultThreshold = 0.75

// Status is the outcome of a round-trip verification.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Verification is the ephemeral result of one round-trip check. It is
// consumed immediately by risk classification and never persisted.
type Verification struct {
	OriginalText       string  `json:"original_text"`
	OriginalLocale     string  `json:"original_locale"`
	TranslatedText     string  `json:"translated_text"`
	TargetLocale       string  `json:"target_locale"`
	BackTranslatedText string  `json:"back_translated_text"`
	SimilarityScore    float64 `json:"similarity_score"`
	Threshold          float64 `json:"threshold"`
	Passed             bool    `json:"passed"`
	Status             Status  `json:"translation_status"`
	// Err carries the failure cause when the round trip itself errored.
	// A below-threshold similarity is a FAILED status with a nil Err.
	Err error `json:"-"`
}

// Verifier performs round-trip translation checks against an inference client.
type Verifier struct {
	client    inference.Client
	threshold float64
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithThreshold overrides the similarity threshold. Values outside (0,1]
// are ignored.
func WithThreshold(threshold float64) Option {
	return func(v *Verifier) {
		if threshold > 0 && threshold <= 1 {
			v.threshold = threshold
		}
	}
}

// NewVerifier creates a verifier with the default threshold.
func NewVerifier(client inference.Client, opts ...Option) *Verifier {
	v := &Verifier{client: client, threshold: DefaultThreshold}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the round trip for text between sourceLocale and targetLocale.
// The returned Verification always carries a terminal Status; errors from the
// inference capability are folded into a FAILED result (fail-closed) rather
// than retried.
func (v *Verifier) Verify(ctx context.Context, text, sourceLocale, targetLocale string) *Verification {
	ctx, span := tracer.Start(ctx, "translation.verify")
	defer span.End()

	result := &Verification{
		OriginalText:   text,
		OriginalLocale: sourceLocale,
		TargetLocale:   targetLocale,
		Threshold:      v.threshold,
		Status:         StatusFailed,
	}

	forward, err := v.client.Translate(ctx, text, sourceLocale, targetLocale)
	if err != nil {
		result.Err = err
		span.RecordError(err)
		return result
	}
	result.TranslatedText = forward

	back, err := v.client.Translate(ctx, forward, targetLocale, sourceLocale)
	if err != nil {
		result.Err = err
		span.RecordError(err)
		return result
	}
	result.BackTranslatedText = back

	vectors, err := v.client.Embed(ctx, []string{text, back})
	if err != nil {
		result.Err = err
		span.RecordError(err)
		return result
	}
	if len(vectors) != 2 {
		result.Err = fmt.Errorf("embedding round-trip pair: expected 2 vectors, got %d", len(vectors))
		span.RecordError(result.Err)
		return result
	}

	result.SimilarityScore = inference.Cosine(vectors[0], vectors[1])
	result.Passed = result.SimilarityScore >= v.threshold
	if result.Passed {
		result.Status = StatusSuccess
	}

	span.SetAttributes(
		attribute.Float64("translation.similarity", result.SimilarityScore),
		attribute.Bool("translation.passed", result.Passed),
		attribute.String("translation.source_locale", sourceLocale),
		attribute.String("translation.target_locale", targetLocale),
	)

	return result
}
