// Package inference models the external inference capability: embeddings and
// machine translation behind a narrow Client interface, bounded by a sticky
// per-session Budget and executed off the caller's path by a worker Pool.
package inference

import (
	"context"
	"errors"
	"time"

	wardenotel "github.com/wardenlabs/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/wardenlabs/warden/internal/inference")

// Timeouts for inference operations.
const (
	TimeoutEmbed     = 30 * time.Second
	TimeoutTranslate = 60 * time.Second
)

// Domain errors for the inference package.
var (
	ErrBudgetExceeded = errors.New("inference budget exceeded")
	ErrEmptyInput     = errors.New("empty input")
	ErrPoolClosed     = errors.New("inference pool closed")
	ErrCanceled       = errors.New("inference request canceled")
)

// Client is the interface all inference providers must implement.
type Client interface {
	// Name returns the provider identifier (e.g. "openai", "local").
	Name() string
	// Embed returns one embedding vector per input text, in input order.
	// All vectors from one provider have the same dimensionality.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Translate translates text from sourceLocale to targetLocale.
	// Locales are BCP-47 tags.
	Translate(ctx context.Context, text, sourceLocale, targetLocale string) (string, error)
}
