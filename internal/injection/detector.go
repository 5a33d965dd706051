// Package injection scans free-text action parameters for prompt-injection
// attempts. Detection combines a fixed pattern table (embedded YAML, operator
// overridable) with encoded-payload and statistical heuristics, producing a
// bounded 0-100 risk score. Blocking is the default safe behavior: any single
// pattern at or above the block severity forces a block regardless of the
// caller's threshold. Sanitization is a separate, explicitly opt-in step and
// never a substitute for blocking.
package injection

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel/attribute"

	wardenotel "github.com/wardenlabs/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/wardenlabs/warden/internal/injection")

const (
	// BlockSeverity is the severity at which a single pattern match forces
	// blocked=true, regardless of the caller-supplied threshold.
	BlockSeverity = 70

	// DefaultThreshold is the default accumulated-score block threshold.
	DefaultThreshold = 70

	// categoryBonus is added to the risk score for each matched category
	// beyond the first. Multiple attack categories in one input are a
	// stronger signal than repeated matches within one category.
	categoryBonus = 5

	encodedPayloadSeverity = 55
	statisticalSeverity    = 40
)

// Result is the outcome of scanning a single string value.
type Result struct {
	Detected        bool     `json:"detected"`
	Blocked         bool     `json:"blocked"`
	PatternsMatched []string `json:"patterns_matched"`
	RiskScore       int      `json:"risk_score"` // 0-100
	Warnings        []string `json:"warnings,omitempty"`
}

// Detector scans text against the compiled pattern table plus heuristics.
type Detector struct {
	patterns  []Pattern
	threshold int
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold overrides the accumulated-score block threshold.
// Values outside [0,100] are ignored.
func WithThreshold(threshold int) Option {
	return func(d *Detector) {
		if threshold >= 0 && threshold <= 100 {
			d.threshold = threshold
		}
	}
}

// WithPatterns replaces the default pattern table.
func WithPatterns(patterns []Pattern) Option {
	return func(d *Detector) {
		d.patterns = patterns
	}
}

// NewDetector creates a detector with the embedded default pattern table.
func NewDetector(opts ...Option) (*Detector, error) {
	recs, err := DefaultRecognizers()
	if err != nil {
		return nil, err
	}
	compiled, err := CompilePatterns(recs)
	if err != nil {
		return nil, err
	}
	d := &Detector{
		patterns:  compiled,
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// MustNewDetector is NewDetector that panics on error. The embedded patterns
// are validated at build time by tests, so failure here means a corrupted
// binary.
func MustNewDetector(opts ...Option) *Detector {
	d, err := NewDetector(opts...)
	if err != nil {
		panic(fmt.Sprintf("loading embedded injection patterns: %v", err))
	}
	return d
}

// Patterns returns the compiled pattern table. Callers must not mutate it.
func (d *Detector) Patterns() []Pattern { return d.patterns }

// Detect scans text and returns a Result. The input is never mutated.
func (d *Detector) Detect(ctx context.Context, text string) *Result {
	_, span := tracer.Start(ctx, "injection.detect")
	defer span.End()

	result := &Result{PatternsMatched: []string{}}

	// Max severity seen per category; the score rewards breadth across
	// categories rather than repeated hits within one.
	categoryMax := make(map[string]int)
	forceBlock := false

	for i := range d.patterns {
		p := &d.patterns[i]
		if !p.Regex.MatchString(text) {
			continue
		}
		result.Detected = true
		result.PatternsMatched = append(result.PatternsMatched, p.Name+": "+p.Description)
		if p.Severity > categoryMax[p.Category] {
			categoryMax[p.Category] = p.Severity
		}
		if p.Severity >= BlockSeverity {
			forceBlock = true
		}
	}

	if name, ok := detectEncodedPayload(text); ok {
		result.Detected = true
		result.PatternsMatched = append(result.PatternsMatched, "Encoded Payload: "+name)
		result.Warnings = append(result.Warnings, "encoded payload heuristic: "+name)
		if encodedPayloadSeverity > categoryMax["encoded_payload"] {
			categoryMax["encoded_payload"] = encodedPayloadSeverity
		}
	}

	for _, warning := range statisticalWarnings(text) {
		result.Detected = true
		result.Warnings = append(result.Warnings, warning)
		if statisticalSeverity > categoryMax["statistical"] {
			categoryMax["statistical"] = statisticalSeverity
		}
	}

	result.RiskScore = scoreCategories(categoryMax)
	result.Blocked = forceBlock || result.RiskScore >= d.threshold

	span.SetAttributes(
		attribute.Bool("injection.detected", result.Detected),
		attribute.Bool("injection.blocked", result.Blocked),
		attribute.Int("injection.risk_score", result.RiskScore),
		attribute.Int("injection.patterns_matched", len(result.PatternsMatched)),
	)

	return result
}

// scoreCategories combines per-category maxima into a 0-100 risk score:
// the highest category severity, plus a small bonus per additional
// matched category, capped at 100.
func scoreCategories(categoryMax map[string]int) int {
	score := 0
	for _, sev := range categoryMax {
		if sev > score {
			score = sev
		}
	}
	if extra := len(categoryMax) - 1; extra > 0 {
		score += extra * categoryBonus
	}
	if score > 100 {
		score = 100
	}
	return score
}

var (
	base64RunRe  = regexp.MustCompile(`[A-Za-z0-9+/]{48,}={0,2}`)
	hexRunRe     = regexp.MustCompile(`(?:0x)?[0-9a-fA-F]{40,}`)
	unicodeEscRe = regexp.MustCompile(`(?:\\u[0-9a-fA-F]{4}){5,}`)
)

// detectEncodedPayload checks for long encoded runs that typically smuggle
// instructions past plain-text pattern matching.
func detectEncodedPayload(text string) (string, bool) {
	switch {
	case base64RunRe.MatchString(text):
		return "long base64-like run", true
	case hexRunRe.MatchString(text):
		return "long hex run", true
	case unicodeEscRe.MatchString(text):
		return "unicode escape sequence run", true
	}
	return "", false
}

// Statistical heuristic cutoffs. Short inputs are skipped entirely so that
// ordinary parameter values ("N/A", "US-East-1") never trip them.
const (
	minStatLength       = 24
	minStatTokens       = 8
	specialcharRatioMax = 0.35 // printable-symbol share of all runes
	capsRatioMax        = 0.6
	repetitionRatioMax  = 0.6
)

// statisticalWarnings flags anomalous token statistics: high special-character
// density, shouting, and heavy token repetition. These contribute a modest
// score and never force a block on their own.
func statisticalWarnings(text string) []string {
	if len(text) < minStatLength {
		return nil
	}

	var warnings []string

	var special, letters, upper int
	for _, r := range text {
		switch {
		case unicode.IsLetter(r):
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		case unicode.IsDigit(r) || unicode.IsSpace(r):
		default:
			special++
		}
	}
	total := len([]rune(text))
	if total > 0 && float64(special)/float64(total) > specialcharRatioMax {
		warnings = append(warnings, "high special-character ratio")
	}
	if letters >= minStatLength/2 && float64(upper)/float64(letters) > capsRatioMax {
		warnings = append(warnings, "high capitalization ratio")
	}

	tokens := strings.Fields(text)
	if len(tokens) >= minStatTokens {
		seen := make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			seen[strings.ToLower(tok)] = struct{}{}
		}
		repetition := 1.0 - float64(len(seen))/float64(len(tokens))
		if repetition > repetitionRatioMax {
			warnings = append(warnings, "high token repetition ratio")
		}
	}

	return warnings
}
