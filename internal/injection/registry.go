package injection

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/wardenlabs/warden/patterns"
)

// RecognizerFile is the top-level YAML structure for a recognizer config file.
// Mirrors Presidio's recognizer registry YAML format.
type RecognizerFile struct {
	Recognizers []RecognizerConfig `yaml:"recognizers"`
}

// RecognizerConfig mirrors Presidio's YAML recognizer schema with Warden
// extensions (category, severity).
type RecognizerConfig struct {
	Name            string          `yaml:"name" json:"name"`
	SupportedEntity string          `yaml:"supported_entity" json:"supported_entity"`
	Category        string          `yaml:"category" json:"category"`
	Enabled         *bool           `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Severity        int             `yaml:"severity" json:"severity"` // 0-100
	Patterns        []PatternConfig `yaml:"patterns,omitempty" json:"patterns,omitempty"`
}

// PatternConfig is a single regex pattern within a recognizer. Example is a
// known-hostile input the regex must match; it documents the pattern and
// anchors the detection tests.
type PatternConfig struct {
	Name    string  `yaml:"name" json:"name"`
	Regex   string  `yaml:"regex" json:"regex"`
	Score   float64 `yaml:"score" json:"score"`
	Example string  `yaml:"example,omitempty" json:"example,omitempty"`
}

// isEnabled returns true if the recognizer is enabled (defaults to true when nil).
func (r *RecognizerConfig) isEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// Pattern is a compiled injection pattern ready for scanning.
type Pattern struct {
	Name        string // recognizer name ("Instruction Override")
	Description string // pattern name within the recognizer
	Category    string // scoring category (instruction_override, jailbreak, ...)
	Severity    int    // 0-100; >= 70 forces a block on match
	Example     string // known-hostile input the regex matches
	Regex       *regexp.Regexp
}

// ParseRecognizerFile parses recognizer YAML bytes into a RecognizerFile.
func ParseRecognizerFile(data []byte) (*RecognizerFile, error) {
	var rf RecognizerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing recognizer YAML: %w", err)
	}
	return &rf, nil
}

// LoadRecognizerFile reads and parses a recognizer YAML file from disk.
// Returns nil (not an error) if the file does not exist, so callers can
// treat a missing operator override file as a no-op.
func LoadRecognizerFile(path string) (*RecognizerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recognizer file %s: %w", path, err)
	}
	return ParseRecognizerFile(data)
}

// DefaultRecognizers returns the built-in injection recognizers parsed from
// the embedded injection.yaml file.
func DefaultRecognizers() ([]RecognizerConfig, error) {
	rf, err := ParseRecognizerFile(patterns.InjectionYAML())
	if err != nil {
		return nil, fmt.Errorf("parsing embedded injection patterns: %w", err)
	}
	return rf.Recognizers, nil
}

// MergeRecognizers layers operator overrides on top of the defaults.
// Later layers override earlier ones by matching on the recognizer Name
// field; new recognizers are appended in layer order.
func MergeRecognizers(layers ...[]RecognizerConfig) []RecognizerConfig {
	index := make(map[string]int)
	var merged []RecognizerConfig

	for _, layer := range layers {
		for i := range layer {
			rc := layer[i]
			if idx, exists := index[rc.Name]; exists {
				merged[idx] = rc
			} else {
				index[rc.Name] = len(merged)
				merged = append(merged, rc)
			}
		}
	}

	return merged
}

// CompilePatterns converts recognizer configs into compiled Pattern entries.
// Disabled recognizers are skipped. Each regex in a recognizer produces one
// Pattern carrying the recognizer's category and severity.
func CompilePatterns(recognizers []RecognizerConfig) ([]Pattern, error) {
	var result []Pattern

	for i := range recognizers {
		rec := &recognizers[i]
		if !rec.isEnabled() {
			continue
		}
		if rec.Severity < 0 || rec.Severity > 100 {
			return nil, fmt.Errorf("recognizer %q severity %d out of range [0,100]", rec.Name, rec.Severity)
		}
		for _, p := range rec.Patterns {
			compiled, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compiling pattern %q in %q: %w", p.Name, rec.Name, err)
			}
			result = append(result, Pattern{
				Name:        rec.Name,
				Description: p.Name,
				Category:    rec.Category,
				Severity:    rec.Severity,
				Example:     p.Example,
				Regex:       compiled,
			})
		}
	}

	return result, nil
}
