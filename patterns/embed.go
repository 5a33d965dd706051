// Package patterns provides embedded default recognizer definitions.
// YAML files in this directory use a Presidio-compatible recognizer format
// with Warden extensions (category, severity).
package patterns

import _ "embed"

//go:embed injection.yaml
var injectionYAML []byte

// InjectionYAML returns the embedded default injection recognizer definitions.
func InjectionYAML() []byte { return injectionYAML }
