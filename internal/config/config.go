// Package config holds OPERATOR-LEVEL configuration for a Warden installation.
//
// This is infrastructure config set by whoever deploys Warden, NOT tenant or
// end-user configuration. It covers the data directory, the risk-event
// signing key, the memory encryption key, the endpoints of the remote ledger
// and escalation services, and the inference backend. Set via env vars
// (WARDEN_*) or a config file (warden.config.yaml).
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/wardenlabs/warden/internal/cryptoutil"
)

// Viper keys. Each maps to an env var with the WARDEN_ prefix
// (e.g. "signing_key" → WARDEN_SIGNING_KEY) and to a YAML field
// in warden.config.yaml.
const (
	KeyDataDir             = "data_dir"
	KeySigningKey          = "signing_key"
	KeyMemoryKey           = "memory_key"
	KeyMemoryKeyVersion    = "memory_key_version"
	KeyLedgerURL           = "ledger_url"
	KeyEscalationURL       = "escalation_url"
	KeyInferenceBaseURL    = "inference_base_url"
	KeyInferenceAPIKey     = "inference_api_key"
	KeyInjectionThreshold  = "injection_threshold"
	KeySimilarityThreshold = "similarity_threshold"
	KeyEventBufferSize     = "event_buffer_size"
	KeyEnabled             = "enabled"
)

// Defaults that do NOT involve crypto material. Crypto keys intentionally
// have no baked-in defaults — when unset we generate a deterministic
// per-machine fallback and warn loudly.
const (
	DefaultInjectionThreshold  = 70
	DefaultSimilarityThreshold = 0.75
	DefaultEventBufferSize     = 100
	DefaultMemoryKeyVersion    = 1
)

// Config holds resolved operator-level configuration for a Warden process.
type Config struct {
	DataDir             string  // Base directory for all state (~/.warden)
	SigningKey          string  // HMAC-SHA256 key for risk-event signing (≥32 bytes)
	MemoryKey           string  // AES-256 key for memory content at rest (exactly 32 bytes)
	MemoryKeyVersion    int     // Version stamped onto newly encrypted memory items
	LedgerURL           string  // Remote ledger/audit sink base URL (empty = offline mode)
	EscalationURL       string  // Human-escalation endpoint base URL
	InferenceBaseURL    string  // OpenAI-compatible inference endpoint (empty = default)
	InferenceAPIKey     string  // API key for the inference endpoint
	InjectionThreshold  int     // Caller-level injection risk threshold (0-100)
	SimilarityThreshold float64 // Back-translation similarity threshold
	EventBufferSize     int     // Local risk-event buffer capacity
	Enabled             bool    // Master switch for the governance subsystem

	usingDefaultSigningKey bool
	usingDefaultMemoryKey  bool
}

// UsingDefaultKeys returns true if either crypto key fell back to
// a generated default. Commands should warn when this is the case.
func (c *Config) UsingDefaultKeys() bool {
	return c.usingDefaultSigningKey || c.usingDefaultMemoryKey
}

// MemoryDBPath returns the full path to the tiered memory SQLite database.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.DataDir, "memory.db")
}

// EventsDBPath returns the full path to the risk-event buffer SQLite database.
func (c *Config) EventsDBPath() string {
	return filepath.Join(c.DataDir, "events.db")
}

// LedgerDBPath returns the full path to the local ledger SQLite database,
// used when no remote ledger is configured.
func (c *Config) LedgerDBPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when crypto keys are not explicitly set.
// Suppressed when WARDEN_QUICKSTART=1 or true (first-time exploration, demos).
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default WARDEN_SIGNING_KEY — set via env var or config file for production")
	}
	if c.usingDefaultMemoryKey {
		log.Warn().Msg("Using generated default WARDEN_MEMORY_KEY — set via env var or config file for production")
	}
}

func isQuickstart() bool {
	v := os.Getenv("WARDEN_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
	viper.SetEnvPrefix("WARDEN")
	viper.AutomaticEnv()
	viper.SetDefault(KeyInjectionThreshold, DefaultInjectionThreshold)
	viper.SetDefault(KeySimilarityThreshold, DefaultSimilarityThreshold)
	viper.SetDefault(KeyEventBufferSize, DefaultEventBufferSize)
	viper.SetDefault(KeyMemoryKeyVersion, DefaultMemoryKeyVersion)
	viper.SetDefault(KeyEnabled, true)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:             resolveDataDir(),
		SigningKey:          viper.GetString(KeySigningKey),
		MemoryKey:           viper.GetString(KeyMemoryKey),
		MemoryKeyVersion:    viper.GetInt(KeyMemoryKeyVersion),
		LedgerURL:           viper.GetString(KeyLedgerURL),
		EscalationURL:       viper.GetString(KeyEscalationURL),
		InferenceBaseURL:    viper.GetString(KeyInferenceBaseURL),
		InferenceAPIKey:     viper.GetString(KeyInferenceAPIKey),
		InjectionThreshold:  viper.GetInt(KeyInjectionThreshold),
		SimilarityThreshold: viper.GetFloat64(KeySimilarityThreshold),
		EventBufferSize:     viper.GetInt(KeyEventBufferSize),
		Enabled:             viper.GetBool(KeyEnabled),
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "risk-event-signing")
		cfg.usingDefaultSigningKey = true
	}
	if cfg.MemoryKey == "" {
		cfg.MemoryKey = deriveDefaultKey(cfg.DataDir, "memory-encryption-")
		cfg.usingDefaultMemoryKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. Uses SHA-256 so the full salt always
// contributes to the output regardless of path length. This is NOT
// cryptographically strong — it exists solely so `warden serve` works out of
// the box while still signing and encrypting with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("warden:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	if err := validateMemoryKey(c.MemoryKey); err != nil {
		return err
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("event_buffer_size must be positive")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in [0,1]")
	}
	if c.InjectionThreshold < 0 || c.InjectionThreshold > 100 {
		return fmt.Errorf("injection_threshold must be in [0,100]")
	}
	if c.MemoryKeyVersion < 1 {
		return fmt.Errorf("memory_key_version must be >= 1")
	}
	return nil
}

// validateMemoryKey accepts either 32 raw bytes or 64 hex characters (decodes to 32 bytes for AES-256).
func validateMemoryKey(key string) error {
	n := len(key)
	if n == 32 {
		return nil
	}
	if n == 64 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return fmt.Errorf("memory_key hex must decode to 32 bytes: %w", err)
		}
		return nil
	}
	return fmt.Errorf("memory_key must be exactly 32 bytes or 64 hex characters (got %d); set WARDEN_MEMORY_KEY", n)
}

// validateSigningKey accepts either ≥32 raw bytes or ≥64 hex characters (decoded length ≥32 for HMAC-SHA256).
// Hex is checked first (disjoint from raw) so that hex format is validated; raw is accepted otherwise when n ≥ 32.
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) < 32 {
			return fmt.Errorf("signing_key hex must decode to at least 32 bytes: %w", err)
		}
		return nil
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set WARDEN_SIGNING_KEY", n)
}
