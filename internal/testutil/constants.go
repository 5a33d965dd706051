// Package testutil provides shared constants for tests. Keys here are
// deliberately weak placeholders and must never be used outside tests.
package testutil

const (
	// SigningKey is a 32-byte HMAC key used across risk-event tests.
	SigningKey = "warden-test-signing-key-32-byte!"

	// MemoryKey is a 32-byte AES-256 key used across memory store tests.
	MemoryKey = "warden-test-memory-key-32-bytes!"

	// APIKey authenticates requests in server tests.
	APIKey = "warden-test-api-key"
)
