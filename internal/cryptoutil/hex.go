// Package cryptoutil holds small helpers shared by key handling code.
package cryptoutil

// IsHexString reports whether s consists solely of hexadecimal characters.
func IsHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
