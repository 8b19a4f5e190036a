// Package idgen provides cryptographically random ID generation and
// deterministic keys for idempotent operations.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// keyNamespace scopes deterministic keys produced by Key.
var keyNamespace = uuid.MustParse("6f1c2b1e-93a4-4c55-9d0e-5b8e3c6a7f21")

// New generates a random UUIDv4.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "esc_", "pay_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Token generates a bearer capability token: prefix + 64 hex chars.
func Token(prefix string) string {
	return prefix + Hex(32)
}

// Key derives a stable UUIDv5 from parts. The same parts always yield the
// same key, which makes it usable as an idempotency key across restarts.
func Key(parts ...string) string {
	return uuid.NewSHA1(keyNamespace, []byte(strings.Join(parts, "|"))).String()
}
