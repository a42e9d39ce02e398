// Package hash provides hashing utilities.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SHA256 computes the SHA256 hash of data and returns it as a hex string.
func SHA256(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SHA256String computes the SHA256 hash of a string.
func SHA256String(s string) string {
	return SHA256([]byte(s))
}

// EmbeddingKey returns the cache key for an embedding of text produced by model.
// Surrounding whitespace does not change the key.
func EmbeddingKey(model, text string) string {
	return SHA256String(model + "\x00" + strings.TrimSpace(text))
}
