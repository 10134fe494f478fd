package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hash computes the canonical content hash of v under DefaultRules.
// Two values that differ only in skipped keys hash identically.
func Hash(v any) (string, error) {
	return HashWith(v, DefaultRules)
}

// HashWith computes the canonical content hash of v under r:
// SHA-256 over the canonical JSON of the normalized value, hex encoded.
func HashWith(v any, r Rules) (string, error) {
	normalized, err := Normalize(v, r)
	if err != nil {
		return "", fmt.Errorf("hash: normalize: %w", err)
	}
	data, err := Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("hash: marshal: %w", err)
	}
	return HashBytes(data), nil
}

// HashBytes digests already canonical bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MustHash is like Hash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}
