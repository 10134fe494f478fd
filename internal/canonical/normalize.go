package canonical

import (
	"fmt"
	"strings"
	"unicode"
)

// nondeterministicTokens are matched as substrings of the folded key name
// (lower case, '_' and '-' removed), so "created_at", "createdAt" and
// "CreatedAt" all match "createdat".
var nondeterministicTokens = []string{
	"timestamp",
	"createdat",
	"updatedat",
	"lastactivity",
	"duration",
	"executiontime",
	"random",
	"uuid",
}

// Rules decides which object keys are dropped before hashing.
// The zero value applies the default nondeterminism patterns only.
type Rules struct {
	extra map[string]bool
}

// DefaultRules drops timestamps, durations, random values and generated ids.
var DefaultRules = Rules{}

// With returns a copy of r that additionally drops the named keys
// (case-insensitive exact match).
func (r Rules) With(keys ...string) Rules {
	extra := make(map[string]bool, len(r.extra)+len(keys))
	for k := range r.extra {
		extra[k] = true
	}
	for _, k := range keys {
		extra[strings.ToLower(k)] = true
	}
	return Rules{extra: extra}
}

// Skip reports whether key is dropped under r.
func (r Rules) Skip(key string) bool {
	if r.extra[strings.ToLower(key)] {
		return true
	}
	folded := foldKey(key)
	for _, token := range nondeterministicTokens {
		if strings.Contains(folded, token) {
			return true
		}
	}
	return isIDKey(key)
}

// isIDKey matches any key ending in "id", ignoring case: "id", "userId",
// "whatsapp_id", "sessionid", "USERID". This also drops words such as
// "paid" or "valid"; payloads that need them hashed must rename them.
func isIDKey(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), "id")
}

func foldKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		if r == '_' || r == '-' {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Normalize converts v to the JSON data model and recursively drops every
// object key r skips. Array order is preserved. The result is a fresh
// value; v is never modified.
func Normalize(v any, r Rules) (any, error) {
	g, err := Generic(v)
	if err != nil {
		return nil, err
	}
	return r.strip(g), nil
}

func (r Rules) strip(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			if r.Skip(k) {
				continue
			}
			out[k] = r.strip(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = r.strip(elem)
		}
		return out
	default:
		return val
	}
}

// MustNormalize is like Normalize but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustNormalize(v any, r Rules) any {
	n, err := Normalize(v, r)
	if err != nil {
		panic(fmt.Sprintf("canonical: normalize: %v", err))
	}
	return n
}
