// Package pii masks personal data in structured payloads before they are
// stored beside the raw copy.
//
// Two passes run over a deep copy of the payload:
//   - every scalar under a key containing a personal-data token (name,
//     phone, email, address, whatsapp, ...) is partially masked
//   - every other string is scanned for phone- and email-shaped substrings,
//     which are masked in place
//
// Masking keeps the first two characters and replaces the rest with '*'.
package pii

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/tracereplay/internal/canonical"
)

// DefaultKeyTokens are matched as substrings of the lower-cased key.
var DefaultKeyTokens = []string{
	"name",
	"phone",
	"email",
	"address",
	"whatsapp",
	"mobile",
}

var (
	emailPattern = regexp.MustCompile(`(?i)[\w.+-]+@[\w-]+(?:\.[\w-]+)*\.[a-z]{2,}`)
	// Nine or more digits with optional leading '+' and common separators.
	phonePattern = regexp.MustCompile(`\+?\d(?:[\s().-]?\d){8,}`)
)

// Scrubber masks personal data. The zero value is not usable; call New.
type Scrubber struct {
	tokens []string
}

// New creates a Scrubber matching DefaultKeyTokens plus extra tokens.
func New(extra ...string) *Scrubber {
	tokens := make([]string, 0, len(DefaultKeyTokens)+len(extra))
	tokens = append(tokens, DefaultKeyTokens...)
	for _, t := range extra {
		tokens = append(tokens, strings.ToLower(t))
	}
	return &Scrubber{tokens: tokens}
}

// Scrub returns a masked deep copy of v. v is never modified.
func (s *Scrubber) Scrub(v any) (any, error) {
	g, err := canonical.Generic(v)
	if err != nil {
		return nil, fmt.Errorf("scrub: %w", err)
	}
	return s.walk(g, false), nil
}

// SensitiveKey reports whether values under key are masked wholesale.
func (s *Scrubber) SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, t := range s.tokens {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// walk masks in place; v is already a private copy.
func (s *Scrubber) walk(v any, sensitive bool) any {
	switch val := v.(type) {
	case map[string]any:
		for k, elem := range val {
			val[k] = s.walk(elem, sensitive || s.SensitiveKey(k))
		}
		return val
	case []any:
		for i, elem := range val {
			val[i] = s.walk(elem, sensitive)
		}
		return val
	case string:
		if sensitive {
			return Mask(val)
		}
		return ScrubString(val)
	case json.Number:
		if sensitive {
			return Mask(string(val))
		}
		return val
	default:
		return val
	}
}

// ScrubString masks phone- and email-shaped substrings of s.
func ScrubString(s string) string {
	s = emailPattern.ReplaceAllStringFunc(s, Mask)
	return phonePattern.ReplaceAllStringFunc(s, Mask)
}

// Mask keeps the first two characters of s and replaces the rest with '*'.
// Strings of two characters or fewer are fully masked.
func Mask(s string) string {
	runes := []rune(s)
	if len(runes) <= 2 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:2]) + strings.Repeat("*", len(runes)-2)
}
