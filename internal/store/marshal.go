package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/tracereplay/internal/canonical"
	"github.com/roach88/tracereplay/internal/model"
)

// EncodePayload converts an arbitrary payload to canonical JSON TEXT for
// storage. Stored payloads therefore re-hash to the digest recorded next to
// them, which is what integrity verification relies on.
func EncodePayload(v any) (string, error) {
	data, err := canonical.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// DecodePayload parses stored payload TEXT. Numbers decode as json.Number
// to avoid float64 precision loss for values > 2^53.
func DecodePayload(data string) (any, error) {
	if data == "" || data == "null" {
		return nil, nil
	}
	v, err := canonical.Decode([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return v, nil
}

// EncodeJSON serializes a structured column (config, summary, call lists).
// Uses json.Encoder with HTML escaping disabled so stored text matches the
// canonical form for string contents.
func EncodeJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("marshal column: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// EncodeCalls serializes an external call list; nil is stored as "[]".
func EncodeCalls(calls []model.ExternalCall) (string, error) {
	if calls == nil {
		calls = []model.ExternalCall{}
	}
	return EncodeJSON(calls)
}

// DecodeCalls parses an external call list column. The result is never nil.
func DecodeCalls(data string) ([]model.ExternalCall, error) {
	calls := []model.ExternalCall{}
	if err := DecodeJSON(data, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// DecodeJSON parses a structured column into dst. Empty text leaves dst
// untouched.
func DecodeJSON(data string, dst any) error {
	if data == "" {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("unmarshal column: %w", err)
	}
	return nil
}

// timeLayout is fixed width so that TEXT ordering equals time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders timestamps as sortable UTC text.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
