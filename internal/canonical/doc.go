// Package canonical computes content hashes that are stable across
// processes and over time for semantically equal values.
//
// Hashing is a three step pipeline:
//
//  1. Generic: convert any Go value to the JSON data model
//     (nil, bool, string, json.Number, []any, map[string]any).
//  2. Normalize: drop object keys that carry nondeterminism
//     (timestamps, durations, generated ids, random values).
//  3. Marshal: emit RFC 8785 style canonical JSON (keys sorted by
//     UTF-16 code units, NFC strings, no insignificant whitespace)
//     and digest it with SHA-256, hex encoded.
//
// The same Rules MUST be used at capture time and at replay time.
// A recorded hash compared against a replay hash computed under
// different rules is meaningless.
package canonical
