// Package store provides durable storage for recordings and replay runs.
//
// The Store interface covers five collections:
//   - Recordings: capture sessions, one per conversation run
//   - Events: webhook events inside a recording (1-based sequence)
//   - Traces: hashed execution steps inside an event
//   - Replay executions: one row per replay run, finalized exactly once
//   - Trace validations: append-only per-step verdicts of a replay run
//
// SQLite (this package) is the default implementation; store/postgres
// provides a PostgreSQL one. Both are exercised by the shared conformance
// suite in store/storetest.
//
// # Critical Patterns
//
// Atomic sequencing:
//   - AppendEvent reads event_count, inserts the event and bumps the counter
//     in one transaction
//   - UNIQUE(recording_id, sequence) backs the invariant
//
// Canonical payloads:
//   - Payload columns hold canonical JSON (internal/canonical), so stored
//     bytes re-hash to the digest recorded beside them
//
// Deterministic reads:
//   - Events ORDER BY sequence, traces ORDER BY (sequence, step_order)
//   - List methods return empty slices, never nil
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
