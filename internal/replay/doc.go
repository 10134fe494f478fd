// Package replay re-executes recorded steps and checks that their outputs
// are reproducible.
//
// # Run lifecycle
//
// A run starts in status running and is finalized exactly once:
//
//	running -> completed   every event was replayed
//	running -> failed      recording missing, no events, storage failure,
//	                       or the caller cancelled the run
//
// A failed run is still finalized with the partial summary gathered so far.
//
// # Per-step validation
//
// Events are replayed in sequence order and steps in step order, one at a
// time. For each recorded step:
//
//  1. The step name is parsed into a steps.Kind and the executor runs on the
//     recorded input under a per-attempt deadline (timeoutMs). Execution
//     errors and timeouts are retried up to maxRetries times.
//  2. The output is hashed with the canonical hasher and compared to the
//     recorded output hash. A match is reproducible (hash_match, confidence
//     1.0).
//  3. On mismatch a semantic check runs: metrics compare numerically within
//     0.001, decisions compare their selected text, everything else compares
//     structurally. The verdict is recorded as semantic_equivalence and feeds
//     severity; it never makes a mismatched step reproducible.
//  4. An execution error is recorded as execution_error with confidence 0.0
//     and a critical mismatch whose replay hash is model.ExecutionErrorHash.
//
// With validateHashes=false steps are judged by the semantic check alone.
//
// # Severity
//
//	decision        always major
//	metrics_calc    major when more than five top-level fields differ
//	others          minor
//	execution error always critical
//
// A run succeeds when reproducibleSteps/totalSteps >= 0.95, and in strict
// mode only when no mismatch was recorded.
package replay
