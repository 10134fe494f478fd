// Package recording captures externally triggered pipeline executions as
// recordings made of events, each holding an ordered list of hashed steps.
//
// A caller opens a Session per event with Service.RecordEvent and threads it
// through every step of that event:
//
//	sess, err := svc.RecordEvent(ctx, recordingID, payload, state)
//	...
//	_, err = sess.RecordStep(ctx, recording.Step{Name: "metrics_calc", Input: in, Output: out})
//	...
//	sess.Finish()
//
// Sessions carry their own step counter, so any number of events can be
// recorded concurrently by one Service. Event sequence numbers are assigned
// by the store in the same transaction that bumps the recording's counter.
//
// Input, output and state hashes use the canonical hasher, the same one the
// replay engine uses to recompute them.
package recording
