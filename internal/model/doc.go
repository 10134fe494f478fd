// Package model defines the records persisted by the recording, cache and
// replay subsystems, and the error taxonomy shared by every layer.
//
// This package contains type definitions only. All other internal packages
// import model; model imports nothing internal.
//
// Ownership chain:
//
//	Recording 1--* WebhookEvent 1--* ExecutionTrace
//	ReplayExecution 1--* TraceValidation --> ExecutionTrace (by step name)
//
// JSON tags use camelCase because these records are the HTTP response bodies.
package model
